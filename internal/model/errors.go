package model

import "errors"

// Oracle error taxonomy. Callers branch with errors.Is; every layer wraps with fmt.Errorf("...: %w").
var (
	// ErrSourceUnavailable a single provider failed or timed out
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRateLimited a provider rejected the call because of its quota
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound the requested symbol or record does not exist
	ErrNotFound = errors.New("not found")
	// ErrNoDataAvailable every source failed or the symbol is unknown
	ErrNoDataAvailable = errors.New("no data available")
	// ErrAmbiguousCorporateAction sources disagree on a corporate action
	ErrAmbiguousCorporateAction = errors.New("ambiguous corporate action")
	// ErrDiscontinuity a merger or spin-off boundary was crossed without acknowledgement
	ErrDiscontinuity = errors.New("price discontinuity")
	// ErrPublishFailed a chain rejected or failed a publish
	ErrPublishFailed = errors.New("publish failed")
	// ErrProviderNotConfigured no publisher registered for the requested chain
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrAlreadyVerified verified corporate actions are immutable
	ErrAlreadyVerified = errors.New("corporate action already verified")
	// ErrInvalidCorporateAction payload does not match the action type
	ErrInvalidCorporateAction = errors.New("invalid corporate action")
)
