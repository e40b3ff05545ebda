// Package provider holds the vendor clients that feed prices and corporate actions into the oracle.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

// Quote one vendor's price observation
type Quote struct {
	Symbol     string
	Price      float64
	Confidence float64 // vendor's own confidence in [0,1], 1 when it reports none
	AsOf       time.Time
}

// PriceProvider fetchPrice side of the provider contract
type PriceProvider interface {
	Name() string
	// Reliability fixed weight in [0,1] from configuration
	Reliability() float64
	FetchPrice(ctx context.Context, symbol string) (*Quote, error)
}

// CorporateActionProvider fetchSplits / fetchDividends side of the provider contract
type CorporateActionProvider interface {
	Name() string
	FetchSplits(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
	FetchDividends(ctx context.Context, symbol string) ([]*model.CorporateAction, error)
}

// Provider 数据供应商
type Provider interface {
	PriceProvider
	CorporateActionProvider
}

// ErrorKind typed provider failure
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindNotFound    ErrorKind = "not_found"
)

// Error a failed provider call
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// NewError 创建供应商错误
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the kind onto the oracle error taxonomy
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindRateLimited:
		return target == model.ErrRateLimited || target == model.ErrSourceUnavailable
	case KindUnavailable:
		return target == model.ErrSourceUnavailable
	case KindNotFound:
		return target == model.ErrNotFound
	}
	return false
}

// KindOf returns the kind of a provider error, or "" for anything else
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// FetchAll splits and dividends from one provider, effective on or after from (zero means everything).
// A NotFound from one half is treated as an empty list.
func FetchAll(ctx context.Context, p CorporateActionProvider, symbol string, from time.Time) ([]*model.CorporateAction, error) {
	var splits, dividends []*model.CorporateAction

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		splits, err = p.FetchSplits(gctx, symbol)
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		dividends, err = p.FetchDividends(gctx, symbol)
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]*model.CorporateAction, 0, len(splits)+len(dividends))
	for _, a := range append(splits, dividends...) {
		if !from.IsZero() && a.EffectiveDate.Before(model.Day(from)) {
			continue
		}
		all = append(all, a)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].EffectiveDate.Before(all[j].EffectiveDate) })
	return all, nil
}
