package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

type actionRow struct {
	ID               string              `db:"id"`
	Symbol           string              `db:"symbol"`
	Type             string              `db:"type"`
	ExDate           sql.NullTime        `db:"ex_date"`
	RecordDate       sql.NullTime        `db:"record_date"`
	EffectiveDate    time.Time           `db:"effective_date"`
	SplitRatio       decimal.NullDecimal `db:"split_ratio"`
	DividendAmount   decimal.NullDecimal `db:"dividend_amount"`
	DividendCurrency string              `db:"dividend_currency"`
	AcquiringSymbol  string              `db:"acquiring_symbol"`
	ExchangeRatio    decimal.NullDecimal `db:"exchange_ratio"`
	DataSource       string              `db:"data_source"`
	ExternalID       string              `db:"external_id"`
	Sources          pq.StringArray      `db:"sources"`
	IsVerified       bool                `db:"is_verified"`
	SupersededBy     string              `db:"superseded_by"`
	CreatedAt        time.Time           `db:"created_at"`
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (r *actionRow) toModel() *model.CorporateAction {
	a := &model.CorporateAction{
		ID:               r.ID,
		Symbol:           r.Symbol,
		Type:             model.CorporateActionType(r.Type),
		EffectiveDate:    model.Day(r.EffectiveDate),
		SplitRatio:       fromNullDecimal(r.SplitRatio),
		DividendAmount:   fromNullDecimal(r.DividendAmount),
		DividendCurrency: r.DividendCurrency,
		AcquiringSymbol:  r.AcquiringSymbol,
		ExchangeRatio:    fromNullDecimal(r.ExchangeRatio),
		DataSource:       r.DataSource,
		ExternalID:       r.ExternalID,
		Sources:          []string(r.Sources),
		IsVerified:       r.IsVerified,
		SupersededBy:     r.SupersededBy,
		CreatedAt:        r.CreatedAt.UTC(),
	}
	if r.ExDate.Valid {
		a.ExDate = model.Day(r.ExDate.Time)
	}
	if r.RecordDate.Valid {
		a.RecordDate = model.Day(r.RecordDate.Time)
	}
	return a
}

const actionColumns = `id, symbol, type, ex_date, record_date, effective_date, split_ratio, dividend_amount,
	dividend_currency, acquiring_symbol, exchange_ratio, data_source, external_id, sources, is_verified,
	superseded_by, created_at`

// InsertCorporateAction 新增公司行为
func (s *Store) InsertCorporateAction(ctx context.Context, a *model.CorporateAction) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO corporate_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Symbol, string(a.Type), nullTime(a.ExDate), nullTime(a.RecordDate), a.EffectiveDate,
		nullDecimal(a.SplitRatio), nullDecimal(a.DividendAmount), a.DividendCurrency, a.AcquiringSymbol,
		nullDecimal(a.ExchangeRatio), a.DataSource, a.ExternalID, pq.StringArray(a.Sources), a.IsVerified,
		a.SupersededBy, a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate corporate action %s: %w", a.ID, err)
		}
		return fmt.Errorf("保存公司行为失败: %w", err)
	}
	return nil
}

// UpdateCorporateActionSources 更新数据源与验证状态
func (s *Store) UpdateCorporateActionSources(ctx context.Context, id string, sources []string, verified bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE corporate_actions SET sources = $2, is_verified = $3
		WHERE id = $1 AND is_verified = FALSE`, id, pq.StringArray(sources), verified)
	if err != nil {
		return fmt.Errorf("更新公司行为数据源失败: %w", err)
	}
	return s.checkActionMutation(ctx, res, id)
}

// SupersedeCorporateAction 标记被替代
func (s *Store) SupersedeCorporateAction(ctx context.Context, id, supersededBy string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE corporate_actions SET superseded_by = $2
		WHERE id = $1 AND is_verified = FALSE`, id, supersededBy)
	if err != nil {
		return fmt.Errorf("替代公司行为失败: %w", err)
	}
	return s.checkActionMutation(ctx, res, id)
}

// checkActionMutation distinguishes a missing row from a verified (immutable) one
func (s *Store) checkActionMutation(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var verified bool
	err := s.db.GetContext(ctx, &verified, `SELECT is_verified FROM corporate_actions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("corporate action %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("查询公司行为失败: %w", err)
	}
	return fmt.Errorf("corporate action %s: %w", id, model.ErrAlreadyVerified)
}

// GetCorporateAction 获取公司行为
func (s *Store) GetCorporateAction(ctx context.Context, id string) (*model.CorporateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row actionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+actionColumns+` FROM corporate_actions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("corporate action %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("查询公司行为失败: %w", err)
	}
	return row.toModel(), nil
}

// ListCorporateActions 列出有效的公司行为
func (s *Store) ListCorporateActions(ctx context.Context, symbol string) ([]*model.CorporateAction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+actionColumns+` FROM corporate_actions
		WHERE symbol = $1 AND superseded_by = ''
		ORDER BY effective_date ASC, id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("查询公司行为列表失败: %w", err)
	}
	out := make([]*model.CorporateAction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
