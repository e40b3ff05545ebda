package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/life2you_mini/rwaoracle/internal/model"
)

type windowRow struct {
	ID        string    `db:"id"`
	Symbol    string    `db:"symbol"`
	Level     string    `db:"level"`
	StartDate time.Time `db:"start_date"`
	EndDate   time.Time `db:"end_date"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type factorRow struct {
	ID            string    `db:"id"`
	RiskWindowID  string    `db:"risk_window_id"`
	Type          string    `db:"type"`
	Description   string    `db:"description"`
	Impact        float64   `db:"impact"`
	EffectiveDate time.Time `db:"effective_date"`
	Details       string    `db:"details"`
}

// SaveRiskWindow upserts the window and replaces its factors in one transaction
func (s *Store) SaveRiskWindow(ctx context.Context, w *model.RiskWindow) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_windows (id, symbol, level, start_date, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET level = EXCLUDED.level, start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date, updated_at = EXCLUDED.updated_at`,
		w.ID, w.Symbol, string(w.Level), w.StartDate, w.EndDate, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("保存风险窗口失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_factors WHERE risk_window_id = $1`, w.ID); err != nil {
		return fmt.Errorf("清理风险因子失败: %w", err)
	}
	for _, f := range w.Factors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_factors (id, risk_window_id, type, description, impact, effective_date, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.ID, w.ID, string(f.Type), f.Description, f.Impact, f.EffectiveDate, f.Details)
		if err != nil {
			return fmt.Errorf("保存风险因子失败: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteRiskWindow removes a window absorbed by a merge; its factors cascade
func (s *Store) DeleteRiskWindow(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_windows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("删除风险窗口失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("risk window %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// OverlappingRiskWindows 与区间重叠的风险窗口
func (s *Store) OverlappingRiskWindows(ctx context.Context, symbol string, from, to time.Time) ([]*model.RiskWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []windowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, symbol, level, start_date, end_date, created_at, updated_at FROM risk_windows
		WHERE symbol = $1 AND start_date <= $3 AND end_date >= $2
		ORDER BY start_date ASC`, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("查询风险窗口失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	windows := make(map[string]*model.RiskWindow, len(rows))
	out := make([]*model.RiskWindow, 0, len(rows))
	for _, r := range rows {
		w := &model.RiskWindow{
			ID:        r.ID,
			Symbol:    r.Symbol,
			Level:     model.RiskLevel(r.Level),
			StartDate: r.StartDate.UTC(),
			EndDate:   r.EndDate.UTC(),
			CreatedAt: r.CreatedAt.UTC(),
			UpdatedAt: r.UpdatedAt.UTC(),
		}
		ids = append(ids, r.ID)
		windows[r.ID] = w
		out = append(out, w)
	}

	var factors []factorRow
	err = s.db.SelectContext(ctx, &factors, `
		SELECT id, risk_window_id, type, description, impact, effective_date, details FROM risk_factors
		WHERE risk_window_id = ANY($1) ORDER BY impact DESC`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("查询风险因子失败: %w", err)
	}
	for _, f := range factors {
		w, ok := windows[f.RiskWindowID]
		if !ok {
			continue
		}
		w.Factors = append(w.Factors, model.RiskFactor{
			ID:            f.ID,
			RiskWindowID:  f.RiskWindowID,
			Type:          model.RiskFactorType(f.Type),
			Description:   f.Description,
			Impact:        f.Impact,
			EffectiveDate: f.EffectiveDate.UTC(),
			Details:       f.Details,
		})
	}
	return out, nil
}

type recommendationRow struct {
	ID                  string          `db:"id"`
	Symbol              string          `db:"symbol"`
	PositionID          string          `db:"position_id"`
	Action              string          `db:"action"`
	CurrentLeverage     float64         `db:"current_leverage"`
	TargetLeverage      float64         `db:"target_leverage"`
	ReductionPercentage sql.NullFloat64 `db:"reduction_percentage"`
	IncreasePercentage  sql.NullFloat64 `db:"increase_percentage"`
	Reason              string          `db:"reason"`
	Priority            int             `db:"priority"`
	RecommendedBy       time.Time       `db:"recommended_by"`
	ValidUntil          sql.NullTime    `db:"valid_until"`
	Acknowledged        bool            `db:"acknowledged"`
	AcknowledgedAt      sql.NullTime    `db:"acknowledged_at"`
	AcknowledgedBy      string          `db:"acknowledged_by"`
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func (r *recommendationRow) toModel() *model.RiskRecommendation {
	return &model.RiskRecommendation{
		ID:                  r.ID,
		Symbol:              r.Symbol,
		PositionID:          r.PositionID,
		Action:              model.RecommendationAction(r.Action),
		CurrentLeverage:     r.CurrentLeverage,
		TargetLeverage:      r.TargetLeverage,
		ReductionPercentage: floatPtr(r.ReductionPercentage),
		IncreasePercentage:  floatPtr(r.IncreasePercentage),
		Reason:              r.Reason,
		Priority:            r.Priority,
		RecommendedBy:       r.RecommendedBy.UTC(),
		ValidUntil:          timePtr(r.ValidUntil),
		Acknowledged:        r.Acknowledged,
		AcknowledgedAt:      timePtr(r.AcknowledgedAt),
		AcknowledgedBy:      r.AcknowledgedBy,
	}
}

const recommendationColumns = `id, symbol, position_id, action, current_leverage, target_leverage,
	reduction_percentage, increase_percentage, reason, priority, recommended_by, valid_until, acknowledged,
	acknowledged_at, acknowledged_by`

// InsertRecommendation 保存建议
func (s *Store) InsertRecommendation(ctx context.Context, r *model.RiskRecommendation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var validUntil sql.NullTime
	if r.ValidUntil != nil {
		validUntil = sql.NullTime{Time: *r.ValidUntil, Valid: true}
	}
	var reduction, increase sql.NullFloat64
	if r.ReductionPercentage != nil {
		reduction = sql.NullFloat64{Float64: *r.ReductionPercentage, Valid: true}
	}
	if r.IncreasePercentage != nil {
		increase = sql.NullFloat64{Float64: *r.IncreasePercentage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_recommendations (`+recommendationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, NULL, '')`,
		r.ID, r.Symbol, r.PositionID, string(r.Action), r.CurrentLeverage, r.TargetLeverage,
		reduction, increase, r.Reason, r.Priority, r.RecommendedBy, validUntil)
	if err != nil {
		return fmt.Errorf("保存风险建议失败: %w", err)
	}
	return nil
}

// GetRecommendation 获取建议
func (s *Store) GetRecommendation(ctx context.Context, id string) (*model.RiskRecommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row recommendationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recommendationColumns+` FROM risk_recommendations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recommendation %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("查询风险建议失败: %w", err)
	}
	return row.toModel(), nil
}

// ListRecommendations 列出建议
func (s *Store) ListRecommendations(ctx context.Context, symbol string) ([]*model.RiskRecommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []recommendationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+recommendationColumns+` FROM risk_recommendations
		WHERE symbol = $1 ORDER BY recommended_by DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("查询风险建议列表失败: %w", err)
	}
	out := make([]*model.RiskRecommendation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// AcknowledgeRecommendation 确认建议 (one-way)
func (s *Store) AcknowledgeRecommendation(ctx context.Context, id string, at time.Time, by string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_recommendations SET acknowledged = TRUE, acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND acknowledged = FALSE`, id, at, by)
	if err != nil {
		return false, fmt.Errorf("确认风险建议失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM risk_recommendations WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("查询风险建议失败: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("recommendation %s: %w", id, model.ErrNotFound)
	}
	return false, nil
}
