package postgres

// schema is applied by Initialize. Rows are insert-only except the columns noted.
const schema = `
CREATE TABLE IF NOT EXISTS equity_prices (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	raw_price        DOUBLE PRECISION NOT NULL,
	adjusted_price   DOUBLE PRECISION NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	price_date       TIMESTAMPTZ NOT NULL,
	source           TEXT NOT NULL,
	source_breakdown JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_equity_prices_symbol_date ON equity_prices (symbol, price_date);

CREATE TABLE IF NOT EXISTS corporate_actions (
	id                TEXT PRIMARY KEY,
	symbol            TEXT NOT NULL,
	type              TEXT NOT NULL,
	ex_date           DATE,
	record_date       DATE,
	effective_date    DATE NOT NULL,
	split_ratio       NUMERIC,
	dividend_amount   NUMERIC,
	dividend_currency TEXT NOT NULL DEFAULT '',
	acquiring_symbol  TEXT NOT NULL DEFAULT '',
	exchange_ratio    NUMERIC,
	data_source       TEXT NOT NULL,
	external_id       TEXT NOT NULL DEFAULT '',
	sources           TEXT[] NOT NULL DEFAULT '{}',
	is_verified       BOOLEAN NOT NULL DEFAULT FALSE,   -- mutable until true
	superseded_by     TEXT NOT NULL DEFAULT '',         -- mutable until verified
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_corporate_actions_symbol ON corporate_actions (symbol, effective_date);

CREATE TABLE IF NOT EXISTS funding_rates (
	id                          TEXT PRIMARY KEY,
	symbol                      TEXT NOT NULL,
	rate                        DOUBLE PRECISION NOT NULL,
	hourly_rate                 DOUBLE PRECISION NOT NULL,
	mark_price                  DOUBLE PRECISION NOT NULL,
	spot_price                  DOUBLE PRECISION NOT NULL,
	adjusted_spot_price         DOUBLE PRECISION NOT NULL,
	premium                     DOUBLE PRECISION NOT NULL,
	premium_percentage          DOUBLE PRECISION NOT NULL,
	base_rate                   DOUBLE PRECISION NOT NULL,
	corporate_action_adjustment DOUBLE PRECISION NOT NULL,
	liquidity_adjustment        DOUBLE PRECISION NOT NULL,
	volatility_adjustment       DOUBLE PRECISION NOT NULL,
	calculated_at               TIMESTAMPTZ NOT NULL,
	valid_until                 TIMESTAMPTZ NOT NULL,
	on_chain_transaction_hash   TEXT NOT NULL DEFAULT ''   -- set once by the publisher
);
CREATE INDEX IF NOT EXISTS idx_funding_rates_symbol_calc ON funding_rates (symbol, calculated_at DESC);

CREATE TABLE IF NOT EXISTS risk_windows (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	level      TEXT NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date   TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_windows_symbol ON risk_windows (symbol, start_date, end_date);

CREATE TABLE IF NOT EXISTS risk_factors (
	id             TEXT PRIMARY KEY,
	risk_window_id TEXT NOT NULL REFERENCES risk_windows (id) ON DELETE CASCADE,
	type           TEXT NOT NULL,
	description    TEXT NOT NULL,
	impact         DOUBLE PRECISION NOT NULL,
	effective_date TIMESTAMPTZ NOT NULL,
	details        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS risk_recommendations (
	id                   TEXT PRIMARY KEY,
	symbol               TEXT NOT NULL,
	position_id          TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL,
	current_leverage     DOUBLE PRECISION NOT NULL,
	target_leverage      DOUBLE PRECISION NOT NULL,
	reduction_percentage DOUBLE PRECISION,
	increase_percentage  DOUBLE PRECISION,
	reason               TEXT NOT NULL,
	priority             INTEGER NOT NULL,
	recommended_by       TIMESTAMPTZ NOT NULL,
	valid_until          TIMESTAMPTZ,
	acknowledged         BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_at      TIMESTAMPTZ,
	acknowledged_by      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_risk_recommendations_symbol ON risk_recommendations (symbol, recommended_by DESC);
`
