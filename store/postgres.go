package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres is the production Store implementation. Batch writes follow a
// begin-tx, prepare-one-statement, loop, commit shape so multi-row
// operations land atomically.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens and pings a Postgres connection using a lib/pq DSN
// and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS forecast_hours (
			hour_ts TEXT PRIMARY KEY,
			irradiance DOUBLE PRECISION,
			prod_forecast DOUBLE PRECISION,
			confidence DOUBLE PRECISION,
			correction_applied DOUBLE PRECISION,
			prod_actual DOUBLE PRECISION,
			correction DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS correction_matrix (
			month INT, day INT, hour INT,
			avg DOUBLE PRECISION, count INT,
			total_weight DOUBLE PRECISION, max_prod DOUBLE PRECISION,
			PRIMARY KEY (month, day, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS matrix_smooth (
			day_of_year INT, hour INT,
			avg DOUBLE PRECISION, count INT,
			PRIMARY KEY (day_of_year, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS prices (
			slot_ts TEXT PRIMARY KEY,
			price DOUBLE PRECISION,
			region TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS consumption (
			hour_ts TEXT PRIMARY KEY,
			watts DOUBLE PRECISION,
			temp_c DOUBLE PRECISION,
			source TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS energy_snapshots (
			ts TEXT PRIMARY KEY,
			pv_kwh DOUBLE PRECISION,
			load_kwh DOUBLE PRECISION,
			grid_in_kwh DOUBLE PRECISION,
			grid_out_kwh DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS schedule (
			slot_ts TEXT PRIMARY KEY,
			action TEXT,
			target_power_w DOUBLE PRECISION,
			soc_start DOUBLE PRECISION,
			soc_end DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			name TEXT PRIMARY KEY,
			status TEXT,
			at TEXT
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpsertIrradiance(ctx context.Context, hourTS string, irr float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forecast_hours (hour_ts, irradiance) VALUES ($1, $2)
		ON CONFLICT (hour_ts) DO UPDATE SET irradiance = EXCLUDED.irradiance`,
		hourTS, irr)
	return wrap("upsert irradiance", err)
}

func (p *Postgres) UpdateForecast(ctx context.Context, hourTS string, prodForecast, confidence, correctionApplied float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forecast_hours (hour_ts, prod_forecast, confidence, correction_applied)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hour_ts) DO UPDATE SET
			prod_forecast = EXCLUDED.prod_forecast,
			confidence = EXCLUDED.confidence,
			correction_applied = EXCLUDED.correction_applied`,
		hourTS, prodForecast, confidence, correctionApplied)
	return wrap("update forecast", err)
}

func (p *Postgres) UpdateActual(ctx context.Context, hourTS string, prodActual float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forecast_hours (hour_ts, prod_actual) VALUES ($1, $2)
		ON CONFLICT (hour_ts) DO UPDATE SET prod_actual = EXCLUDED.prod_actual`,
		hourTS, prodActual)
	return wrap("update actual", err)
}

func (p *Postgres) UpdateCorrection(ctx context.Context, hourTS string, correction float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forecast_hours (hour_ts, correction) VALUES ($1, $2)
		ON CONFLICT (hour_ts) DO UPDATE SET correction = EXCLUDED.correction`,
		hourTS, correction)
	return wrap("update correction", err)
}

func (p *Postgres) GetUnprocessedActuals(ctx context.Context) ([]UnprocessedActual, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hour_ts, prod_forecast, prod_actual, COALESCE(irradiance, 0)
		FROM forecast_hours
		WHERE prod_actual IS NOT NULL AND correction IS NULL AND prod_forecast > 0`)
	if err != nil {
		return nil, wrap("get unprocessed actuals", err)
	}
	defer rows.Close()
	var out []UnprocessedActual
	for rows.Next() {
		var u UnprocessedActual
		if err := rows.Scan(&u.HourTS, &u.ProdForecast, &u.ProdActual, &u.Irradiance); err != nil {
			return nil, wrap("scan unprocessed actual", err)
		}
		out = append(out, u)
	}
	return out, wrap("iterate unprocessed actuals", rows.Err())
}

func (p *Postgres) GetRecencyRows(ctx context.Context, from, to string) ([]RecencyRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hour_ts, COALESCE(irradiance, 0), prod_forecast, prod_actual, correction_applied
		FROM forecast_hours
		WHERE hour_ts >= $1 AND hour_ts <= $2
			AND prod_forecast IS NOT NULL AND prod_forecast > 0
			AND prod_actual IS NOT NULL AND correction_applied IS NOT NULL`, from, to)
	if err != nil {
		return nil, wrap("get recency rows", err)
	}
	defer rows.Close()
	var out []RecencyRow
	for rows.Next() {
		var r RecencyRow
		if err := rows.Scan(&r.HourTS, &r.Irradiance, &r.ProdForecast, &r.ProdActual, &r.CorrectionApplied); err != nil {
			return nil, wrap("scan recency row", err)
		}
		out = append(out, r)
	}
	return out, wrap("iterate recency rows", rows.Err())
}

func (p *Postgres) GetCorrectionCell(ctx context.Context, month, day, hour int) (CorrectionCell, bool, error) {
	var c CorrectionCell
	err := p.db.QueryRowContext(ctx, `
		SELECT month, day, hour, avg, count, total_weight, max_prod
		FROM correction_matrix WHERE month = $1 AND day = $2 AND hour = $3`,
		month, day, hour,
	).Scan(&c.Month, &c.Day, &c.Hour, &c.Avg, &c.Count, &c.TotalWeight, &c.MaxProd)
	if err == sql.ErrNoRows {
		return CorrectionCell{}, false, nil
	}
	if err != nil {
		return CorrectionCell{}, false, wrap("get correction cell", err)
	}
	return c, true, nil
}

func (p *Postgres) UpdateCorrectionMatrix(ctx context.Context, month, day, hour int, avg float64, count int, totalWeight, maxProd float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO correction_matrix (month, day, hour, avg, count, total_weight, max_prod)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (month, day, hour) DO UPDATE SET
			avg = EXCLUDED.avg, count = EXCLUDED.count,
			total_weight = EXCLUDED.total_weight, max_prod = EXCLUDED.max_prod`,
		month, day, hour, avg, count, totalWeight, maxProd)
	return wrap("update correction matrix", err)
}

func (p *Postgres) GetReadingsForSmoothing(ctx context.Context) ([]SmoothingReading, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hour_ts, correction, confidence, prod_actual FROM forecast_hours
		WHERE correction IS NOT NULL AND confidence IS NOT NULL`)
	if err != nil {
		return nil, wrap("get readings for smoothing", err)
	}
	defer rows.Close()
	var out []SmoothingReading
	for rows.Next() {
		var r SmoothingReading
		var actual sql.NullFloat64
		if err := rows.Scan(&r.HourTS, &r.Correction, &r.Confidence, &actual); err != nil {
			return nil, wrap("scan smoothing reading", err)
		}
		if actual.Valid {
			r.Actual, r.HasActual = actual.Float64, true
		}
		out = append(out, r)
	}
	return out, wrap("iterate smoothing readings", rows.Err())
}

func (p *Postgres) UpsertSmoothed(ctx context.Context, dayOfYear, hour int, avg float64, count int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO matrix_smooth (day_of_year, hour, avg, count) VALUES ($1, $2, $3, $4)
		ON CONFLICT (day_of_year, hour) DO UPDATE SET avg = EXCLUDED.avg, count = EXCLUDED.count`,
		dayOfYear, hour, avg, count)
	return wrap("upsert smoothed", err)
}

func (p *Postgres) UpsertPrice(ctx context.Context, slotTS string, price float64, region string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO prices (slot_ts, price, region) VALUES ($1, $2, $3)
		ON CONFLICT (slot_ts) DO UPDATE SET price = EXCLUDED.price, region = EXCLUDED.region`,
		slotTS, price, region)
	return wrap("upsert price", err)
}

func (p *Postgres) GetPricesForRange(ctx context.Context, from, to string) ([]PriceSlot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT slot_ts, price, region FROM prices
		WHERE slot_ts >= $1 AND slot_ts < $2 ORDER BY slot_ts ASC`, from, to)
	if err != nil {
		return nil, wrap("get prices for range", err)
	}
	defer rows.Close()
	var out []PriceSlot
	for rows.Next() {
		var s PriceSlot
		if err := rows.Scan(&s.SlotTS, &s.Price, &s.Region); err != nil {
			return nil, wrap("scan price slot", err)
		}
		out = append(out, s)
	}
	return out, wrap("iterate prices", rows.Err())
}

func (p *Postgres) UpsertConsumption(ctx context.Context, hourTS string, watts, tempC float64, source string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consumption (hour_ts, watts, temp_c, source) VALUES ($1, $2, $3, $4)
		ON CONFLICT (hour_ts) DO UPDATE SET watts = EXCLUDED.watts, temp_c = EXCLUDED.temp_c, source = EXCLUDED.source`,
		hourTS, watts, tempC, source)
	return wrap("upsert consumption", err)
}

func (p *Postgres) GetConsumptionForRange(ctx context.Context, from, to string) ([]ConsumptionSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT hour_ts, watts, temp_c, source FROM consumption
		WHERE hour_ts >= $1 AND hour_ts < $2 ORDER BY hour_ts ASC`, from, to)
	if err != nil {
		return nil, wrap("get consumption for range", err)
	}
	defer rows.Close()
	var out []ConsumptionSample
	for rows.Next() {
		var s ConsumptionSample
		if err := rows.Scan(&s.HourTS, &s.Watts, &s.TempC, &s.Source); err != nil {
			return nil, wrap("scan consumption sample", err)
		}
		out = append(out, s)
	}
	return out, wrap("iterate consumption", rows.Err())
}

func (p *Postgres) UpsertEnergySnapshot(ctx context.Context, ts string, pv, load, gridIn, gridOut float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO energy_snapshots (ts, pv_kwh, load_kwh, grid_in_kwh, grid_out_kwh)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ts) DO UPDATE SET
			pv_kwh = EXCLUDED.pv_kwh, load_kwh = EXCLUDED.load_kwh,
			grid_in_kwh = EXCLUDED.grid_in_kwh, grid_out_kwh = EXCLUDED.grid_out_kwh`,
		ts, pv, load, gridIn, gridOut)
	return wrap("upsert energy snapshot", err)
}

func (p *Postgres) GetSnapshotAtOrBefore(ctx context.Context, ts string) (EnergySnapshot, bool, error) {
	var s EnergySnapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT ts, pv_kwh, load_kwh, grid_in_kwh, grid_out_kwh FROM energy_snapshots
		WHERE ts <= $1 ORDER BY ts DESC LIMIT 1`, ts,
	).Scan(&s.TS, &s.PVKWh, &s.LoadKWh, &s.GridInKWh, &s.GridOutKWh)
	if err == sql.ErrNoRows {
		return EnergySnapshot{}, false, nil
	}
	if err != nil {
		return EnergySnapshot{}, false, wrap("get snapshot at or before", err)
	}
	return s, true, nil
}

// UpsertScheduleBatch replaces the schedule rows for the given slots
// inside a single transaction.
func (p *Postgres) UpsertScheduleBatch(ctx context.Context, slots []ScheduleSlot) error {
	if len(slots) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin schedule batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schedule (slot_ts, action, target_power_w, soc_start, soc_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slot_ts) DO UPDATE SET
			action = EXCLUDED.action,
			target_power_w = EXCLUDED.target_power_w,
			soc_start = EXCLUDED.soc_start,
			soc_end = EXCLUDED.soc_end`)
	if err != nil {
		return wrap("prepare schedule upsert", err)
	}
	defer stmt.Close()

	for _, s := range slots {
		if _, err := stmt.ExecContext(ctx, s.SlotTS, s.Action, s.TargetPowerW, s.SOCStart, s.SOCEnd); err != nil {
			return wrap("exec schedule upsert", err)
		}
	}
	return wrap("commit schedule batch", tx.Commit())
}

func (p *Postgres) DeleteScheduleForRange(ctx context.Context, from, to string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM schedule WHERE slot_ts >= $1 AND slot_ts < $2`, from, to)
	return wrap("delete schedule for range", err)
}

func (p *Postgres) GetScheduleForRange(ctx context.Context, from, to string) ([]ScheduleSlot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT slot_ts, action, target_power_w, soc_start, soc_end FROM schedule
		WHERE slot_ts >= $1 AND slot_ts < $2 ORDER BY slot_ts ASC`, from, to)
	if err != nil {
		return nil, wrap("get schedule for range", err)
	}
	defer rows.Close()
	var out []ScheduleSlot
	for rows.Next() {
		var s ScheduleSlot
		if err := rows.Scan(&s.SlotTS, &s.Action, &s.TargetPowerW, &s.SOCStart, &s.SOCEnd); err != nil {
			return nil, wrap("scan schedule slot", err)
		}
		out = append(out, s)
	}
	return out, wrap("iterate schedule", rows.Err())
}

func (p *Postgres) RecordPipelineRun(ctx context.Context, name string, status PipelineStatus, at string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (name, status, at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET status = EXCLUDED.status, at = EXCLUDED.at`,
		name, string(status), at)
	return wrap("record pipeline run", err)
}

func (p *Postgres) GetAllPipelineRuns(ctx context.Context) ([]PipelineRun, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name, status, at FROM pipeline_runs`)
	if err != nil {
		return nil, wrap("get all pipeline runs", err)
	}
	defer rows.Close()
	var out []PipelineRun
	for rows.Next() {
		var r PipelineRun
		var status string
		if err := rows.Scan(&r.Name, &status, &r.At); err != nil {
			return nil, wrap("scan pipeline run", err)
		}
		r.Status = PipelineStatus(status)
		out = append(out, r)
	}
	return out, wrap("iterate pipeline runs", rows.Err())
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
