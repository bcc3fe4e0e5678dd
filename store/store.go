// Package store defines the persistence facade used by every pipeline and
// the two implementations that satisfy it: a Postgres-backed production
// store (database/sql and lib/pq) and an in-memory store used by tests and
// as the fallback when no database DSN is configured.
package store

import "context"

// CorrectionCell is one (month, day-of-month, hour) bucket of the empirical
// irradiance correction matrix.
type CorrectionCell struct {
	Month       int
	Day         int
	Hour        int
	Avg         float64
	Count       int
	TotalWeight float64
	MaxProd     float64
}

// UnprocessedActual is a forecast row whose actual production has landed but
// has not yet been folded into the correction matrix.
type UnprocessedActual struct {
	HourTS       string
	ProdForecast float64
	ProdActual   float64
	Irradiance   float64
}

// SmoothingReading is a row ready to be folded into the smoothed
// day-of-year matrix: it has both a correction and a confidence recorded.
type SmoothingReading struct {
	HourTS     string
	Correction float64
	Confidence float64
	Actual     float64
	HasActual  bool
}

// RecencyRow is one hour's worth of forecast-vs-actual history used by the
// recency-bias computation. Rows are only returned when a forecast, an
// actual, and an applied correction are all recorded.
type RecencyRow struct {
	HourTS            string
	Irradiance        float64
	ProdForecast      float64
	ProdActual        float64
	CorrectionApplied float64
}

// PriceSlot is one 15-minute per-kWh price point.
type PriceSlot struct {
	SlotTS string
	Price  float64
	Region string
}

// ConsumptionSample is one hour of observed household load.
type ConsumptionSample struct {
	HourTS string
	Watts  float64
	TempC  float64
	Source string
}

// EnergySnapshot is one point-in-time reading of the plant's cumulative
// daily energy counters, in kWh.
type EnergySnapshot struct {
	TS         string
	PVKWh      float64
	LoadKWh    float64
	GridInKWh  float64
	GridOutKWh float64
}

// ScheduleSlot is one planned battery action for a 15-minute slot.
type ScheduleSlot struct {
	SlotTS       string
	Action       string
	TargetPowerW float64
	SOCStart     float64
	SOCEnd       float64
}

// PipelineStatus is the outcome of the most recent run of one named
// pipeline, as recorded in the run ledger.
type PipelineStatus string

const (
	PipelineOK       PipelineStatus = "ok"
	PipelineError    PipelineStatus = "error"
	PipelineNeverRun PipelineStatus = "never_run"
)

// PipelineRun is one ledger entry.
type PipelineRun struct {
	Name   string
	Status PipelineStatus
	At     string
}

// Store is the full persistence facade every pipeline depends on. All
// operations can fail with a storage error; callers classify the enclosing
// pipeline run as failed but must never abort the process because of it.
// Range operations over slot/hour keys take half-open [from, to) windows,
// except GetRecencyRows, whose trailing window includes to itself.
type Store interface {
	UpsertIrradiance(ctx context.Context, hourTS string, irr float64) error
	UpdateForecast(ctx context.Context, hourTS string, prodForecast, confidence, correctionApplied float64) error
	UpdateActual(ctx context.Context, hourTS string, prodActual float64) error
	UpdateCorrection(ctx context.Context, hourTS string, correction float64) error

	GetUnprocessedActuals(ctx context.Context) ([]UnprocessedActual, error)
	GetRecencyRows(ctx context.Context, from, to string) ([]RecencyRow, error)

	GetCorrectionCell(ctx context.Context, month, day, hour int) (CorrectionCell, bool, error)
	UpdateCorrectionMatrix(ctx context.Context, month, day, hour int, avg float64, count int, totalWeight, maxProd float64) error

	GetReadingsForSmoothing(ctx context.Context) ([]SmoothingReading, error)
	UpsertSmoothed(ctx context.Context, dayOfYear, hour int, avg float64, count int) error

	UpsertPrice(ctx context.Context, slotTS string, price float64, region string) error
	GetPricesForRange(ctx context.Context, from, to string) ([]PriceSlot, error)

	UpsertConsumption(ctx context.Context, hourTS string, watts, tempC float64, source string) error
	GetConsumptionForRange(ctx context.Context, from, to string) ([]ConsumptionSample, error)

	UpsertEnergySnapshot(ctx context.Context, ts string, pv, load, gridIn, gridOut float64) error
	GetSnapshotAtOrBefore(ctx context.Context, ts string) (EnergySnapshot, bool, error)

	UpsertScheduleBatch(ctx context.Context, slots []ScheduleSlot) error
	DeleteScheduleForRange(ctx context.Context, from, to string) error
	GetScheduleForRange(ctx context.Context, from, to string) ([]ScheduleSlot, error)

	RecordPipelineRun(ctx context.Context, name string, status PipelineStatus, at string) error
	GetAllPipelineRuns(ctx context.Context) ([]PipelineRun, error)

	Close() error
}
