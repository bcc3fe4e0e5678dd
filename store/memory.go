package store

import (
	"context"
	"sync"
)

type forecastHourRow struct {
	irradiance           float64
	hasIrradiance        bool
	prodForecast         float64
	confidence           float64
	correctionApplied    float64
	hasCorrectionApplied bool
	hasForecast          bool
	prodActual           float64
	hasActual            bool
	correction           float64
	hasCorrection        bool
}

// Memory is an in-process Store implementation, used by tests and as the
// bring-up fallback when no database DSN is configured. Every method locks
// mu for the duration of the call so concurrently ticking pipelines never
// race on the maps.
type Memory struct {
	mu sync.Mutex

	forecastHours     map[string]*forecastHourRow
	correctionMatrix  map[[3]int]CorrectionCell
	matrixSmooth      map[[2]int]struct {
		avg   float64
		count int
	}
	prices       map[string]PriceSlot
	consumption  map[string]ConsumptionSample
	snapshots    map[string]EnergySnapshot
	schedule     map[string]ScheduleSlot
	pipelineRuns map[string]PipelineRun
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		forecastHours:    make(map[string]*forecastHourRow),
		correctionMatrix: make(map[[3]int]CorrectionCell),
		matrixSmooth: make(map[[2]int]struct {
			avg   float64
			count int
		}),
		prices:       make(map[string]PriceSlot),
		consumption:  make(map[string]ConsumptionSample),
		snapshots:    make(map[string]EnergySnapshot),
		schedule:     make(map[string]ScheduleSlot),
		pipelineRuns: make(map[string]PipelineRun),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) row(hourTS string) *forecastHourRow {
	r, ok := m.forecastHours[hourTS]
	if !ok {
		r = &forecastHourRow{}
		m.forecastHours[hourTS] = r
	}
	return r
}

func (m *Memory) UpsertIrradiance(_ context.Context, hourTS string, irr float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(hourTS)
	r.irradiance, r.hasIrradiance = irr, true
	return nil
}

func (m *Memory) UpdateForecast(_ context.Context, hourTS string, prodForecast, confidence, correctionApplied float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(hourTS)
	r.prodForecast, r.confidence, r.hasForecast = prodForecast, confidence, true
	r.correctionApplied, r.hasCorrectionApplied = correctionApplied, true
	return nil
}

func (m *Memory) UpdateActual(_ context.Context, hourTS string, prodActual float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(hourTS)
	r.prodActual, r.hasActual = prodActual, true
	return nil
}

func (m *Memory) UpdateCorrection(_ context.Context, hourTS string, correction float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.row(hourTS)
	r.correction, r.hasCorrection = correction, true
	return nil
}

func (m *Memory) GetUnprocessedActuals(_ context.Context) ([]UnprocessedActual, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UnprocessedActual
	for ts, r := range m.forecastHours {
		if r.hasActual && !r.hasCorrection && r.hasForecast && r.prodForecast > 0 {
			out = append(out, UnprocessedActual{
				HourTS:       ts,
				ProdForecast: r.prodForecast,
				ProdActual:   r.prodActual,
				Irradiance:   r.irradiance,
			})
		}
	}
	return out, nil
}

func (m *Memory) GetRecencyRows(_ context.Context, from, to string) ([]RecencyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecencyRow
	for ts, r := range m.forecastHours {
		if ts < from || ts > to {
			continue
		}
		if !r.hasForecast || r.prodForecast <= 0 || !r.hasActual || !r.hasCorrectionApplied {
			continue
		}
		out = append(out, RecencyRow{
			HourTS:            ts,
			Irradiance:        r.irradiance,
			ProdForecast:      r.prodForecast,
			ProdActual:        r.prodActual,
			CorrectionApplied: r.correctionApplied,
		})
	}
	return out, nil
}

func (m *Memory) GetCorrectionCell(_ context.Context, month, day, hour int) (CorrectionCell, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.correctionMatrix[[3]int{month, day, hour}]
	return c, ok, nil
}

func (m *Memory) UpdateCorrectionMatrix(_ context.Context, month, day, hour int, avg float64, count int, totalWeight, maxProd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correctionMatrix[[3]int{month, day, hour}] = CorrectionCell{
		Month: month, Day: day, Hour: hour,
		Avg: avg, Count: count, TotalWeight: totalWeight, MaxProd: maxProd,
	}
	return nil
}

func (m *Memory) GetReadingsForSmoothing(_ context.Context) ([]SmoothingReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SmoothingReading
	for ts, r := range m.forecastHours {
		if r.hasCorrection && r.hasForecast {
			out = append(out, SmoothingReading{
				HourTS:     ts,
				Correction: r.correction,
				Confidence: r.confidence,
				Actual:     r.prodActual,
				HasActual:  r.hasActual,
			})
		}
	}
	return out, nil
}

func (m *Memory) UpsertSmoothed(_ context.Context, dayOfYear, hour int, avg float64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matrixSmooth[[2]int{dayOfYear, hour}] = struct {
		avg   float64
		count int
	}{avg, count}
	return nil
}

func (m *Memory) UpsertPrice(_ context.Context, slotTS string, price float64, region string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[slotTS] = PriceSlot{SlotTS: slotTS, Price: price, Region: region}
	return nil
}

func (m *Memory) GetPricesForRange(_ context.Context, from, to string) ([]PriceSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PriceSlot
	for ts, s := range m.prices {
		if ts >= from && ts < to {
			out = append(out, s)
		}
	}
	sortPriceSlots(out)
	return out, nil
}

func (m *Memory) UpsertConsumption(_ context.Context, hourTS string, watts, tempC float64, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumption[hourTS] = ConsumptionSample{HourTS: hourTS, Watts: watts, TempC: tempC, Source: source}
	return nil
}

func (m *Memory) GetConsumptionForRange(_ context.Context, from, to string) ([]ConsumptionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConsumptionSample
	for ts, s := range m.consumption {
		if ts >= from && ts < to {
			out = append(out, s)
		}
	}
	sortConsumption(out)
	return out, nil
}

func (m *Memory) UpsertEnergySnapshot(_ context.Context, ts string, pv, load, gridIn, gridOut float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[ts] = EnergySnapshot{TS: ts, PVKWh: pv, LoadKWh: load, GridInKWh: gridIn, GridOutKWh: gridOut}
	return nil
}

func (m *Memory) GetSnapshotAtOrBefore(_ context.Context, ts string) (EnergySnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	for candTS := range m.snapshots {
		if candTS <= ts && candTS > best {
			best = candTS
		}
	}
	if best == "" {
		return EnergySnapshot{}, false, nil
	}
	return m.snapshots[best], true, nil
}

func (m *Memory) UpsertScheduleBatch(_ context.Context, slots []ScheduleSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range slots {
		m.schedule[s.SlotTS] = s
	}
	return nil
}

func (m *Memory) DeleteScheduleForRange(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ts := range m.schedule {
		if ts >= from && ts < to {
			delete(m.schedule, ts)
		}
	}
	return nil
}

func (m *Memory) GetScheduleForRange(_ context.Context, from, to string) ([]ScheduleSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduleSlot
	for ts, s := range m.schedule {
		if ts >= from && ts < to {
			out = append(out, s)
		}
	}
	sortSchedule(out)
	return out, nil
}

func (m *Memory) RecordPipelineRun(_ context.Context, name string, status PipelineStatus, at string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineRuns[name] = PipelineRun{Name: name, Status: status, At: at}
	return nil
}

func (m *Memory) GetAllPipelineRuns(_ context.Context) ([]PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PipelineRun
	for _, r := range m.pipelineRuns {
		out = append(out, r)
	}
	return out, nil
}
