package orchestrator

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/pvbatteryctl/controller/battery"
	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/inverter"
	"github.com/pvbatteryctl/controller/irradiance"
	"github.com/pvbatteryctl/controller/price"
	"github.com/pvbatteryctl/controller/store"
)

// fakeDriver is a scripted inverter.Driver for pipeline tests.
type fakeDriver struct {
	state          inverter.State
	stateErr       error
	metrics        inverter.Metrics
	metricsErr     error
	totals         inverter.EnergyTotals
	totalsErr      error
	applyErr       error
	applyResult    inverter.ApplyResult
	resetCalls     int
	resetErr       error
	appliedSlots   []battery.Slot
}

func (f *fakeDriver) GetState(ctx context.Context) (inverter.State, error) { return f.state, f.stateErr }
func (f *fakeDriver) GetMetrics(ctx context.Context) (inverter.Metrics, error) {
	return f.metrics, f.metricsErr
}
func (f *fakeDriver) GetEnergyTotals(ctx context.Context) (inverter.EnergyTotals, error) {
	return f.totals, f.totalsErr
}
func (f *fakeDriver) ApplySchedule(ctx context.Context, slots []battery.Slot, now time.Time) (inverter.ApplyResult, error) {
	f.appliedSlots = slots
	if f.applyErr != nil {
		return inverter.ApplyResult{}, f.applyErr
	}
	return f.applyResult, nil
}
func (f *fakeDriver) Charge(ctx context.Context) (inverter.State, error)    { return f.state, nil }
func (f *fakeDriver) Discharge(ctx context.Context) (inverter.State, error) { return f.state, nil }
func (f *fakeDriver) Idle(ctx context.Context) (inverter.State, error)      { return f.state, nil }
func (f *fakeDriver) SetPeakShavingTarget(ctx context.Context, kw float64) error { return nil }
func (f *fakeDriver) ResetToDefault(ctx context.Context) error {
	f.resetCalls++
	return f.resetErr
}

// fakePriceProvider returns a flat price for every slot of "today" and
// reports tomorrow absent, mirroring an ENTSO-E day before publication.
type fakePriceProvider struct {
	loc       *time.Location
	flatPrice float64
	today     time.Time
}

func (f *fakePriceProvider) Fetch(ctx context.Context, date time.Time, region string) (price.Result, error) {
	if date.Format("2006-01-02") != f.today.Format("2006-01-02") {
		return price.Result{Present: false}, nil
	}
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, f.loc)
	slots := make([]price.Slot, 0, 96)
	for i := 0; i < 96; i++ {
		slots = append(slots, price.Slot{
			SlotTS: clock.FormatLocal(dayStart.Add(time.Duration(i) * 15 * time.Minute)),
			Price:  f.flatPrice,
		})
	}
	return price.Result{Present: true, Slots: slots}, nil
}

// fakeIrradianceFetcher returns no hours, so tests exercise the
// solar-absent branch of the battery pipeline without needing a forecast
// model fixture.
type fakeIrradianceFetcher struct{}

func (fakeIrradianceFetcher) Fetch(ctx context.Context, loc config.Location, from time.Time, horizonHours int) ([]irradiance.HourlyIrradiance, error) {
	return nil, nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Location = config.Location{Lat: 52.0, Lon: 5.0, Timezone: "UTC"}
	cfg.Panel = config.Panel{PeakKW: 5, TiltDeg: 30, AzimuthDeg: 180, Efficiency: 1}
	cfg.Battery = config.Battery{CapacityKWh: 10, MaxChargeW: 3000, MaxDischargeW: 3000, Efficiency: 0.9, MinSOC: 10, MaxSOC: 100}
	cfg.Inverter = config.Inverter{Brand: config.InverterBrandReference, Host: "203.0.113.1", Port: 502, ChargeSOC: 90, DischargeSOC: 20}
	cfg.Consumption.FlatWatts = 400
	return cfg
}

func newTestController(t *testing.T, drv inverter.Driver, prices price.Provider) (*Controller, store.Store) {
	t.Helper()
	st := store.NewMemory()
	c, err := New(testConfig(), st, drv, prices, fakeIrradianceFetcher{}, log.New(discardWriter{}, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, st
}

// discardWriter discards every write, keeping test output quiet.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDelayToNextDailyAt(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 14, 0, 0, 0, loc)
	got := delayToNextDailyAt(now, 2, 0, loc)
	want := 12 * time.Hour
	if got != want {
		t.Errorf("delayToNextDailyAt = %v, want %v", got, want)
	}

	now2 := time.Date(2026, 7, 31, 1, 0, 0, 0, loc)
	got2 := delayToNextDailyAt(now2, 2, 0, loc)
	want2 := time.Hour
	if got2 != want2 {
		t.Errorf("delayToNextDailyAt (same day) = %v, want %v", got2, want2)
	}
}

func TestDelayToNextHourlyAt(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 14, 40, 0, 0, loc)
	got := delayToNextHourlyAt(now, 30, loc)
	want := 50 * time.Minute
	if got != want {
		t.Errorf("delayToNextHourlyAt = %v, want %v", got, want)
	}
}

func TestDelayToNext15Min(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 14, 7, 0, 0, loc)
	got := delayToNext15Min(now, loc)
	want := 8 * time.Minute
	if got != want {
		t.Errorf("delayToNext15Min = %v, want %v", got, want)
	}
}

func TestDelayToNextIntervalHours(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 7, 30, 0, 0, loc)
	got := delayToNextIntervalHours(now, 6, loc)
	want := 4*time.Hour + 30*time.Minute
	if got != want {
		t.Errorf("delayToNextIntervalHours = %v, want %v", got, want)
	}
}

func TestRunSnapshot(t *testing.T) {
	drv := &fakeDriver{totals: inverter.EnergyTotals{PVKWh: 12.3, LoadKWh: 8.1, GridInKWh: 1.0, GridOutKWh: 2.5}}
	c, st := newTestController(t, drv, &fakePriceProvider{loc: time.UTC})
	now := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)

	if err := c.runSnapshot(context.Background(), now); err != nil {
		t.Fatalf("runSnapshot: %v", err)
	}

	snap, ok, err := st.GetSnapshotAtOrBefore(context.Background(), clock.SlotKey(now, time.UTC))
	if err != nil || !ok {
		t.Fatalf("GetSnapshotAtOrBefore: ok=%v err=%v", ok, err)
	}
	if snap.PVKWh != 12.3 || snap.LoadKWh != 8.1 {
		t.Errorf("snapshot = %+v, want pv=12.3 load=8.1", snap)
	}
}

func TestRunExecute_AppliesFutureSlotsOnly(t *testing.T) {
	drv := &fakeDriver{applyResult: inverter.ApplyResult{Applied: 1, Target: 20}}
	c, st := newTestController(t, drv, &fakePriceProvider{loc: time.UTC})
	now := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)
	from := clock.SlotKey(now, time.UTC)

	past, err := clock.AddSlots(from, -4, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	future, err := clock.AddSlots(from, 4, time.UTC)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.UpsertScheduleBatch(context.Background(), []store.ScheduleSlot{
		{SlotTS: past, Action: "discharge", TargetPowerW: 500},
		{SlotTS: from, Action: "discharge", TargetPowerW: 500},
		{SlotTS: future, Action: "idle"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.runExecute(context.Background(), now); err != nil {
		t.Fatalf("runExecute: %v", err)
	}

	if len(drv.appliedSlots) != 2 {
		t.Fatalf("ApplySchedule got %d slots, want 2 (excluding the past one)", len(drv.appliedSlots))
	}
	for _, s := range drv.appliedSlots {
		if s.SlotTS < from {
			t.Errorf("ApplySchedule received a past slot %s", s.SlotTS)
		}
	}
}

func TestRunExecute_FailureTriggersOneResetAttempt(t *testing.T) {
	drv := &fakeDriver{applyErr: context.DeadlineExceeded}
	c, _ := newTestController(t, drv, &fakePriceProvider{loc: time.UTC})
	now := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)

	err := c.runExecute(context.Background(), now)
	if err == nil {
		t.Fatal("expected an error from runExecute")
	}
	if drv.resetCalls != 1 {
		t.Errorf("ResetToDefault called %d times, want exactly 1", drv.resetCalls)
	}
}

func TestRunBattery_PersistsScheduleAndSummary(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	drv := &fakeDriver{state: inverter.State{SOCPct: 50}}
	prices := &fakePriceProvider{loc: time.UTC, flatPrice: 0.2, today: now}
	c, st := newTestController(t, drv, prices)

	if err := c.runBattery(context.Background(), now); err != nil {
		t.Fatalf("runBattery: %v", err)
	}

	slots, summary := c.Schedule()
	if len(slots) != 96 {
		t.Fatalf("schedule has %d slots, want 96", len(slots))
	}
	if summary.WithoutBatteryCost <= 0 {
		t.Errorf("expected a positive baseline cost, got %+v", summary)
	}

	// Tomorrow is unpublished, so the plan falls back to the current day
	// window starting at local midnight.
	from := "2026-07-31T00:00"
	to, _ := clock.AddSlots(from, 96, time.UTC)
	persisted, err := st.GetScheduleForRange(context.Background(), from, to)
	if err != nil {
		t.Fatalf("GetScheduleForRange: %v", err)
	}
	if len(persisted) != 96 {
		t.Errorf("persisted schedule has %d rows, want 96", len(persisted))
	}
}

func TestHourBoundary(t *testing.T) {
	loc := time.UTC
	got, err := hourBoundary("2026-07-31T14:37", 2, loc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "2026-07-31T16:00" {
		t.Errorf("hourBoundary = %s, want 2026-07-31T16:00", got)
	}
}

func TestRunFusedCluster_DataCollectionOnlySkipsExecuteAndBattery(t *testing.T) {
	drv := &fakeDriver{totals: inverter.EnergyTotals{PVKWh: 1, LoadKWh: 1}}
	cfg := testConfig()
	cfg.Inverter.DataCollectionOnly = true
	st := store.NewMemory()
	c, err := New(cfg, st, drv, &fakePriceProvider{loc: time.UTC}, fakeIrradianceFetcher{}, log.New(discardWriter{}, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.runFusedCluster()

	if drv.appliedSlots != nil {
		t.Error("ApplySchedule must not be called when DataCollectionOnly is set")
	}
	runs, err := st.GetAllPipelineRuns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sawSnapshot := false
	for _, r := range runs {
		if r.Name == PipelineSnapshot {
			sawSnapshot = true
		}
		if r.Name == PipelineExecute {
			t.Error("execute pipeline must not run under DataCollectionOnly")
		}
	}
	if !sawSnapshot {
		t.Error("snapshot pipeline should still have run under DataCollectionOnly")
	}
}
