// Package orchestrator wires the learning forecast core, the greedy
// battery optimizer, and the inverter driver into seven periodic
// pipelines. The snapshot/execute/battery-replan trio is fused into one
// sequentially executed handler per 15-minute tick (rather than three
// independent goroutines) so the replan always sees the post-command SOC,
// and every runFunc is wrapped with panic recovery plus a pipeline-run
// ledger write.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pvbatteryctl/controller/battery"
	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/consumption"
	"github.com/pvbatteryctl/controller/forecast"
	"github.com/pvbatteryctl/controller/inverter"
	"github.com/pvbatteryctl/controller/irradiance"
	"github.com/pvbatteryctl/controller/learner"
	"github.com/pvbatteryctl/controller/price"
	"github.com/pvbatteryctl/controller/smoother"
	"github.com/pvbatteryctl/controller/store"
)

// Pipeline names, used both as PeriodicTask labels and as the ledger key
// recorded via store.Store.RecordPipelineRun.
const (
	PipelineFetch       = "fetch"
	PipelineLearn       = "learn"
	PipelineSmooth      = "smooth"
	PipelineBattery     = "battery"
	PipelineConsumption = "consumption"
	PipelineSnapshot    = "snapshot"
	PipelineExecute     = "execute"
)

// cachedForecastHour is the per-hour forecast cache the battery pipeline
// reads from instead of round-tripping through the store: store.Store has
// no "get forecast for range" operation, and the forecast a given fetch
// run produced is only ever consumed by this same process.
type cachedForecastHour struct {
	forecast.Result
	TempC *float64
}

// Controller owns every component pipeline and the mutex-guarded mutable
// state shared between them: the last computed schedule, the last savings
// summary, and the forecast cache the battery pipeline reads.
type Controller struct {
	Cfg    config.Config
	Loc    *time.Location
	Store  store.Store
	Driver inverter.Driver
	Prices price.Provider
	Irr    irradiance.Fetcher
	Logger *log.Logger

	forecastModel *forecast.Model
	learn         *learner.Learner
	smooth        *smoother.Smoother
	consume       *consumption.Estimator
	optimize      *battery.Optimizer

	mu            sync.RWMutex
	forecastCache map[string]cachedForecastHour
	lastSchedule  []battery.Slot
	lastSummary   battery.Summary
	startedAt     time.Time

	stopChan chan struct{}
}

// New builds a Controller from the validated configuration and its
// collaborators. The caller constructs the concrete Store, Driver, Prices
// provider and irradiance Fetcher (production: Postgres, ModbusDriver,
// HourlyProvider, MetNoFetcher; tests: Memory and fakes).
func New(cfg config.Config, st store.Store, drv inverter.Driver, prices price.Provider, irr irradiance.Fetcher, logger *log.Logger) (*Controller, error) {
	loc, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: timezone %q: %w", cfg.Location.Timezone, err)
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &Controller{
		Cfg:           cfg,
		Loc:           loc,
		Store:         st,
		Driver:        drv,
		Prices:        prices,
		Irr:           irr,
		Logger:        logger,
		forecastModel: forecast.NewModel(st, cfg.Panel, cfg.Learning),
		learn:         learner.New(st),
		smooth:        smoother.New(st),
		consume:       consumption.New(cfg.Consumption),
		optimize:      battery.NewOptimizer(st, cfg.Battery, cfg.Grid, cfg.Consumption.FlatWatts),
		forecastCache: make(map[string]cachedForecastHour),
		stopChan:      make(chan struct{}),
		startedAt:     time.Now(),
	}
	return c, nil
}

// Schedule returns the most recently computed schedule slots and savings
// summary, for the dashboard surface.
func (c *Controller) Schedule() ([]battery.Slot, battery.Summary) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]battery.Slot(nil), c.lastSchedule...), c.lastSummary
}

// task is one periodically scheduled pipeline: an initial delay to the
// first aligned run, then a fixed-interval ticker.
type task struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func()
}

func (t *task) run(ctx context.Context, stop <-chan struct{}, logger *log.Logger) {
	if t.initialDelay > 0 {
		select {
		case <-time.After(t.initialDelay):
			t.runFunc()
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	} else {
		t.runFunc()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.runFunc()
		case <-ctx.Done():
			return
		case <-stop:
			logger.Printf("[%s] stopped", t.name)
			return
		}
	}
}

// wrapped adapts a fallible pipeline function into a PeriodicTask runFunc:
// it recovers a panic, logs the outcome, and always records the pipeline
// run ledger, never letting a pipeline failure escape to the process.
func (c *Controller) wrapped(name string, fn func(ctx context.Context, now time.Time) error) func() {
	return func() {
		now := time.Now()
		ctx := context.Background()
		status := store.PipelineOK
		err := c.safeRun(ctx, now, fn)
		if err != nil {
			status = store.PipelineError
			c.Logger.Printf("[%s] error: %v", name, err)
		}
		at := clock.Local(now, c.Loc)
		if rerr := c.Store.RecordPipelineRun(ctx, name, status, at); rerr != nil {
			c.Logger.Printf("[%s] failed to record pipeline run: %v", name, rerr)
		}
	}
}

// safeRun recovers a panic from fn and turns it into an error, so one
// pipeline's bug can never abort the process.
func (c *Controller) safeRun(ctx context.Context, now time.Time, fn func(context.Context, time.Time) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, now)
}

// Start runs the startup sequence (non-inverter-writing pipelines once,
// immediately, in table order, then execute+replan unless
// DataCollectionOnly) and launches the periodic tasks. It blocks until ctx
// is canceled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.Logger.Printf("orchestrator: running startup sequence")
	c.runStartupSequence()

	tasks := c.buildTasks()
	var wg sync.WaitGroup
	for i := range tasks {
		t := &tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.run(ctx, c.stopChan, c.Logger)
		}()
	}
	wg.Wait()
}

// Stop signals every running PeriodicTask to exit.
func (c *Controller) Stop() {
	close(c.stopChan)
}

func (c *Controller) runStartupSequence() {
	for _, p := range []struct {
		name string
		fn   func(context.Context, time.Time) error
	}{
		{PipelineFetch, c.runFetch},
		{PipelineLearn, c.runLearn},
		{PipelineSmooth, c.runSmooth},
		{PipelineBattery, c.runBattery},
		{PipelineConsumption, c.runConsumption},
		{PipelineSnapshot, c.runSnapshot},
	} {
		c.wrapped(p.name, p.fn)()
	}
	if !c.Cfg.Inverter.DataCollectionOnly {
		c.wrapped(PipelineExecute, c.runExecute)()
		c.wrapped(PipelineBattery, c.runBattery)()
	}
}

// buildTasks assembles the periodic task list, fusing
// snapshot/execute/battery-replan into one 15-minute handler.
func (c *Controller) buildTasks() []task {
	loc := c.Loc
	now := time.Now()

	fetchEvery := c.Cfg.Forecast.FetchIntervalHour
	if fetchEvery <= 0 {
		fetchEvery = 6
	}

	tasks := []task{
		{
			name:         PipelineFetch,
			initialDelay: delayToNextIntervalHours(now, fetchEvery, loc),
			interval:     time.Duration(fetchEvery) * time.Hour,
			runFunc:      c.wrapped(PipelineFetch, c.runFetch),
		},
		{
			name:         PipelineLearn,
			initialDelay: delayToNextHourlyAt(now, 0, loc),
			interval:     time.Hour,
			runFunc:      c.wrapped(PipelineLearn, c.runLearn),
		},
		{
			name:         PipelineSmooth,
			initialDelay: delayToNextDailyAt(now, 2, 0, loc),
			interval:     24 * time.Hour,
			runFunc:      c.wrapped(PipelineSmooth, c.runSmooth),
		},
		{
			name:         PipelineBattery + ":day-ahead",
			initialDelay: delayToNextDailyAt(now, c.Cfg.Price.DayAheadHour, 15, loc),
			interval:     24 * time.Hour,
			runFunc:      c.wrapped(PipelineBattery, c.runBattery),
		},
		{
			name:         PipelineBattery + ":hourly",
			initialDelay: delayToNextHourlyAt(now, 30, loc),
			interval:     time.Hour,
			runFunc:      c.wrapped(PipelineBattery, c.runBattery),
		},
		{
			name:         PipelineConsumption,
			initialDelay: delayToNextHourlyAt(now, 5, loc),
			interval:     time.Hour,
			runFunc:      c.wrapped(PipelineConsumption, c.runConsumption),
		},
		{
			name:         "cluster:15min",
			initialDelay: delayToNext15Min(now, loc),
			interval:     15 * time.Minute,
			runFunc:      c.runFusedCluster,
		},
	}
	return tasks
}

// runFusedCluster is the single 15-minute handler that runs
// snapshot -> execute -> battery(replan) sequentially, so the replan sees
// the post-command SOC. When DataCollectionOnly is set, only snapshot
// runs.
func (c *Controller) runFusedCluster() {
	c.wrapped(PipelineSnapshot, c.runSnapshot)()
	if c.Cfg.Inverter.DataCollectionOnly {
		return
	}
	c.wrapped(PipelineExecute, c.runExecute)()
	c.wrapped(PipelineBattery, c.runBattery)()
}
