package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pvbatteryctl/controller/battery"
	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/consumption"
	"github.com/pvbatteryctl/controller/errkind"
	"github.com/pvbatteryctl/controller/forecast"
)

// runFetch implements the fetch pipeline: pull the next horizon_hours of
// irradiance, run it through the forecast model, and cache the per-hour
// results (including the provider's reported temperature) for the battery
// and consumption pipelines to read.
func (c *Controller) runFetch(ctx context.Context, now time.Time) error {
	loc := c.Loc
	from := clock.HourStart(now, loc)
	horizon := c.Cfg.Forecast.HorizonHours
	if horizon <= 0 {
		horizon = 24
	}

	hours, err := c.Irr.Fetch(ctx, c.Cfg.Location, from, horizon)
	if err != nil {
		return errkind.Wrap(errkind.Transport, fmt.Errorf("fetch: irradiance: %w", err))
	}

	readings := make([]forecast.Reading, len(hours))
	for i, h := range hours {
		p, err := clock.Parse(h.HourTS)
		if err != nil {
			return errkind.Wrap(errkind.Protocol, fmt.Errorf("fetch: parse hour %q: %w", h.HourTS, err))
		}
		readings[i] = forecast.Reading{HourTS: h.HourTS, Irradiance: h.Irradiance, Month: p.Month, Day: p.Day, Hour: p.Hour}
	}

	nowStr := clock.Local(now, loc)
	results, err := c.forecastModel.Run(ctx, readings, nowStr, loc)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("fetch: forecast run: %w", err))
	}

	c.mu.Lock()
	for i, r := range results {
		var tempC *float64
		if i < len(hours) {
			tempC = hours[i].TempC
		}
		c.forecastCache[r.HourTS] = cachedForecastHour{Result: r, TempC: tempC}
	}
	c.mu.Unlock()

	c.Logger.Printf("fetch: forecast updated for %d hours", len(results))
	return nil
}

// runLearn implements the learn pipeline: fold every actual that has
// landed since the last run into the empirical correction matrix.
func (c *Controller) runLearn(ctx context.Context, now time.Time) error {
	n, err := c.learn.Run(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("learn: %w", err))
	}
	c.Logger.Printf("learn: folded %d actuals into the correction matrix", n)
	return nil
}

// runSmooth implements the smooth pipeline: Gaussian-blend the correction
// matrix across neighboring days of year.
func (c *Controller) runSmooth(ctx context.Context, now time.Time) error {
	n, err := c.smooth.Run(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("smooth: %w", err))
	}
	c.Logger.Printf("smooth: updated %d day-of-year buckets", n)
	return nil
}

// tempForHour returns the cached forecast temperature for hourTS, if the
// most recent fetch run captured one.
func (c *Controller) tempForHour(hourTS string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.forecastCache[hourTS]
	if !ok || cached.TempC == nil {
		return 0, false
	}
	return *cached.TempC, true
}

// runConsumption implements the consumption pipeline: derive the last
// completed hour's household load (and PV actual) from the snapshot
// deltas, falling back to the inverter's instantaneous metrics when a
// snapshot is missing or a daily counter reset crossed the window.
func (c *Controller) runConsumption(ctx context.Context, now time.Time) error {
	loc := c.Loc
	hourEnd := clock.HourKey(now, loc)
	hourStart, err := clock.AddSlots(hourEnd, -4, loc)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, fmt.Errorf("consumption: %w", err))
	}

	tempC, _ := c.tempForHour(hourStart)

	snapEnd, okEnd, err := c.Store.GetSnapshotAtOrBefore(ctx, hourEnd)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("consumption: snapshot at %s: %w", hourEnd, err))
	}
	snapStart, okStart, err := c.Store.GetSnapshotAtOrBefore(ctx, hourStart)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("consumption: snapshot at %s: %w", hourStart, err))
	}

	if okEnd && okStart && snapEnd.TS != snapStart.TS {
		loadDeltaKWh := snapEnd.LoadKWh - snapStart.LoadKWh
		pvDeltaKWh := snapEnd.PVKWh - snapStart.PVKWh
		if loadDeltaKWh >= 0 {
			watts := loadDeltaKWh * 1000 // one hour's kWh delta equals average kW, times 1000 for W
			if err := c.Store.UpsertConsumption(ctx, hourStart, watts, tempC, "inverter_delta"); err != nil {
				return errkind.Wrap(errkind.Storage, fmt.Errorf("consumption: upsert: %w", err))
			}
			if pvDeltaKWh >= 0 {
				if err := c.Store.UpdateActual(ctx, hourStart, pvDeltaKWh); err != nil {
					return errkind.Wrap(errkind.Storage, fmt.Errorf("consumption: update actual: %w", err))
				}
			}
			return nil
		}
		// a negative delta means a daily counter reset crossed the window;
		// fall through to the instantaneous fallback below.
	}

	m, err := c.Driver.GetMetrics(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Transport, fmt.Errorf("consumption: instantaneous fallback: %w", err))
	}
	if err := c.Store.UpsertConsumption(ctx, hourStart, m.ConsumptionW, tempC, "inverter_instant"); err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("consumption: upsert fallback: %w", err))
	}
	return nil
}

// runSnapshot implements the snapshot pipeline: record the inverter's
// cumulative daily energy counters at this 15-minute boundary.
func (c *Controller) runSnapshot(ctx context.Context, now time.Time) error {
	totals, err := c.Driver.GetEnergyTotals(ctx)
	if err != nil {
		return errkind.Wrap(errkind.Transport, fmt.Errorf("snapshot: %w", err))
	}
	ts := clock.SlotKey(now, c.Loc)
	if err := c.Store.UpsertEnergySnapshot(ctx, ts, totals.PVKWh, totals.LoadKWh, totals.GridInKWh, totals.GridOutKWh); err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("snapshot: upsert: %w", err))
	}
	return nil
}

// hourBoundary returns the hour-start key that is h hours after fromKey,
// used to align the optimizer's offset-indexed hourly arrays to absolute
// forecast-cache and calendar-hour lookups.
func hourBoundary(fromKey string, h int, loc *time.Location) (string, error) {
	p, err := clock.Parse(fromKey)
	if err != nil {
		return "", err
	}
	t := time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, p.Minute, 0, 0, loc)
	t = t.Add(time.Duration(h) * time.Hour)
	return clock.HourKey(t, loc), nil
}

// buildHourlyInput assembles the battery optimizer's 24-hour solar and
// consumption arrays for the window starting at fromKey: solar from the
// forecast cache, consumption from the estimator fed by yesterday's
// observed load and today's cached forecast temperature.
func (c *Controller) buildHourlyInput(ctx context.Context, fromKey string, loc *time.Location) (battery.HourlyInput, error) {
	var input battery.HourlyInput

	fromParsed, err := clock.Parse(fromKey)
	if err != nil {
		return input, errkind.Wrap(errkind.Protocol, err)
	}
	todayStart := time.Date(fromParsed.Year, time.Month(fromParsed.Month), fromParsed.Day, 0, 0, 0, 0, loc)
	yesterdayStart := todayStart.AddDate(0, 0, -1)

	yesterdaySamples, err := c.Store.GetConsumptionForRange(ctx, clock.HourKey(yesterdayStart, loc), clock.HourKey(todayStart, loc))
	if err != nil {
		return input, errkind.Wrap(errkind.Storage, err)
	}
	var yesterday [24]consumption.YesterdayHour
	for _, s := range yesterdaySamples {
		p, err := clock.Parse(s.HourTS)
		if err != nil {
			continue
		}
		if p.Hour < 0 || p.Hour > 23 {
			continue
		}
		yesterday[p.Hour] = consumption.YesterdayHour{Hour: p.Hour, Watts: s.Watts, TempC: s.TempC, Valid: true}
	}

	calHourOf := [24]int{}
	var todayTemps [24]consumption.TodayTemp

	c.mu.RLock()
	for h := 0; h < 24; h++ {
		hourTS, err := hourBoundary(fromKey, h, loc)
		if err != nil {
			c.mu.RUnlock()
			return input, errkind.Wrap(errkind.Protocol, err)
		}
		cached, ok := c.forecastCache[hourTS]
		if ok {
			input.SolarKW[h] = cached.Result.ProdForecast
			input.SolarValid[h] = true
		}
		p, err := clock.Parse(hourTS)
		if err != nil {
			c.mu.RUnlock()
			return input, errkind.Wrap(errkind.Protocol, err)
		}
		calHourOf[h] = p.Hour
		if p.Hour >= 0 && p.Hour <= 23 {
			if todayCached, ok := c.forecastCache[clock.HourKey(time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, 0, 0, 0, loc), loc)]; ok && todayCached.TempC != nil {
				todayTemps[p.Hour] = consumption.TodayTemp{Hour: p.Hour, TempC: *todayCached.TempC, Valid: true}
			}
		}
	}
	c.mu.RUnlock()

	var regressions [24]*consumption.Regression
	estimates, err := c.consume.Estimate(ctx, yesterday, todayTemps, regressions)
	if err != nil {
		return input, errkind.Wrap(errkind.Protocol, err)
	}

	for h := 0; h < 24; h++ {
		calHour := calHourOf[h]
		if calHour < 0 || calHour > 23 {
			continue
		}
		input.ConsumptionW[h] = estimates[calHour].Watts
		input.ConsumptionValid[h] = true
	}
	return input, nil
}

// runBattery implements the battery pipeline: fetch today's and
// tomorrow's prices, pull the 24-hour window starting at the current
// slot, estimate solar and consumption, read the live SOC if possible,
// and replan. This one function backs both the day-ahead/hourly cron
// schedule and the 15-minute fused cluster's replan step; a replan is
// just a planning run triggered more often, not a separate code path.
func (c *Controller) runBattery(ctx context.Context, now time.Time) error {
	loc := c.Loc
	today := now.In(loc)
	for _, d := range []time.Time{today, today.AddDate(0, 0, 1)} {
		res, err := c.Prices.Fetch(ctx, d, c.Cfg.Price.Region)
		if err != nil {
			if d.Format("2006-01-02") == today.Format("2006-01-02") {
				return errkind.Wrap(errkind.Transport, fmt.Errorf("battery: fetch prices for %s: %w", d.Format("2006-01-02"), err))
			}
			c.Logger.Printf("battery: price fetch for %s failed, continuing without it: %v", d.Format("2006-01-02"), err)
			continue
		}
		if !res.Present {
			continue
		}
		for _, s := range res.Slots {
			if err := c.Store.UpsertPrice(ctx, s.SlotTS, s.Price, c.Cfg.Price.Region); err != nil {
				return errkind.Wrap(errkind.Storage, fmt.Errorf("battery: upsert price: %w", err))
			}
		}
	}

	from := clock.SlotKey(now, loc)
	to, err := clock.AddSlots(from, 96, loc)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, fmt.Errorf("battery: %w", err))
	}

	prices, err := c.Store.GetPricesForRange(ctx, from, to)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("battery: prices for range: %w", err))
	}
	if len(prices) != 96 {
		// Until tomorrow's auction publishes, a rolling window crossing
		// midnight has a price gap; plan the current day window instead.
		from = clock.FormatLocal(time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc))
		to, err = clock.AddSlots(from, 96, loc)
		if err != nil {
			return errkind.Wrap(errkind.Protocol, fmt.Errorf("battery: %w", err))
		}
		prices, err = c.Store.GetPricesForRange(ctx, from, to)
		if err != nil {
			return errkind.Wrap(errkind.Storage, fmt.Errorf("battery: prices for range: %w", err))
		}
		if len(prices) != 96 {
			return errkind.Wrap(errkind.DataMissing, fmt.Errorf("battery: expected 96 price slots in [%s,%s), got %d", from, to, len(prices)))
		}
	}

	input, err := c.buildHourlyInput(ctx, from, loc)
	if err != nil {
		return err
	}

	var startSOC *float64
	if st, err := c.Driver.GetState(ctx); err != nil {
		c.Logger.Printf("battery: could not read live SOC, optimizing from the configured minimum: %v", err)
	} else {
		kwh := st.SOCPct / 100 * c.Cfg.Battery.CapacityKWh
		startSOC = &kwh
	}

	summary, slots, err := c.optimize.Optimize(ctx, from, to, prices, input, startSOC)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("battery: optimize: %w", err))
	}

	c.mu.Lock()
	c.lastSchedule = slots
	c.lastSummary = summary
	c.mu.Unlock()

	c.Logger.Printf("battery: replanned %d slots, projected savings %.2f", len(slots), summary.Savings)
	return nil
}

// runExecute implements the execute pipeline: apply the current slot of
// the most recently persisted schedule to the inverter. On failure it
// attempts exactly one ResetToDefault, never retried, so a stuck
// connection cannot leave the battery locked into a bad reserved-SOC
// floor.
func (c *Controller) runExecute(ctx context.Context, now time.Time) error {
	loc := c.Loc
	from := clock.SlotKey(now, loc)
	to, err := clock.AddSlots(from, 96, loc)
	if err != nil {
		return errkind.Wrap(errkind.Protocol, fmt.Errorf("execute: %w", err))
	}

	slots, err := c.Store.GetScheduleForRange(ctx, from, to)
	if err != nil {
		return errkind.Wrap(errkind.Storage, fmt.Errorf("execute: schedule for range: %w", err))
	}

	future := make([]battery.Slot, 0, len(slots))
	for _, s := range slots {
		if s.SlotTS < from {
			continue
		}
		future = append(future, battery.Slot{
			SlotTS:       s.SlotTS,
			Action:       battery.Action(s.Action),
			TargetPowerW: s.TargetPowerW,
			SOCStartPct:  s.SOCStart,
			SOCEndPct:    s.SOCEnd,
		})
	}

	res, err := c.Driver.ApplySchedule(ctx, future, now.In(loc))
	if err != nil {
		if rerr := c.Driver.ResetToDefault(ctx); rerr != nil {
			c.Logger.Printf("execute: reset to default after a failed apply also failed: %v", rerr)
		}
		return errkind.Wrap(errkind.Transport, fmt.Errorf("execute: apply schedule: %w", err))
	}
	c.Logger.Printf("execute: applied=%d skipped=%d target=%.1f", res.Applied, res.Skipped, res.Target)
	return nil
}
