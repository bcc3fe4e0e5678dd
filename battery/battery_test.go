package battery

import (
	"context"
	"testing"
	"time"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/store"
)

// build96Prices returns 96 ascending 15-minute price slots starting at
// 2024-06-15T00:00 UTC, all priced at flat, in the store.PriceSlot form
// Optimize requires.
func build96Prices(t *testing.T, flat float64) []store.PriceSlot {
	t.Helper()
	slots := make([]store.PriceSlot, 96)
	ts := "2024-06-15T00:00"
	for i := 0; i < 96; i++ {
		slots[i] = store.PriceSlot{SlotTS: ts, Price: flat}
		var err error
		ts, err = clock.AddSlots(ts, 1, time.UTC)
		if err != nil {
			t.Fatalf("AddSlots: %v", err)
		}
	}
	return slots
}

func flatBattery() config.Battery {
	return config.Battery{CapacityKWh: 10, MaxChargeW: 5000, MaxDischargeW: 5000, Efficiency: 1.0, MinSOC: 0, MaxSOC: 100}
}

// TestArbitragePair: one cheap slot and one expensive slot, round-trip
// efficiency 1.0, transfer fees 0. The greedy pairer must
// charge_grid the cheap slot and discharge the expensive one for an equal
// 500 Wh / 2000 W swing, and report positive savings.
func TestArbitragePair(t *testing.T) {
	o := &Optimizer{Battery: flatBattery(), Grid: config.Grid{}}

	slots := make([]Slot, 96)
	for i := range slots {
		slots[i] = Slot{Buy: 0.50, Net: 0, AvoidableWh: 0}
	}
	cheap, expensive := 8, 72 // 02:00 and 18:00 in 15-minute slots
	slots[cheap] = Slot{Buy: 0.10, Net: -1000, ConsumptionW: 1000, AvoidableWh: minF(1000, 5000) * slotHours}
	slots[expensive] = Slot{Buy: 1.00, Net: -2000, ConsumptionW: 2000, AvoidableWh: minF(2000, 5000) * slotHours}

	minSpread := o.minSpread(slots)
	o.pairGreedy(slots, minSpread)
	o.assignRemaining(slots)
	o.forwardSOCPass(slots, nil)
	summary := o.savingsSummary(slots)

	if slots[cheap].Action != ActionChargeGrid {
		t.Fatalf("cheap slot action = %v, want charge_grid", slots[cheap].Action)
	}
	if slots[cheap].TargetPowerW != 2000 {
		t.Errorf("cheap slot watts = %v, want 2000", slots[cheap].TargetPowerW)
	}
	if slots[expensive].Action != ActionDischarge {
		t.Fatalf("expensive slot action = %v, want discharge", slots[expensive].Action)
	}
	if slots[expensive].TargetPowerW != 2000 {
		t.Errorf("expensive slot watts = %v, want 2000", slots[expensive].TargetPowerW)
	}
	if summary.Savings <= 0 {
		t.Errorf("expected positive savings, got %v", summary.Savings)
	}
}

// TestSolarCoversConsumption: a slot with solar surplus over
// consumption must charge_solar, never discharge, because
// there is nothing to avoid importing.
func TestSolarCoversConsumption(t *testing.T) {
	o := &Optimizer{Battery: flatBattery(), Grid: config.Grid{}}

	slots := make([]Slot, 96)
	for i := range slots {
		slots[i] = Slot{Buy: 0.10, Net: 0, Action: ActionIdle}
	}
	noon := 48
	slots[noon] = Slot{Buy: 1.00, Net: 3000 - 500, SolarW: 3000, ConsumptionW: 500, AvoidableWh: 0, Action: ActionIdle}

	minSpread := o.minSpread(slots)
	o.pairGreedy(slots, minSpread)
	o.assignRemaining(slots)

	if slots[noon].Action != ActionChargeSolar {
		t.Fatalf("noon slot action = %v, want charge_solar", slots[noon].Action)
	}
	if slots[noon].TargetPowerW != 2500 {
		t.Errorf("noon slot watts = %v, want 2500", slots[noon].TargetPowerW)
	}
}

// TestFlatPricesBelowEfficiencyFloor: every price slot flat and
// efficiency < 1 means no spread ever clears the
// break-even, so no grid charge/discharge pair is ever formed.
func TestFlatPricesBelowEfficiencyFloor(t *testing.T) {
	battery := flatBattery()
	battery.Efficiency = 0.9
	o := NewOptimizer(nil, battery, config.Grid{}, 500)

	prices := build96Prices(t, 0.50)
	var input HourlyInput
	for h := 0; h < 24; h++ {
		input.ConsumptionValid[h] = true
		input.ConsumptionW[h] = 500
		if h >= 10 && h <= 14 {
			input.SolarValid[h] = true
			input.SolarKW[h] = 2.0 // 2000W, above consumption
		}
	}

	_, slots, err := o.Optimize(context.Background(), prices[0].SlotTS, prices[0].SlotTS, prices, input, nil)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	var chargeGridWatts float64
	for _, s := range slots {
		switch s.Action {
		case ActionChargeGrid:
			chargeGridWatts += s.TargetPowerW
		case ActionDischarge, ActionSell:
			t.Errorf("slot %s: unexpected action %v with flat prices below the efficiency floor", s.SlotTS, s.Action)
		case ActionChargeSolar:
			if s.Net <= 0 {
				t.Errorf("slot %s: charge_solar with non-positive net %v", s.SlotTS, s.Net)
			}
		}
	}
	if chargeGridWatts != 0 {
		t.Errorf("total charge_grid watts = %v, want 0", chargeGridWatts)
	}
}

// TestLiveSOCSeeding: a discharge slot starting from a live-seeded SOC
// must land exactly on (8000 - 750) / 10000 = 72.5%.
func TestLiveSOCSeeding(t *testing.T) {
	battery := flatBattery()
	battery.MinSOC = 10
	o := &Optimizer{Battery: battery}

	slots := make([]Slot, 1)
	slots[0] = Slot{Action: ActionDischarge, TargetPowerW: 3000}

	startSOC := 8.0 // kWh
	o.forwardSOCPass(slots, &startSOC)

	if slots[0].SOCStartPct != 80 {
		t.Errorf("soc_start = %v, want 80", slots[0].SOCStartPct)
	}
	if slots[0].SOCEndPct != 72.5 {
		t.Errorf("soc_end = %v, want 72.5", slots[0].SOCEndPct)
	}
}

// TestOptimizeIdempotent: running the optimizer twice with identical
// inputs produces an identical schedule.
func TestOptimizeIdempotent(t *testing.T) {
	o := NewOptimizer(nil, flatBattery(), config.Grid{}, 500)
	prices := build96Prices(t, 0.30)
	prices[20].Price = 0.05
	prices[60].Price = 0.90

	var input HourlyInput
	for h := 0; h < 24; h++ {
		input.ConsumptionValid[h] = true
		input.ConsumptionW[h] = 500
	}

	_, first, err := o.Optimize(context.Background(), prices[0].SlotTS, prices[0].SlotTS, prices, input, nil)
	if err != nil {
		t.Fatalf("Optimize (first run): %v", err)
	}
	_, second, err := o.Optimize(context.Background(), prices[0].SlotTS, prices[0].SlotTS, prices, input, nil)
	if err != nil {
		t.Fatalf("Optimize (second run): %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("slot count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("slot %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
