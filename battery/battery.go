// Package battery implements the greedy solar-aware charge/discharge
// optimizer: interpolate hourly inputs to 15-minute slots, pair profitable
// discharge/charge slots subject to round-trip efficiency, run a forward
// state-of-charge pass, and summarize savings against a no-battery
// baseline. The pairing is intentionally greedy; there is no
// dynamic-programming search over the horizon.
package battery

import (
	"context"
	"fmt"
	"sort"

	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/store"
)

// Action is the tagged action a slot is assigned. Consumers switch on it
// with one case per value; the Go compiler does not check those switches
// for exhaustiveness, so a new action value must be added to each by hand.
type Action string

const (
	ActionChargeGrid  Action = "charge_grid"
	ActionChargeSolar Action = "charge_solar"
	ActionDischarge   Action = "discharge"
	ActionSell        Action = "sell"
	ActionIdle        Action = "idle"
)

const slotHours = 0.25

// HourlyInput carries the 24 hourly solar and consumption values the
// optimizer interpolates into 96 15-minute slots. A false Valid entry
// falls back to 0 solar / FlatWattsW consumption for that hour.
type HourlyInput struct {
	SolarKW          [24]float64
	SolarValid       [24]bool
	ConsumptionW     [24]float64
	ConsumptionValid [24]bool
}

// Slot is one planned 15-minute interval, as returned by Optimize before
// being persisted as a store.ScheduleSlot.
type Slot struct {
	SlotTS       string
	SolarW       float64
	ConsumptionW float64
	Net          float64
	Buy          float64
	SellP        float64
	AvoidableWh  float64
	Action       Action
	TargetPowerW float64
	SOCStartPct  float64
	SOCEndPct    float64
}

// Summary is the cost/savings accounting from step 7.
type Summary struct {
	WithoutBatteryCost float64
	WithBatteryCost    float64
	Savings            float64
}

// Optimizer holds the battery and grid economics the optimization runs
// against.
type Optimizer struct {
	Battery    config.Battery
	Grid       config.Grid
	FlatWattsW float64
	Store      store.Store
}

// NewOptimizer builds an Optimizer. flatWattsW is the consumption fallback
// used for any hour HourlyInput marks invalid.
func NewOptimizer(s store.Store, battery config.Battery, grid config.Grid, flatWattsW float64) *Optimizer {
	return &Optimizer{Store: s, Battery: battery, Grid: grid, FlatWattsW: flatWattsW}
}

// Optimize runs all 8 steps over a 24-hour window [from, to) and persists
// the resulting schedule. prices must hold exactly 96 slots in ascending
// SlotTS order, as store.GetPricesForRange returns them.
func (o *Optimizer) Optimize(ctx context.Context, from, to string, prices []store.PriceSlot, input HourlyInput, startSOCKWh *float64) (Summary, []Slot, error) {
	if len(prices) != 96 {
		return Summary{}, nil, fmt.Errorf("battery: expected 96 price slots, got %d", len(prices))
	}

	slots := o.buildSlots(prices, input)
	minSpread := o.minSpread(slots)
	o.pairGreedy(slots, minSpread)
	o.assignRemaining(slots)
	o.forwardSOCPass(slots, startSOCKWh)
	summary := o.savingsSummary(slots)

	if o.Store != nil {
		if err := o.Store.DeleteScheduleForRange(ctx, from, to); err != nil {
			return Summary{}, nil, fmt.Errorf("battery: delete existing schedule: %w", err)
		}
		rows := make([]store.ScheduleSlot, len(slots))
		for i, s := range slots {
			rows[i] = store.ScheduleSlot{
				SlotTS:       s.SlotTS,
				Action:       string(s.Action),
				TargetPowerW: s.TargetPowerW,
				SOCStart:     s.SOCStartPct,
				SOCEnd:       s.SOCEndPct,
			}
		}
		if err := o.Store.UpsertScheduleBatch(ctx, rows); err != nil {
			return Summary{}, nil, fmt.Errorf("battery: persist schedule: %w", err)
		}
	}

	return summary, slots, nil
}

// buildSlots implements steps 1 and 2: interpolate hourly inputs into 96
// slots and compute net, buy, sell price, and avoidable Wh for each.
func (o *Optimizer) buildSlots(prices []store.PriceSlot, input HourlyInput) []Slot {
	slots := make([]Slot, 96)
	for i := range slots {
		h := i / 4
		solarW := 0.0
		if input.SolarValid[h] {
			solarW = input.SolarKW[h] * 1000
		}
		consW := o.FlatWattsW
		if input.ConsumptionValid[h] {
			consW = input.ConsumptionW[h]
		}
		net := solarW - consW
		buy := prices[i].Price + o.Grid.TransferImportKWh + o.Grid.EnergyTaxKWh
		sellP := 0.0
		if o.Grid.SellEnabled {
			sellP = prices[i].Price*o.Grid.SellPriceFactor - o.Grid.TransferExportKWh
		}
		avoidableWh := minF(maxF(0, -net), o.Battery.MaxDischargeW) * slotHours

		slots[i] = Slot{
			SlotTS:       prices[i].SlotTS,
			SolarW:       solarW,
			ConsumptionW: consW,
			Net:          net,
			Buy:          buy,
			SellP:        sellP,
			AvoidableWh:  avoidableWh,
			Action:       ActionIdle,
		}
	}
	return slots
}

// minSpread implements step 3: the efficiency-loss break-even spread.
func (o *Optimizer) minSpread(slots []Slot) float64 {
	sum := 0.0
	for _, s := range slots {
		sum += s.Buy
	}
	avgBuy := sum / float64(len(slots))
	efficiency := o.Battery.Efficiency
	if efficiency <= 0 {
		efficiency = 1
	}
	return avgBuy * (1/efficiency - 1)
}

type candidate struct {
	index int
	buy   float64
}

// pairGreedy implements step 4: greedy pairing of discharge and charge
// slots by descending/ascending buy price, walking both lists with a
// pointer each and stopping once the spread no longer clears the
// efficiency floor or capacity runs out.
func (o *Optimizer) pairGreedy(slots []Slot, minSpread float64) {
	var dischargeCandidates, chargeCandidates []candidate
	for i, s := range slots {
		if s.AvoidableWh > 0 {
			dischargeCandidates = append(dischargeCandidates, candidate{i, s.Buy})
		}
		if s.Net <= 0 {
			chargeCandidates = append(chargeCandidates, candidate{i, s.Buy})
		}
	}
	sort.Slice(dischargeCandidates, func(a, b int) bool { return dischargeCandidates[a].buy > dischargeCandidates[b].buy })
	sort.Slice(chargeCandidates, func(a, b int) bool { return chargeCandidates[a].buy < chargeCandidates[b].buy })

	usableWh := (o.Battery.MaxSOC - o.Battery.MinSOC) / 100 * o.Battery.CapacityKWh * 1000
	remainingCapacityWh := usableWh
	efficiency := o.Battery.Efficiency
	if efficiency <= 0 {
		efficiency = 1
	}

	di, ci := 0, 0
	for di < len(dischargeCandidates) && ci < len(chargeCandidates) && remainingCapacityWh > 0 {
		d := dischargeCandidates[di]
		c := chargeCandidates[ci]
		if d.index == c.index {
			di++
			continue
		}
		spread := d.buy - c.buy
		if spread <= minSpread {
			break
		}

		dischargeWh := minF(slots[d.index].AvoidableWh, o.Battery.MaxDischargeW*slotHours, remainingCapacityWh)
		chargeWh := minF(dischargeWh/efficiency, o.Battery.MaxChargeW*slotHours)
		if chargeWh <= 0 {
			di++
			ci++
			continue
		}

		slots[d.index].Action = ActionDischarge
		slots[d.index].TargetPowerW = dischargeWh / slotHours
		slots[c.index].Action = ActionChargeGrid
		slots[c.index].TargetPowerW = chargeWh / slotHours

		remainingCapacityWh -= chargeWh
		di++
		ci++
	}
}

// assignRemaining implements step 5: slots left idle with positive net
// become charge_solar at the available surplus, capped at max charge
// power.
func (o *Optimizer) assignRemaining(slots []Slot) {
	for i := range slots {
		if slots[i].Action != ActionIdle {
			continue
		}
		if slots[i].Net > 0 {
			slots[i].Action = ActionChargeSolar
			slots[i].TargetPowerW = minF(slots[i].Net, o.Battery.MaxChargeW)
		}
	}
}

// forwardSOCPass implements step 6: walk the slots in chronological order,
// applying efficiency and capacity limits to each planned action and
// downgrading to idle (or sell, for a full battery with solar surplus)
// when there is no room or charge left.
func (o *Optimizer) forwardSOCPass(slots []Slot, startSOCKWh *float64) {
	capacityWh := o.Battery.CapacityKWh * 1000
	minSOCWh := o.Battery.MinSOC / 100 * capacityWh
	maxSOCWh := o.Battery.MaxSOC / 100 * capacityWh
	efficiency := o.Battery.Efficiency
	if efficiency <= 0 {
		efficiency = 1
	}

	soc := minSOCWh
	if startSOCKWh != nil {
		soc = clampF(*startSOCKWh*1000, minSOCWh, maxSOCWh)
	}

	for i := range slots {
		slots[i].SOCStartPct = round1(soc / capacityWh * 100)

		switch slots[i].Action {
		case ActionChargeGrid:
			stored := minF(slots[i].TargetPowerW*slotHours*efficiency, maxSOCWh-soc)
			if stored <= 0 {
				slots[i].Action = ActionIdle
				slots[i].TargetPowerW = 0
			} else {
				soc += stored
				slots[i].TargetPowerW = stored / (slotHours * efficiency)
			}
		case ActionChargeSolar:
			stored := minF(slots[i].TargetPowerW*slotHours, maxSOCWh-soc)
			if stored <= 0 {
				if o.Grid.SellEnabled && slots[i].SellP > 0 {
					slots[i].Action = ActionSell
					// TargetPowerW keeps the net surplus as capped at
					// MaxChargeW by assignRemaining.
				} else {
					slots[i].Action = ActionIdle
					slots[i].TargetPowerW = 0
				}
			} else {
				soc += stored
				slots[i].TargetPowerW = stored / slotHours
			}
		case ActionDischarge, ActionSell:
			drawn := minF(slots[i].TargetPowerW*slotHours, soc-minSOCWh)
			if drawn <= 0 {
				slots[i].Action = ActionIdle
				slots[i].TargetPowerW = 0
			} else {
				soc -= drawn
				slots[i].TargetPowerW = drawn / slotHours
			}
		case ActionIdle:
			// no soc change
		}

		slots[i].SOCEndPct = round1(soc / capacityWh * 100)
	}
}

// savingsSummary implements step 7, using post-forward-pass watts for any
// slot the forward pass downgraded.
func (o *Optimizer) savingsSummary(slots []Slot) Summary {
	var without, with float64
	for _, s := range slots {
		base := maxF(0, (s.ConsumptionW-s.SolarW)*slotHours/1000) * s.Buy
		without += base
		with += base

		switch s.Action {
		case ActionDischarge:
			with -= s.TargetPowerW * slotHours / 1000 * s.Buy
		case ActionChargeGrid:
			with += s.TargetPowerW * slotHours / 1000 * s.Buy
		case ActionSell:
			with -= s.TargetPowerW * slotHours / 1000 * s.SellP
		}
	}
	return Summary{WithoutBatteryCost: without, WithBatteryCost: with, Savings: without - with}
}

func minF(a, b float64, rest ...float64) float64 {
	m := a
	if b < m {
		m = b
	}
	for _, v := range rest {
		if v < m {
			m = v
		}
	}
	return m
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
