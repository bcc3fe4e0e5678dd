// Package inverter talks Modbus TCP to the battery-capable inverter and
// exposes the small Driver contract every pipeline (execute, consumption,
// snapshot) needs: read SOC/telemetry/daily-energy totals, and apply a
// single reserved-SOC-floor action per schedule slot.
//
// The reference implementation steers the inverter through one holding
// register: writing a high reserved-SOC floor prevents discharge (so the
// battery is effectively forced to charge whenever solar or grid supply
// exceeds load); writing a low floor allows discharge; writing the
// inverter's own current SOC holds it where it is. The TCP connection is
// a lazy singleton with a strict lifecycle: dropped on any error, and a
// minimum gap enforced between operations.
package inverter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/pvbatteryctl/controller/battery"
	"github.com/pvbatteryctl/controller/config"
)

// Register addresses for the reference inverter. All 32-bit fields are
// big-endian (high register first); BMS current is signed.
const (
	regReservedSOCFloor   = 3310 // holding, %
	regGridImportCapW     = 800  // holding, 0.1 kW
	regChargeStopSOC      = 3048 // holding, %
	regDischargeStopSOC   = 3067 // holding, %
	regStatus             = 0    // input, u16
	regPVPowerHi          = 1    // input, u32 pair (1,2), 0.1 W
	regBMSVoltage         = 3169 // input, u16, raw
	regBMSCurrent         = 3170 // input, i16, 0.1 A
	regBMSSOC             = 3171 // input, u16, %
	regGridImportInstHi   = 3021 // input, u32 pair (3021,3022), 0.1 W
	regDailyEnergyBlock   = 3045 // input, block start, 40 registers
	dailyEnergyBlockCount = 40
)

// Offsets within the 40-register daily-energy block.
const (
	offLoadW        = 0
	offACGenKWh10   = 4
	offGridInKWh10  = 22
	offGridOutKWh10 = 26
	offLoadKWh10    = 30
	offPVKWh10      = 38
)

// Mode is the decoded inverter status register.
type Mode int

const (
	ModeWaiting Mode = 0
	ModeNormal  Mode = 1
	ModeFault   Mode = 3
	ModeFlash   Mode = 4
)

// floorClampLow is the hardware-mandated lower bound on the reserved-SOC
// floor register; no intent is ever allowed to write below it.
const floorClampLow = 13
const floorClampHigh = 100

// State is a point-in-time read of battery SOC, instantaneous power, and
// operating mode.
type State struct {
	SOCPct float64
	PowerW float64 // positive = discharging; see RawVoltage caveat below
	Mode   Mode

	// RawVoltage is the undivided BMS voltage register. The derived PowerW
	// above is -voltage*current/10, but the voltage register's scaling has
	// not been pinned down from live hardware, so RawVoltage is exposed
	// for diagnostics and PowerW must not feed any downstream energy
	// accounting until that's resolved.
	RawVoltage uint16
}

// Metrics is the fuller telemetry snapshot used by the consumption and
// snapshot pipelines.
type Metrics struct {
	SOCPct          float64
	BatteryW        float64 // + discharging, - charging (derived from load, PV and grid import)
	GridImportW     float64
	GridExportW     float64
	SolarW          float64
	ConsumptionW    float64
	DailyLoadKWh    float64
	DailyACGenKWh   float64
	DailyGridInKWh  float64
	DailyGridOutKWh float64
	DailyPVKWh      float64
}

// EnergyTotals is the four daily-cumulative counters alone, for the
// 15-minute snapshot pipeline.
type EnergyTotals struct {
	PVKWh      float64
	LoadKWh    float64
	GridInKWh  float64
	GridOutKWh float64
}

// Intent is the coarse action the driver maps a schedule action onto.
type Intent int

const (
	IntentIdle Intent = iota
	IntentCharge
	IntentDischarge
)

// ApplyResult reports what ApplySchedule actually did.
type ApplyResult struct {
	Applied int
	Skipped int
	Target  float64
}

// Driver is the contract every inverter brand must satisfy.
type Driver interface {
	GetState(ctx context.Context) (State, error)
	GetMetrics(ctx context.Context) (Metrics, error)
	GetEnergyTotals(ctx context.Context) (EnergyTotals, error)
	ApplySchedule(ctx context.Context, slots []battery.Slot, now time.Time) (ApplyResult, error)
	Charge(ctx context.Context) (State, error)
	Discharge(ctx context.Context) (State, error)
	Idle(ctx context.Context) (State, error)
	SetPeakShavingTarget(ctx context.Context, kw float64) error
	ResetToDefault(ctx context.Context) error
}

// ModbusDriver is the reference Modbus TCP driver. The TCP connection is a
// lazy singleton behind mu: any read/write failure drops it so the next
// call re-establishes, and a minimum inter-command gap serializes every
// operation, making concurrent Modbus access structurally impossible.
type ModbusDriver struct {
	cfg             config.Inverter
	charge          float64 // cfg.ChargeSOC, defaulted
	disch           float64 // cfg.DischargeSOC, defaulted
	connectTimeout  time.Duration
	responseTimeout time.Duration
	minGap          time.Duration

	mu       sync.Mutex
	handler  *modbus.TCPClientHandler
	client   modbus.Client
	lastOpAt time.Time
}

// NewModbusDriver builds a driver for cfg. connectTimeout and
// responseTimeout are the Modbus connect/response timeouts, defaulting to
// 10s and 5s; the inter-command gate is fixed at 1s.
func NewModbusDriver(cfg config.Inverter, connectTimeout, responseTimeout time.Duration) *ModbusDriver {
	charge := cfg.ChargeSOC
	if charge <= 0 {
		charge = 90
	}
	disch := cfg.DischargeSOC
	if disch <= 0 {
		disch = 20
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if responseTimeout <= 0 {
		responseTimeout = 5 * time.Second
	}
	return &ModbusDriver{
		cfg:             cfg,
		charge:          charge,
		disch:           disch,
		connectTimeout:  connectTimeout,
		responseTimeout: responseTimeout,
		minGap:          time.Second,
	}
}

// ensureConnected lazily dials the TCP handler if it isn't already
// connected. Caller must hold mu.
func (d *ModbusDriver) ensureConnected() error {
	if d.client != nil {
		return nil
	}
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
	handler.SlaveId = d.cfg.UnitID
	// goburrow/modbus's TCPClientHandler exposes a single Timeout used for
	// both the dial and each request's response deadline; Connect() is the
	// only call that pays the connect cost, so it runs under the connect
	// timeout and the field is switched to the response timeout afterwards.
	handler.Timeout = d.connectTimeout
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("inverter: connect %s:%d: %w", d.cfg.Host, d.cfg.Port, err)
	}
	// Connect() already paid the dial cost under connectTimeout; every
	// following request gets the response timeout.
	handler.Timeout = d.responseTimeout
	d.handler = handler
	d.client = modbus.NewClient(handler)
	return nil
}

// drop tears down the connection so the next operation re-dials.
func (d *ModbusDriver) drop() {
	if d.handler != nil {
		d.handler.Close()
	}
	d.handler = nil
	d.client = nil
}

// gate enforces the 1-second minimum spacing between Modbus operations.
// Caller must hold mu.
func (d *ModbusDriver) gate() {
	if d.lastOpAt.IsZero() {
		return
	}
	if wait := d.minGap - time.Since(d.lastOpAt); wait > 0 {
		time.Sleep(wait)
	}
}

// withClient serializes one Modbus operation behind the gate and
// connection lifecycle, dropping the connection on any error so the next
// call re-establishes it.
func (d *ModbusDriver) withClient(ctx context.Context, fn func(modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate()
	if err := d.ensureConnected(); err != nil {
		return err
	}
	err := fn(d.client)
	d.lastOpAt = time.Now()
	if err != nil {
		d.drop()
		return err
	}
	return nil
}

func bytesToU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func bytesToS16(b []byte) int16 {
	v := bytesToU16(b)
	if v > 32767 {
		return int16(int32(v) - 65536)
	}
	return int16(v)
}
func bytesToU32(hi, lo []byte) uint32 {
	return uint32(bytesToU16(hi))<<16 | uint32(bytesToU16(lo))
}

// GetState implements Driver: status register, then the 3-register BMS
// block (voltage, current, SOC).
func (d *ModbusDriver) GetState(ctx context.Context) (State, error) {
	var st State
	err := d.withClient(ctx, func(c modbus.Client) error {
		statusData, err := c.ReadInputRegisters(regStatus, 1)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		st.Mode = Mode(bytesToU16(statusData))

		bmsData, err := c.ReadInputRegisters(regBMSVoltage, 3)
		if err != nil {
			return fmt.Errorf("read bms block: %w", err)
		}
		st.RawVoltage = bytesToU16(bmsData[0:2])
		current := bytesToS16(bmsData[2:4])
		st.SOCPct = float64(bytesToU16(bmsData[4:6]))
		st.PowerW = -float64(st.RawVoltage) * float64(current) / 10
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("inverter: get state: %w", err)
	}
	return st, nil
}

// GetMetrics implements Driver: Group-1 PV power, the BMS block, the
// 40-register daily-energy block, and the instantaneous grid-import pair.
func (d *ModbusDriver) GetMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := d.withClient(ctx, func(c modbus.Client) error {
		pvData, err := c.ReadInputRegisters(regPVPowerHi, 2)
		if err != nil {
			return fmt.Errorf("read pv power: %w", err)
		}
		m.SolarW = float64(bytesToU32(pvData[0:2], pvData[2:4])) * 0.1

		bmsData, err := c.ReadInputRegisters(regBMSVoltage, 3)
		if err != nil {
			return fmt.Errorf("read bms block: %w", err)
		}
		m.SOCPct = float64(bytesToU16(bmsData[4:6]))

		dailyData, err := c.ReadInputRegisters(regDailyEnergyBlock, dailyEnergyBlockCount)
		if err != nil {
			return fmt.Errorf("read daily energy block: %w", err)
		}
		regAt := func(off int) []byte { return dailyData[off*2 : off*2+2] }
		pair := func(offHi int) float64 {
			return float64(bytesToU32(regAt(offHi), regAt(offHi+1))) * 0.1
		}
		m.ConsumptionW = float64(bytesToU32(regAt(offLoadW), regAt(offLoadW+1))) * 0.1
		m.DailyACGenKWh = pair(offACGenKWh10)
		m.DailyGridInKWh = pair(offGridInKWh10)
		m.DailyGridOutKWh = pair(offGridOutKWh10)
		m.DailyLoadKWh = pair(offLoadKWh10)
		m.DailyPVKWh = pair(offPVKWh10)

		gridData, err := c.ReadInputRegisters(regGridImportInstHi, 2)
		if err != nil {
			return fmt.Errorf("read grid import: %w", err)
		}
		m.GridImportW = float64(bytesToU32(gridData[0:2], gridData[2:4])) * 0.1

		m.BatteryW = m.ConsumptionW - m.SolarW - m.GridImportW
		m.GridExportW = maxF(0, m.SolarW-m.ConsumptionW-maxF(0, -m.BatteryW))
		return nil
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("inverter: get metrics: %w", err)
	}
	return m, nil
}

// GetEnergyTotals implements Driver: the four daily counters alone.
func (d *ModbusDriver) GetEnergyTotals(ctx context.Context) (EnergyTotals, error) {
	var t EnergyTotals
	err := d.withClient(ctx, func(c modbus.Client) error {
		dailyData, err := c.ReadInputRegisters(regDailyEnergyBlock, dailyEnergyBlockCount)
		if err != nil {
			return fmt.Errorf("read daily energy block: %w", err)
		}
		regAt := func(off int) []byte { return dailyData[off*2 : off*2+2] }
		pair := func(offHi int) float64 {
			return float64(bytesToU32(regAt(offHi), regAt(offHi+1))) * 0.1
		}
		t.LoadKWh = pair(offLoadKWh10)
		t.GridInKWh = pair(offGridInKWh10)
		t.GridOutKWh = pair(offGridOutKWh10)
		t.PVKWh = pair(offPVKWh10)
		return nil
	})
	if err != nil {
		return EnergyTotals{}, fmt.Errorf("inverter: get energy totals: %w", err)
	}
	return t, nil
}

// actionIntent maps a schedule action to the coarse intent the SOC floor
// register can express.
func actionIntent(a battery.Action) Intent {
	switch a {
	case battery.ActionChargeGrid, battery.ActionChargeSolar:
		return IntentCharge
	case battery.ActionDischarge, battery.ActionSell:
		return IntentDischarge
	default:
		return IntentIdle
	}
}

// currentSlot finds the latest slot with SlotTS <= now, else the first
// slot.
func currentSlot(slots []battery.Slot, now time.Time) (battery.Slot, bool) {
	if len(slots) == 0 {
		return battery.Slot{}, false
	}
	nowTS := now.Format("2006-01-02T15:04")
	best := slots[0]
	found := false
	for _, s := range slots {
		if s.SlotTS <= nowTS {
			best = s
			found = true
		}
	}
	if !found {
		best = slots[0]
	}
	return best, true
}

// ApplySchedule implements Driver: write exactly one holding register,
// the reserved-SOC floor, derived from the current slot's action.
func (d *ModbusDriver) ApplySchedule(ctx context.Context, slots []battery.Slot, now time.Time) (ApplyResult, error) {
	slot, ok := currentSlot(slots, now)
	if !ok {
		return ApplyResult{Skipped: 1}, nil
	}
	return d.applyIntent(ctx, actionIntent(slot.Action))
}

func (d *ModbusDriver) applyIntent(ctx context.Context, intent Intent) (ApplyResult, error) {
	var target float64
	switch intent {
	case IntentCharge:
		target = d.charge
	case IntentDischarge:
		target = d.disch
	default:
		st, err := d.GetState(ctx)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("inverter: apply idle: read current soc: %w", err)
		}
		target = st.SOCPct
	}
	target = clamp(target, floorClampLow, floorClampHigh)

	if d.cfg.DryRun {
		log.Printf("inverter: dry-run: would write reserved SOC floor register %d = %.1f", regReservedSOCFloor, target)
		return ApplyResult{Applied: 1, Target: target}, nil
	}

	err := d.withClient(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(regReservedSOCFloor, uint16(target))
		return err
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("inverter: write reserved soc floor: %w", err)
	}
	return ApplyResult{Applied: 1, Target: target}, nil
}

// Charge, Discharge, and Idle are manual overrides sharing ApplySchedule's
// intent mapping. The returned State is not a fresh read: only SOCPct is
// set, and it holds the reserved-SOC floor target that was written.
func (d *ModbusDriver) Charge(ctx context.Context) (State, error)    { return d.override(ctx, IntentCharge) }
func (d *ModbusDriver) Discharge(ctx context.Context) (State, error) { return d.override(ctx, IntentDischarge) }
func (d *ModbusDriver) Idle(ctx context.Context) (State, error)      { return d.override(ctx, IntentIdle) }

func (d *ModbusDriver) override(ctx context.Context, intent Intent) (State, error) {
	res, err := d.applyIntent(ctx, intent)
	if err != nil {
		return State{}, err
	}
	return State{SOCPct: res.Target}, nil
}

// SetPeakShavingTarget writes the grid-import cap register, scale 0.1 kW.
func (d *ModbusDriver) SetPeakShavingTarget(ctx context.Context, kw float64) error {
	value := uint16(round(kw * 10))
	if d.cfg.DryRun {
		log.Printf("inverter: dry-run: would write grid import cap register %d = %.1f kW", regGridImportCapW, kw)
		return nil
	}
	err := d.withClient(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(regGridImportCapW, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("inverter: set peak shaving target: %w", err)
	}
	return nil
}

// ResetToDefault writes the configured discharge_soc to the reserved-floor
// register, restoring the default discharge permission.
func (d *ModbusDriver) ResetToDefault(ctx context.Context) error {
	target := clamp(d.disch, floorClampLow, floorClampHigh)
	if d.cfg.DryRun {
		log.Printf("inverter: dry-run: would reset reserved SOC floor register %d = %.1f", regReservedSOCFloor, target)
		return nil
	}
	err := d.withClient(ctx, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(regReservedSOCFloor, uint16(target))
		return err
	})
	if err != nil {
		return fmt.Errorf("inverter: reset to default: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func round(v float64) float64 {
	return float64(int(v + 0.5))
}
