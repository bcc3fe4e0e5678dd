// Package config loads and validates the controller's JSON configuration
// file, with an optional YAML overlay for per-deployment overrides and
// custom JSON marshaling for human-readable duration fields.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Location describes where the installation physically sits.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone"`
}

// Panel describes the PV array used for the geometry-based forecast fallback.
type Panel struct {
	PeakKW     float64 `json:"peak_kw"`
	TiltDeg    float64 `json:"tilt"`
	AzimuthDeg float64 `json:"azimuth"`
	Efficiency float64 `json:"efficiency"`
}

// RecencyBias configures the trailing-window global bias scalar.
type RecencyBias struct {
	WindowDays int     `json:"window_days"`
	MinSamples int     `json:"min_samples"`
	ClampMin   float64 `json:"clamp_min"`
	ClampMax   float64 `json:"clamp_max"`
}

// Learning configures the empirical correction matrix and its blending
// against the geometry fallback.
type Learning struct {
	MinIrradianceWeight     float64     `json:"min_irradiance_weight"`
	EmpiricalBlendThreshold float64     `json:"empirical_blend_threshold"`
	RecencyBias             RecencyBias `json:"recency_bias"`
}

// Forecast configures the forward PV forecast horizon and refetch cadence.
type Forecast struct {
	HorizonHours      int `json:"horizon_hours"`
	FetchIntervalHour int `json:"fetch_interval_hours"`
}

// Battery describes the storage asset's physical and operational limits.
type Battery struct {
	CapacityKWh   float64 `json:"capacity_kwh"`
	MaxChargeW    float64 `json:"max_charge_w"`
	MaxDischargeW float64 `json:"max_discharge_w"`
	Efficiency    float64 `json:"efficiency"`
	MinSOC        float64 `json:"min_soc"`
	MaxSOC        float64 `json:"max_soc"`
}

// Grid configures tariff pass-through and sell-back economics.
type Grid struct {
	SellEnabled       bool    `json:"sell_enabled"`
	SellPriceFactor   float64 `json:"sell_price_factor"`
	TransferImportKWh float64 `json:"transfer_import_kwh"`
	TransferExportKWh float64 `json:"transfer_export_kwh"`
	EnergyTaxKWh      float64 `json:"energy_tax_kwh"`
}

// ConsumptionSource names the household-load estimation strategy.
type ConsumptionSource string

const (
	ConsumptionYesterday ConsumptionSource = "yesterday"
	ConsumptionFlat      ConsumptionSource = "flat"
)

// Climate names the direction in which heating sensitivity is applied.
type Climate string

const (
	ClimateHeating Climate = "heating"
	ClimateCooling Climate = "cooling"
)

// Consumption configures the household load estimator.
type Consumption struct {
	Source             ConsumptionSource `json:"source"`
	HeatingSensitivity float64           `json:"heating_sensitivity"`
	Climate            Climate           `json:"climate"`
	FlatWatts          float64           `json:"flat_watts"`
}

// InverterBrand enumerates the inverter drivers this build knows how to
// speak to.
type InverterBrand string

const (
	InverterBrandReference InverterBrand = "reference"
)

// Inverter configures the Modbus TCP connection to the physical inverter.
type Inverter struct {
	Brand              InverterBrand `json:"brand"`
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	UnitID             byte          `json:"unit_id"`
	TimeoutMS          int           `json:"timeout_ms"`
	DryRun             bool          `json:"dry_run"`
	DataCollectionOnly bool          `json:"data_collection_only"`
	ChargeSOC          float64       `json:"charge_soc"`
	DischargeSOC       float64       `json:"discharge_soc"`
}

// PriceSource enumerates the day-ahead price providers this build knows.
type PriceSource string

const (
	PriceSourceEntsoe PriceSource = "entsoe"
)

// Price configures the day-ahead market price ingestor.
type Price struct {
	Source       PriceSource `json:"source"`
	Region       string      `json:"region"`
	Currency     string      `json:"currency"`
	DayAheadHour int         `json:"day_ahead_hour"`
}

// Dashboard configures the optional HTTP status/dashboard surface. Leaving
// AuthPass empty disables authentication on the dashboard entirely.
type Dashboard struct {
	AuthUser string `json:"auth_user"`
	AuthPass string `json:"auth_pass"`
	Port     int    `json:"port"`
}

// Config is the full, validated configuration for one controller instance.
type Config struct {
	Location    Location    `json:"location"`
	Panel       Panel       `json:"panel"`
	Learning    Learning    `json:"learning"`
	Forecast    Forecast    `json:"forecast"`
	Battery     Battery     `json:"battery"`
	Grid        Grid        `json:"grid"`
	Consumption Consumption `json:"consumption"`
	Inverter    Inverter    `json:"inverter"`
	Price       Price       `json:"price"`
	Dashboard   Dashboard   `json:"dashboard"`

	// ModbusConnectTimeout and ModbusResponseTimeout are ambient transport
	// knobs; expressed as time.Duration and serialized as human strings
	// ("10s") via the custom Marshal/Unmarshal pair below.
	ModbusConnectTimeout  time.Duration `json:"modbus_connect_timeout"`
	ModbusResponseTimeout time.Duration `json:"modbus_response_timeout"`
}

// configAlias exists solely so MarshalJSON/UnmarshalJSON can override the
// two duration fields without recursing into themselves.
type configAlias Config

type configJSON struct {
	configAlias
	ModbusConnectTimeout  string `json:"modbus_connect_timeout"`
	ModbusResponseTimeout string `json:"modbus_response_timeout"`
}

// MarshalJSON renders the two Modbus timeout fields as human strings like
// "10s" rather than raw nanosecond integers.
func (c Config) MarshalJSON() ([]byte, error) {
	aux := configJSON{
		configAlias:           configAlias(c),
		ModbusConnectTimeout:  c.ModbusConnectTimeout.String(),
		ModbusResponseTimeout: c.ModbusResponseTimeout.String(),
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts the two Modbus timeout fields either as human
// duration strings ("10s") or as plain seconds given as a JSON number.
// Unknown fields are rejected so a typoed key fails loudly at startup
// instead of silently leaving a default in place.
func (c *Config) UnmarshalJSON(data []byte) error {
	var aux struct {
		configAlias
		ModbusConnectTimeout  json.RawMessage `json:"modbus_connect_timeout"`
		ModbusResponseTimeout json.RawMessage `json:"modbus_response_timeout"`
	}
	// Start from the receiver so fields absent from data keep their
	// current (e.g. DefaultConfig) values.
	aux.configAlias = configAlias(*c)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		return err
	}
	*c = Config(aux.configAlias)
	if len(aux.ModbusConnectTimeout) > 0 {
		d, err := parseDurationField(aux.ModbusConnectTimeout)
		if err != nil {
			return fmt.Errorf("modbus_connect_timeout: %w", err)
		}
		c.ModbusConnectTimeout = d
	}
	if len(aux.ModbusResponseTimeout) > 0 {
		d, err := parseDurationField(aux.ModbusResponseTimeout)
		if err != nil {
			return fmt.Errorf("modbus_response_timeout: %w", err)
		}
		c.ModbusResponseTimeout = d
	}
	return nil
}

func parseDurationField(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return time.ParseDuration(asString)
	}
	var asSeconds float64
	if err := json.Unmarshal(raw, &asSeconds); err == nil {
		return time.Duration(asSeconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("unsupported duration encoding: %s", raw)
}

// String renders the configuration for diagnostic logging, omitting the
// dashboard password.
func (c Config) String() string {
	redacted := c
	if redacted.Dashboard.AuthPass != "" {
		redacted.Dashboard.AuthPass = "***"
	}
	b, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config(unprintable: %v)", err)
	}
	return string(b)
}

// DefaultConfig returns a configuration with conservative defaults that
// still requires location, inverter host and panel ratings to be filled in
// before it will pass Validate.
func DefaultConfig() Config {
	return Config{
		Learning: Learning{
			MinIrradianceWeight:     400,
			EmpiricalBlendThreshold: 30,
			RecencyBias: RecencyBias{
				WindowDays: 14,
				MinSamples: 10,
				ClampMin:   0.5,
				ClampMax:   2.0,
			},
		},
		Forecast: Forecast{
			HorizonHours:      24,
			FetchIntervalHour: 6,
		},
		Consumption: Consumption{
			Source:  ConsumptionYesterday,
			Climate: ClimateHeating,
		},
		Inverter: Inverter{
			Brand:        InverterBrandReference,
			Port:         502,
			UnitID:       1,
			TimeoutMS:    5000,
			ChargeSOC:    90,
			DischargeSOC: 20,
		},
		Price: Price{
			Source:       PriceSourceEntsoe,
			Currency:     "EUR",
			DayAheadHour: 13,
		},
		ModbusConnectTimeout:  10 * time.Second,
		ModbusResponseTimeout: 5 * time.Second,
	}
}

// LoadConfig reads and validates a JSON configuration file at path, then
// applies an optional YAML overlay (operator overrides for a subset of
// fields) if overlayPath is non-empty.
func LoadConfig(path string, overlayPath string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := LoadConfigFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if overlayPath != "" {
		if err := applyOverlay(&cfg, overlayPath); err != nil {
			return Config{}, fmt.Errorf("config: overlay %s: %w", overlayPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFromReader decodes a Config from r without validating it.
func LoadConfigFromReader(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	return cfg, nil
}

// overlay is the subset of Config an operator may override from a small
// YAML side file without editing the primary JSON configuration: per-
// deployment secrets (dashboard password) and quick Modbus host changes
// during bring-up.
type overlay struct {
	Inverter *struct {
		Host string `yaml:"host"`
		Port *int   `yaml:"port"`
	} `yaml:"inverter"`
	Dashboard *struct {
		AuthUser string `yaml:"auth_user"`
		AuthPass string `yaml:"auth_pass"`
	} `yaml:"dashboard"`
}

func applyOverlay(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var ov overlay
	if err := yaml.NewDecoder(f).Decode(&ov); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if ov.Inverter != nil {
		if ov.Inverter.Host != "" {
			cfg.Inverter.Host = ov.Inverter.Host
		}
		if ov.Inverter.Port != nil {
			cfg.Inverter.Port = *ov.Inverter.Port
		}
	}
	if ov.Dashboard != nil {
		if ov.Dashboard.AuthUser != "" {
			cfg.Dashboard.AuthUser = ov.Dashboard.AuthUser
		}
		if ov.Dashboard.AuthPass != "" {
			cfg.Dashboard.AuthPass = ov.Dashboard.AuthPass
		}
	}
	return nil
}

// SaveConfig writes cfg as indented JSON to path.
func SaveConfig(cfg Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return SaveConfigToWriter(cfg, f)
}

// SaveConfigToWriter writes cfg as indented JSON to w.
func SaveConfigToWriter(cfg Config, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// Validate checks every field enumerated by the external configuration
// contract and returns the first problem found, wrapped as an
// ErrConfigInvalid so callers can classify it with errors.Is.
func (c Config) Validate() error {
	switch {
	case c.Location.Lat < -90 || c.Location.Lat > 90:
		return invalid("location.lat must be in [-90, 90], got %v", c.Location.Lat)
	case c.Location.Lon < -180 || c.Location.Lon > 180:
		return invalid("location.lon must be in [-180, 180], got %v", c.Location.Lon)
	case c.Location.Timezone == "":
		return invalid("location.timezone is required")
	}
	if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
		return invalid("location.timezone %q is not a valid IANA zone: %v", c.Location.Timezone, err)
	}

	switch {
	case c.Panel.PeakKW <= 0:
		return invalid("panel.peak_kw must be > 0, got %v", c.Panel.PeakKW)
	case c.Panel.TiltDeg < 0 || c.Panel.TiltDeg > 90:
		return invalid("panel.tilt must be in [0, 90], got %v", c.Panel.TiltDeg)
	case c.Panel.AzimuthDeg < 0 || c.Panel.AzimuthDeg > 360:
		return invalid("panel.azimuth must be in [0, 360], got %v", c.Panel.AzimuthDeg)
	}

	switch {
	case c.Battery.CapacityKWh <= 0:
		return invalid("battery.capacity_kwh must be > 0, got %v", c.Battery.CapacityKWh)
	case c.Battery.MaxChargeW < 0:
		return invalid("battery.max_charge_w must be >= 0, got %v", c.Battery.MaxChargeW)
	case c.Battery.MaxDischargeW < 0:
		return invalid("battery.max_discharge_w must be >= 0, got %v", c.Battery.MaxDischargeW)
	case c.Battery.Efficiency <= 0 || c.Battery.Efficiency > 1:
		return invalid("battery.efficiency must be in (0, 1], got %v", c.Battery.Efficiency)
	case c.Battery.MinSOC < 0 || c.Battery.MinSOC > 100:
		return invalid("battery.min_soc must be in [0, 100], got %v", c.Battery.MinSOC)
	case c.Battery.MaxSOC < 0 || c.Battery.MaxSOC > 100:
		return invalid("battery.max_soc must be in [0, 100], got %v", c.Battery.MaxSOC)
	case c.Battery.MinSOC >= c.Battery.MaxSOC:
		return invalid("battery.min_soc (%v) must be < battery.max_soc (%v)", c.Battery.MinSOC, c.Battery.MaxSOC)
	}

	switch c.Consumption.Source {
	case ConsumptionYesterday, ConsumptionFlat:
	default:
		return invalid("consumption.source %q is not one of {yesterday, flat}", c.Consumption.Source)
	}
	switch c.Consumption.Climate {
	case ClimateHeating, ClimateCooling:
	default:
		return invalid("consumption.climate %q is not one of {heating, cooling}", c.Consumption.Climate)
	}

	switch c.Inverter.Brand {
	case InverterBrandReference:
	default:
		return invalid("inverter.brand %q is not a known brand", c.Inverter.Brand)
	}
	switch {
	case c.Inverter.Host == "":
		return invalid("inverter.host is required")
	case c.Inverter.ChargeSOC >= 100:
		return invalid("inverter.charge_soc must be < 100, got %v", c.Inverter.ChargeSOC)
	case c.Inverter.DischargeSOC < 13:
		return invalid("inverter.discharge_soc must be >= 13, got %v", c.Inverter.DischargeSOC)
	case c.Inverter.DischargeSOC >= c.Inverter.ChargeSOC:
		return invalid("inverter.discharge_soc (%v) must be < inverter.charge_soc (%v)", c.Inverter.DischargeSOC, c.Inverter.ChargeSOC)
	}

	switch c.Price.Source {
	case PriceSourceEntsoe:
	default:
		return invalid("price.source %q is not a known source", c.Price.Source)
	}
	if c.Price.DayAheadHour < 0 || c.Price.DayAheadHour > 23 {
		return invalid("price.day_ahead_hour must be in [0, 23], got %v", c.Price.DayAheadHour)
	}

	if c.Forecast.HorizonHours <= 0 {
		return invalid("forecast.horizon_hours must be > 0, got %v", c.Forecast.HorizonHours)
	}
	if c.Learning.RecencyBias.ClampMin <= 0 || c.Learning.RecencyBias.ClampMax < c.Learning.RecencyBias.ClampMin {
		return invalid("learning.recency_bias clamp range is invalid: [%v, %v]",
			c.Learning.RecencyBias.ClampMin, c.Learning.RecencyBias.ClampMax)
	}
	if math.IsNaN(c.Grid.SellPriceFactor) {
		return invalid("grid.sell_price_factor must not be NaN")
	}

	if (c.Dashboard.AuthPass != "") != (c.Dashboard.AuthUser != "") {
		return invalid("dashboard.auth_user and dashboard.auth_pass must both be set or both be empty")
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}
