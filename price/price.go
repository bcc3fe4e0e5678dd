// Package price ingests day-ahead market prices into 15-minute local
// slots. Two Provider implementations are supported: a native 15-minute
// passthrough, and an hourly provider that expands each hour into four
// identical slots, grounded on the ENTSO-E day-ahead client's "fetch
// today, and tomorrow once published" idiom.
package price

import (
	"context"
	"fmt"
	"time"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/entsoe"
)

// Slot is one 15-minute price point in the local zone.
type Slot struct {
	SlotTS string
	Price  float64
}

// Result is what a Provider returns for one date: either present with the
// day's slots (HourlyProvider only reports present with exactly 96;
// Native15MinProvider passes through however many slots it was given), or
// absent (e.g. next-day prices not yet published).
type Result struct {
	Present bool
	Slots   []Slot
	Raw     []byte
}

// Provider fetches one day's prices for a region.
type Provider interface {
	Fetch(ctx context.Context, date time.Time, region string) (Result, error)
}

// Native15MinProvider wraps a provider that already speaks in 15-minute
// resolution; it only normalizes timestamps into the local zone.
type Native15MinProvider struct {
	Loc     *time.Location
	Fetch96 func(ctx context.Context, date time.Time, region string) (present bool, slotsUTC []time.Time, prices []float64, raw []byte, err error)
}

func (p *Native15MinProvider) Fetch(ctx context.Context, date time.Time, region string) (Result, error) {
	present, slotsUTC, prices, raw, err := p.Fetch96(ctx, date, region)
	if err != nil {
		return Result{}, err
	}
	if !present {
		return Result{Present: false}, nil
	}
	if len(slotsUTC) != len(prices) {
		return Result{}, fmt.Errorf("price: native provider returned mismatched slot/price counts (%d vs %d)", len(slotsUTC), len(prices))
	}
	out := make([]Slot, len(slotsUTC))
	for i, ts := range slotsUTC {
		out[i] = Slot{SlotTS: clock.FormatLocal(ts.In(p.Loc)), Price: prices[i]}
	}
	return Result{Present: true, Slots: out, Raw: raw}, nil
}

// HourlyProvider fetches an ENTSO-E day-ahead document for an explicit
// date and expands each hourly price into four identical 15-minute slots,
// applying an MWh→kWh unit normalization.
type HourlyProvider struct {
	SecurityToken  string
	URLFormat      string
	Loc            *time.Location
	MWhDenominated bool

	// DayAheadHour is the local hour at which the day-ahead auction is
	// expected to have published tomorrow's prices. Fetch treats any date
	// after tomorrow as never-yet-published and any date up to and
	// including today as always published, consulting DayAheadHour only
	// to decide about tomorrow.
	DayAheadHour int

	// Now returns the current instant; overridable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

// NewHourlyProvider builds an ENTSO-E-backed HourlyProvider.
func NewHourlyProvider(securityToken, urlFormat string, loc *time.Location, dayAheadHour int) *HourlyProvider {
	return &HourlyProvider{
		SecurityToken:  securityToken,
		URLFormat:      urlFormat,
		Loc:            loc,
		MWhDenominated: true,
		DayAheadHour:   dayAheadHour,
		Now:            time.Now,
	}
}

func (p *HourlyProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Fetch implements Provider for the requested date explicitly: it never
// consults the wall clock to decide which date to download, only to decide
// whether date's prices should already be published. Absent is returned
// without making an HTTP request when date is not expected to be published
// yet (e.g. tomorrow, before the configured day-ahead hour), and also if
// the document that was fetched turns out to have no price for any hour of
// date.
func (p *HourlyProvider) Fetch(ctx context.Context, date time.Time, region string) (Result, error) {
	if !entsoe.IsDayAheadPublished(p.now(), p.Loc, date, p.DayAheadHour) {
		return Result{Present: false}, nil
	}

	result, err := entsoe.DayAheadDocument(ctx, p.SecurityToken, p.URLFormat, p.Loc, date, region)
	if err != nil {
		return Result{}, fmt.Errorf("price: download: %w", err)
	}
	doc := result.Document

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, p.Loc)
	slots := make([]Slot, 0, 96)
	anyFound := false
	for h := 0; h < 24; h++ {
		hourTime := dayStart.Add(time.Duration(h) * time.Hour)
		hourPrice, ok := doc.LookupPriceByTime(hourTime)
		if !ok {
			continue
		}
		anyFound = true
		if p.MWhDenominated {
			hourPrice /= 1000
		}
		for _, minute := range [4]int{0, 15, 30, 45} {
			slotTS := clock.FormatLocal(hourTime.Add(time.Duration(minute) * time.Minute))
			slots = append(slots, Slot{SlotTS: slotTS, Price: hourPrice})
		}
	}
	if !anyFound || len(slots) != 96 {
		return Result{Present: false}, nil
	}
	return Result{Present: true, Slots: slots, Raw: result.Raw}, nil
}
