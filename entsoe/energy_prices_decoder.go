package entsoe

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"
)

// PublicationMarketDocument is the root element of an ENTSO-E day-ahead
// price publication document (documentType A44).
type PublicationMarketDocument struct {
	XMLName                           xml.Name              `xml:"Publication_MarketDocument"`
	Xmlns                             string                `xml:"xmlns,attr"`
	MRID                              string                `xml:"mRID"`
	RevisionNumber                    int                   `xml:"revisionNumber"`
	Type                              string                `xml:"type"`
	SenderMarketParticipantMRID       MarketParticipantMRID `xml:"sender_MarketParticipant.mRID"`
	SenderMarketParticipantRoleType   string                `xml:"sender_MarketParticipant.marketRole.type"`
	ReceiverMarketParticipantMRID     MarketParticipantMRID `xml:"receiver_MarketParticipant.mRID"`
	ReceiverMarketParticipantRoleType string                `xml:"receiver_MarketParticipant.marketRole.type"`
	CreatedDateTime                   string                `xml:"createdDateTime"`
	PeriodTimeInterval                TimeInterval          `xml:"period.timeInterval"`
	TimeSeries                        []TimeSeries          `xml:"TimeSeries"`
}

// MarketParticipantMRID is an mRID value qualified by its coding scheme.
type MarketParticipantMRID struct {
	CodingScheme string `xml:"codingScheme,attr"`
	Value        string `xml:",chardata"`
}

// TimeInterval is a start/end pair as found in period.timeInterval and
// TimeSeries.Period.timeInterval elements.
type TimeInterval struct {
	Start time.Time `xml:"start"`
	End   time.Time `xml:"end"`
}

// entsoeTimeLayouts are the datetime formats ENTSO-E documents are observed
// to use, tried in order. The wire format nominally omits seconds; full
// RFC3339 also appears in some documents.
var entsoeTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z",
	"2006-01-02T15:04Z07:00",
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range entsoeTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("entsoe: unrecognized datetime %q", s)
}

// UnmarshalXML decodes the start/end child elements as ENTSO-E datetimes
// rather than Go's default RFC3339-only time.Time unmarshaling.
func (ti *TimeInterval) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		Start string `xml:"start"`
		End   string `xml:"end"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}
	var err error
	if ti.Start, err = parseTimeString(aux.Start); err != nil {
		return fmt.Errorf("time interval start: %w", err)
	}
	if ti.End, err = parseTimeString(aux.End); err != nil {
		return fmt.Errorf("time interval end: %w", err)
	}
	return nil
}

// TimeSeries is one priced series within the document, normally one per
// bidding zone pairing.
type TimeSeries struct {
	MRID                        string                `xml:"mRID"`
	AuctionType                 string                `xml:"auction.type"`
	BusinessType                string                `xml:"businessType"`
	InDomainMRID                MarketParticipantMRID `xml:"in_Domain.mRID"`
	OutDomainMRID               MarketParticipantMRID `xml:"out_Domain.mRID"`
	ContractMarketAgreementType string                `xml:"contract_MarketAgreement.type"`
	CurrencyUnitName            string                `xml:"currency_Unit.name"`
	PriceMeasureUnitName        string                `xml:"price_Measure_Unit.name"`
	CurveType                   string                `xml:"curveType"`
	Period                      Period                `xml:"Period"`
}

// Period is a TimeSeries's priced interval: a time range, a resolution
// (e.g. PT60M or PT15M), and the Points within it.
type Period struct {
	TimeInterval TimeInterval  `xml:"timeInterval"`
	Resolution   time.Duration `xml:"resolution"`
	Points       []Point       `xml:"Point"`
}

// UnmarshalXML decodes Period.resolution as an ISO 8601 duration
// (e.g. "PT60M") into a time.Duration.
func (p *Period) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var aux struct {
		TimeInterval TimeInterval `xml:"timeInterval"`
		Resolution   string       `xml:"resolution"`
		Points       []Point      `xml:"Point"`
	}
	if err := d.DecodeElement(&aux, &start); err != nil {
		return err
	}
	p.TimeInterval = aux.TimeInterval
	p.Points = aux.Points

	resolution, err := parseISO8601Duration(aux.Resolution)
	if err != nil {
		return fmt.Errorf("period resolution %q: %w", aux.Resolution, err)
	}
	p.Resolution = resolution
	return nil
}

// iso8601DurationPattern matches the subset of ISO 8601 durations ENTSO-E
// documents actually emit: an optional date part and/or a time part, e.g.
// "P1D", "PT15M", "PT1H30M", "P1DT12H".
var iso8601DurationPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:([\d.]+)S)?)?$`,
)

// parseISO8601Duration converts an ISO 8601 duration string to a
// time.Duration. Years and months are approximated as 365 and 30 days,
// which is adequate for ENTSO-E's day/hour/minute resolutions.
func parseISO8601Duration(s string) (time.Duration, error) {
	m := iso8601DurationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("not an ISO 8601 duration: %q", s)
	}

	var total time.Duration
	units := []struct {
		group string
		unit  time.Duration
	}{
		{m[1], 365 * 24 * time.Hour}, // years
		{m[2], 30 * 24 * time.Hour},  // months
		{m[3], 24 * time.Hour},       // days
		{m[4], time.Hour},            // hours
		{m[5], time.Minute},          // minutes
	}
	for _, u := range units {
		if u.group == "" {
			continue
		}
		n, err := strconv.Atoi(u.group)
		if err != nil {
			return 0, fmt.Errorf("duration component %q: %w", u.group, err)
		}
		total += time.Duration(n) * u.unit
	}
	if m[6] != "" {
		seconds, err := strconv.ParseFloat(m[6], 64)
		if err != nil {
			return 0, fmt.Errorf("duration seconds %q: %w", m[6], err)
		}
		total += time.Duration(seconds * float64(time.Second))
	}
	return total, nil
}

// Point is one priced position within a Period; Position is 1-based and
// advances by one per Resolution-sized interval from the Period's start.
type Point struct {
	Position    int     `xml:"position"`
	PriceAmount float64 `xml:"price.amount"`
}

// ParseDateTime parses an ENTSO-E XML datetime string.
func ParseDateTime(dateStr string) (time.Time, error) {
	return parseTimeString(dateStr)
}

// LookupPriceByTime returns the price at t from the first TimeSeries whose
// Period covers it.
func (pmd *PublicationMarketDocument) LookupPriceByTime(t time.Time) (float64, bool) {
	for _, ts := range pmd.TimeSeries {
		if price, found := ts.Period.GetPriceByTime(t); found {
			return price, true
		}
	}
	return 0, false
}

// LookupAveragePriceInHourByTime returns the average price across the
// clock hour containing t, from the first TimeSeries with any overlap.
func (pmd *PublicationMarketDocument) LookupAveragePriceInHourByTime(t time.Time) (float64, bool) {
	for _, ts := range pmd.TimeSeries {
		if avg, found := ts.Period.averagePriceInHourByTime(t); found {
			return avg, true
		}
	}
	return 0, false
}

// GetPriceByTime returns the price for the interval containing t, or
// (0, false) if t falls outside the Period. Positions may skip repeated
// values, so the lookup walks forward and returns the last point whose
// position does not exceed the target.
func (p *Period) GetPriceByTime(t time.Time) (float64, bool) {
	position := p.calculatePosition(t)
	if position <= 0 {
		return 0, false
	}
	var last *Point
	for i := range p.Points {
		point := &p.Points[i]
		if point.Position > position {
			break
		}
		last = point
	}
	if last == nil {
		return 0, false
	}
	return last.PriceAmount, true
}

// calculatePosition returns the 1-based interval index covering t, where
// position 1 is [TimeInterval.Start, TimeInterval.Start+Resolution). It
// returns 0 if t is outside [Start, End).
func (p *Period) calculatePosition(t time.Time) int {
	offset := t.Sub(p.TimeInterval.Start)
	if offset < 0 {
		return 0
	}
	if !t.Before(p.TimeInterval.End) {
		return 0
	}
	return int(offset/p.Resolution) + 1
}

// GetTimeRangeForPosition returns the [start, end) interval for a 1-based
// position, clamped to the Period's end. valid is false if position falls
// outside the Period.
func (p *Period) GetTimeRangeForPosition(position int) (start, end time.Time, valid bool) {
	if position < 1 {
		return time.Time{}, time.Time{}, false
	}
	start = p.TimeInterval.Start.Add(time.Duration(position-1) * p.Resolution)
	if !start.Before(p.TimeInterval.End) {
		return time.Time{}, time.Time{}, false
	}
	end = start.Add(p.Resolution)
	if end.After(p.TimeInterval.End) {
		end = p.TimeInterval.End
	}
	return start, end, true
}

// averagePriceInHourByTime averages the prices of every Point whose
// interval overlaps the clock hour containing t, carrying the last seen
// price forward across any skipped positions.
func (p *Period) averagePriceInHourByTime(t time.Time) (float64, bool) {
	hourStart := t.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	var sum float64
	var count int
	var last *Point

	for i := range p.Points {
		point := &p.Points[i]
		start, end, valid := p.GetTimeRangeForPosition(point.Position)
		if !valid {
			continue
		}
		if !(start.Before(hourEnd) && end.After(hourStart)) {
			continue
		}
		if last != nil {
			for pos := last.Position + 1; pos < point.Position; pos++ {
				sum += last.PriceAmount
				count++
			}
		}
		sum += point.PriceAmount
		count++
		last = point
	}

	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// DecodeEnergyPricesXML parses an ENTSO-E Publication_MarketDocument XML
// body.
func DecodeEnergyPricesXML(r io.Reader) (*PublicationMarketDocument, error) {
	var doc PublicationMarketDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("entsoe: decode publication market document: %w", err)
	}
	return &doc, nil
}
