package entsoe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<Publication_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-3:publicationdocument:7:3">
	<mRID>doc-1</mRID>
	<revisionNumber>1</revisionNumber>
	<type>A44</type>
	<sender_MarketParticipant.mRID codingScheme="A01">10X1001A1001A450</sender_MarketParticipant.mRID>
	<sender_MarketParticipant.marketRole.type>A32</sender_MarketParticipant.marketRole.type>
	<receiver_MarketParticipant.mRID codingScheme="A01">10X1001A1001A450</receiver_MarketParticipant.mRID>
	<receiver_MarketParticipant.marketRole.type>A33</receiver_MarketParticipant.marketRole.type>
	<createdDateTime>2026-07-30T10:00:00Z</createdDateTime>
	<period.timeInterval>
		<start>2026-07-31T00:00Z</start>
		<end>2026-08-01T00:00Z</end>
	</period.timeInterval>
	<TimeSeries>
		<mRID>1</mRID>
		<auction.type>A01</auction.type>
		<businessType>A62</businessType>
		<in_Domain.mRID codingScheme="A01">10YNO-1--------2</in_Domain.mRID>
		<out_Domain.mRID codingScheme="A01">10YNO-1--------2</out_Domain.mRID>
		<contract_MarketAgreement.type>A01</contract_MarketAgreement.type>
		<currency_Unit.name>EUR</currency_Unit.name>
		<price_Measure_Unit.name>MWH</price_Measure_Unit.name>
		<curveType>A01</curveType>
		<Period>
			<timeInterval>
				<start>2026-07-31T00:00Z</start>
				<end>2026-08-01T00:00Z</end>
			</timeInterval>
			<resolution>PT60M</resolution>
			<Point><position>1</position><price.amount>45.2</price.amount></Point>
			<Point><position>2</position><price.amount>40.1</price.amount></Point>
		</Period>
	</TimeSeries>
</Publication_MarketDocument>`

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Errorf("expected a User-Agent header to be set")
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestAPIClientFetchDecodesDocumentAndKeepsRawBytes(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, sampleDocumentXML)
	defer srv.Close()

	client := NewAPIClient()
	client.SetUserAgent("pvbatteryctl-test/1.0")

	result, err := client.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Document == nil {
		t.Fatal("expected a decoded document")
	}
	if len(result.Document.TimeSeries) != 1 {
		t.Fatalf("expected 1 time series, got %d", len(result.Document.TimeSeries))
	}
	if !strings.Contains(string(result.Raw), "Publication_MarketDocument") {
		t.Errorf("expected raw bytes to contain the original XML, got %q", string(result.Raw))
	}
}

func TestAPIClientFetchRejectsEmptyURL(t *testing.T) {
	client := NewAPIClient()
	if _, err := client.Fetch(context.Background(), ""); err == nil {
		t.Fatal("expected an error for an empty URL")
	}
}

func TestAPIClientFetchSurfacesNonOKStatus(t *testing.T) {
	srv := newTestServer(t, http.StatusInternalServerError, "boom")
	defer srv.Close()

	client := NewAPIClient()
	if _, err := client.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestAPIClientFetchRejectsMalformedXML(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "not xml")
	defer srv.Close()

	client := NewAPIClient()
	if _, err := client.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected a decode error for malformed XML")
	}
}

func TestDayAheadDocumentBuildsURLFromRequestedDate(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sampleDocumentXML))
	}))
	defer srv.Close()

	loc := time.UTC
	date := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)
	urlFormat := srv.URL + "?start=%s&end=%s&area=%s&token=%s"

	result, err := DayAheadDocument(context.Background(), "secret", urlFormat, loc, date, "10YFI-1--------U")
	if err != nil {
		t.Fatalf("DayAheadDocument: %v", err)
	}
	if result.Document == nil {
		t.Fatal("expected a decoded document")
	}
	if !strings.Contains(gotURL, "start=202607310000") {
		t.Errorf("expected the request URL to carry the requested date, got %q", gotURL)
	}
	if !strings.Contains(gotURL, "area=10YFI-1--------U") {
		t.Errorf("expected the bidding-zone area in the request URL, got %q", gotURL)
	}
	if !strings.Contains(gotURL, "token=secret") {
		t.Errorf("expected the security token in the request URL, got %q", gotURL)
	}
}

func TestIsDayAheadPublished(t *testing.T) {
	loc := time.UTC
	today := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)

	cases := []struct {
		name         string
		now          time.Time
		date         time.Time
		dayAheadHour int
		want         bool
	}{
		{"today is always published", today.Add(1 * time.Hour), today, 13, true},
		{"past date is always published", today, today.AddDate(0, 0, -1), 13, true},
		{"tomorrow before configured hour", today.Add(9 * time.Hour), tomorrow, 13, false},
		{"tomorrow at configured hour", today.Add(13 * time.Hour), tomorrow, 13, true},
		{"tomorrow after configured hour", today.Add(18 * time.Hour), tomorrow, 13, true},
		{"day after tomorrow never published yet", today.Add(23 * time.Hour), dayAfter, 13, false},
		{"low configured hour publishes earlier", today.Add(8 * time.Hour), tomorrow, 7, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IsDayAheadPublished(tc.now, loc, tc.date, tc.dayAheadHour)
			if got != tc.want {
				t.Errorf("IsDayAheadPublished(%v, %v, hour=%d) = %v, want %v", tc.now, tc.date, tc.dayAheadHour, got, tc.want)
			}
		})
	}
}
