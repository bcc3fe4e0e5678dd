package irradiance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pvbatteryctl/controller/config"
)

const sampleCompactResponse = `{
  "properties": {
    "timeseries": [
      {
        "time": "2026-07-31T12:00:00Z",
        "data": {
          "instant": {"details": {"air_temperature": 18.5, "cloud_area_fraction": 42.0}},
          "next_1_hours": {"summary": {"symbol_code": "partlycloudy_day"}}
        }
      },
      {
        "time": "2026-07-31T13:00:00Z",
        "data": {
          "instant": {"details": {"cloud_area_fraction": 90.0}},
          "next_6_hours": {"summary": {"symbol_code": "cloudy"}}
        }
      }
    ]
  }
}`

func TestMetNoClientFetchCompactParsesTimesteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("expected User-Agent header, got %q", got)
		}
		if r.URL.Query().Get("lat") == "" || r.URL.Query().Get("lon") == "" {
			t.Errorf("expected lat/lon query params, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleCompactResponse))
	}))
	defer srv.Close()

	c := newMetNoClient(srv.Client(), "test-agent")
	c.baseURL = srv.URL

	steps, err := c.fetchCompact(context.Background(), 59.9, 10.7)
	if err != nil {
		t.Fatalf("fetchCompact: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 timesteps, got %d", len(steps))
	}

	first := steps[0]
	if first.cloudFraction() != 42.0 {
		t.Errorf("expected cloud fraction 42.0, got %v", first.cloudFraction())
	}
	if first.temperature() == nil || *first.temperature() != 18.5 {
		t.Errorf("expected temperature 18.5, got %v", first.temperature())
	}
	if first.symbol() != "partlycloudy_day" {
		t.Errorf("expected partlycloudy_day, got %q", first.symbol())
	}

	second := steps[1]
	if second.temperature() != nil {
		t.Errorf("expected no temperature for second step, got %v", *second.temperature())
	}
	if second.symbol() != "cloudy" {
		t.Errorf("expected next_6_hours fallback symbol cloudy, got %q", second.symbol())
	}
}

func TestMetNoClientFetchCompactErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newMetNoClient(srv.Client(), "test-agent")
	c.baseURL = srv.URL

	if _, err := c.fetchCompact(context.Background(), 0, 0); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestMetNoFetcherFetchFiltersToHorizonAndEstimatesIrradiance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleCompactResponse))
	}))
	defer srv.Close()

	f := NewMetNoFetcher("test-agent", 5*time.Second)
	f.client.baseURL = srv.URL

	loc := testLocation()
	from, err := time.Parse(time.RFC3339, "2026-07-31T00:00:00Z")
	if err != nil {
		t.Fatalf("parse from: %v", err)
	}

	hours, err := f.Fetch(context.Background(), loc, from, 24)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hours) != 2 {
		t.Fatalf("expected 2 hourly entries, got %d", len(hours))
	}
	if hours[0].CloudFraction != 42.0 {
		t.Errorf("expected cloud fraction 42.0, got %v", hours[0].CloudFraction)
	}
	if hours[0].Symbol != "partlycloudy_day" {
		t.Errorf("expected symbol partlycloudy_day, got %q", hours[0].Symbol)
	}
}

func testLocation() config.Location {
	return config.Location{Lat: 59.9, Lon: 10.7, Timezone: "UTC"}
}
