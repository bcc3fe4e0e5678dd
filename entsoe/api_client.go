package entsoe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pvbatteryctl/controller/utils"
)

// APIClient fetches ENTSO-E publication market documents over HTTP.
type APIClient struct {
	httpClient *http.Client
	userAgent  string
}

// NewAPIClient creates a new ENTSO-E API client with default settings.
func NewAPIClient() *APIClient {
	return &APIClient{
		httpClient: &http.Client{},
		userAgent:  "entsoe-go-client/1.0",
	}
}

// SetUserAgent sets a custom user agent for the API client.
func (c *APIClient) SetUserAgent(userAgent string) {
	c.userAgent = userAgent
}

// FetchResult is a decoded publication market document plus the exact bytes
// it was decoded from, so callers can archive the raw wire payload.
type FetchResult struct {
	Document *PublicationMarketDocument
	Raw      []byte
}

// Fetch downloads and decodes the publication market document at apiURL.
func (c *APIClient) Fetch(ctx context.Context, apiURL string) (*FetchResult, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("API URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	userAgent := c.userAgent
	if userAgent == "" {
		userAgent = "entsoe-go-client/1.0"
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml, text/xml")

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, buf.String())
	}

	doc, err := DecodeEnergyPricesXML(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to decode XML response: %w", err)
	}
	return &FetchResult{Document: doc, Raw: buf.Bytes()}, nil
}

// DayAheadDocument fetches the publication market document covering the
// single calendar day date (in loc), with no wall-clock lookup and no
// implicit merging of an adjacent day: the caller (price.HourlyProvider)
// decides which date to ask for and whether that date should already be
// published, via IsDayAheadPublished. urlFormat receives, in order, the
// UTC period start, period end, the bidding-zone area (EIC) code, and the
// security token.
func DayAheadDocument(ctx context.Context, securityToken, urlFormat string, loc *time.Location, date time.Time, area string) (*FetchResult, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	periodStart := utils.GetUTCString(dayStart)
	periodEnd := utils.GetUTCString(dayStart.AddDate(0, 0, 1))
	url := fmt.Sprintf(urlFormat, periodStart, periodEnd, area, securityToken)

	client := NewAPIClient()
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return client.Fetch(fetchCtx, url)
}

// IsDayAheadPublished reports whether date's day-ahead prices should
// already be published, given the current instant now (interpreted in loc)
// and the deployment's configured day-ahead publication hour. Today's and
// past dates are always considered published; a date more than one day out
// never is; tomorrow is published once now's local hour reaches
// dayAheadHour, mirroring ENTSO-E's early-afternoon CET auction close.
func IsDayAheadPublished(now time.Time, loc *time.Location, date time.Time, dayAheadHour int) bool {
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	requested := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	switch {
	case !requested.After(today):
		return true
	case requested.After(today.AddDate(0, 0, 1)):
		return false
	default:
		return now.Hour() >= dayAheadHour
	}
}
