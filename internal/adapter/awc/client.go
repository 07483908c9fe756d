package awc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// endpoints maps each kind onto its data API product. Station-keyed products
// filter server-side by ids; the rest return the current list and the caller
// picks the identifier out of it.
var endpoints = map[domain.Kind]struct {
	path     string
	filtered bool
}{
	domain.KindObservation: {"metar", true},
	domain.KindForecast:    {"taf", true},
	domain.KindStation:     {"stationinfo", true},
	domain.KindHazard:      {"airsigmet", false},
	domain.KindAreaHazard:  {"gairmet", false},
	domain.KindPilotReport: {"pirep", false},
}

// Client queries the data API for a single identifier.
// It implements retrieval.Fallback.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breakers   *breakers
	backoff    backoff
	logger     *slog.Logger
}

// NewClient creates a data API client rooted at baseURL
// (e.g. https://aviationweather.gov/api/data).
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	// Lookups sit on the request path: one quick retry at most.
	b := backoff{retries: 1, initial: 100 * time.Millisecond, max: 100 * time.Millisecond}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breakers: newBreakers("awc-api"),
		backoff:  b,
		logger:   logger,
	}
}

// Fetch returns the API's JSON answer for id. A nil body with a nil error
// means the API has no data for it.
func (c *Client) Fetch(ctx context.Context, kind domain.Kind, id string) ([]byte, error) {
	ep, ok := endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	params := url.Values{"format": {"json"}}
	if ep.filtered {
		params.Set("ids", id)
	}
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, ep.path, params.Encode())

	body, err := fetch(ctx, c.httpClient, c.breakers.get(ep.path), c.backoff, u)
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusBadRequest) {
		c.logger.Debug("data api has no entry", "kind", kind, "id", id, "status", se.code)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s api request: %w", kind, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	return body, nil
}
