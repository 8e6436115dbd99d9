// Package geocode resolves (city, state, country) triples to coordinates
// through an external geocode.xyz-compatible endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/iot-receiver/internal/errs"
	"go.uber.org/zap"
)

// throttledMarker appears in latt/longt when the caller is rate-limited
const throttledMarker = "throttled"

// Coordinates is a resolved latitude/longitude pair
type Coordinates struct {
	Latitude  float64
	Longitude float64
	// Throttled is set when the upstream rate-limited the request and the
	// zero coordinates are a fallback
	Throttled bool
}

// Resolver resolves place names to coordinates
type Resolver interface {
	Resolve(ctx context.Context, city, state, country string) (Coordinates, error)
}

// HTTPResolver calls the geocoding endpoint over HTTP
type HTTPResolver struct {
	baseURL   *url.URL
	authToken string
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPResolver creates a resolver for baseURL. Each request is bounded by timeout.
func NewHTTPResolver(baseURL, authToken string, timeout time.Duration, logger *zap.Logger) (*HTTPResolver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errs.E(errs.KindConfig, "parse geocode base url", err)
	}

	return &HTTPResolver{
		baseURL:   u,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

type geocodeResponse struct {
	Latt  json.RawMessage `json:"latt"`
	Longt json.RawMessage `json:"longt"`
	Error *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Resolve issues a single GET to <base>/<city>/<state>/<country>?json=1.
// A throttled response yields (0, 0) instead of an error.
func (r *HTTPResolver) Resolve(ctx context.Context, city, state, country string) (Coordinates, error) {
	endpoint := r.buildURL(city, state, country)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "geocode request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		r.logThrottled(city, state, country)
		return Coordinates{Throttled: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// geocode.xyz reports throttling in the body of a 403
		if strings.Contains(strings.ToLower(string(body)), throttledMarker) {
			r.logThrottled(city, state, country)
			return Coordinates{Throttled: true}, nil
		}
		return Coordinates{}, errs.Errorf(errs.KindLookup, "geocode request", "unexpected status %d", resp.StatusCode)
	}

	var parsed geocodeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "decode response", err)
	}

	latt, lattOK := rawString(parsed.Latt)
	longt, longtOK := rawString(parsed.Longt)
	if isThrottled(latt) || isThrottled(longt) {
		r.logThrottled(city, state, country)
		return Coordinates{Throttled: true}, nil
	}

	if parsed.Error != nil && (!lattOK || !longtOK) {
		return Coordinates{}, errs.Errorf(errs.KindLookup, "geocode response", "upstream error %s: %s", parsed.Error.Code, parsed.Error.Description)
	}
	if !lattOK || !longtOK {
		return Coordinates{}, errs.Errorf(errs.KindLookup, "geocode response", "missing latt/longt")
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(latt), 64)
	if err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "parse latt", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(longt), 64)
	if err != nil {
		return Coordinates{}, errs.E(errs.KindLookup, "parse longt", err)
	}

	return Coordinates{Latitude: lat, Longitude: lon}, nil
}

func (r *HTTPResolver) buildURL(city, state, country string) string {
	// segments come from a '/'-split topic, so they never contain a slash
	u := *r.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join([]string{city, state, country}, "/")
	u.RawPath = ""

	q := u.Query()
	q.Set("json", "1")
	if r.authToken != "" {
		q.Set("auth", r.authToken)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *HTTPResolver) logThrottled(city, state, country string) {
	r.logger.Warn("geocoding throttled, using zero coordinates",
		zap.String("city", city),
		zap.String("state", state),
		zap.String("country", country),
	)
}

// rawString accepts latt/longt encoded either as JSON strings or numbers
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func isThrottled(v string) bool {
	return strings.Contains(strings.ToLower(v), throttledMarker)
}

// String implements fmt.Stringer for log fields
func (c Coordinates) String() string {
	return fmt.Sprintf("(%g, %g)", c.Latitude, c.Longitude)
}
