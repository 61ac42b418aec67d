package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPLocator queries a device location service that answers GET requests with
// {"latitude":..,"longitude":..,"accuracy":..,"timestamp":..}.
type HTTPLocator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLocator creates a locator for the service at baseURL.
func NewHTTPLocator(baseURL string) *HTTPLocator {
	return &HTTPLocator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

type positionResponse struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Timestamp *time.Time `json:"timestamp"`
}

func (l *HTTPLocator) CurrentPosition(ctx context.Context, opts Options) (Sample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("high_accuracy", strconv.FormatBool(opts.HighAccuracy))
	if opts.MaxAge > 0 {
		q.Set("max_age_ms", strconv.FormatInt(opts.MaxAge.Milliseconds(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Sample{}, ErrTimedOut
		}
		return Sample{}, fmt.Errorf("%w: %w", ErrPositionUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: failed to read response: %w", ErrPositionUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Sample{}, ErrPermissionDenied
	case http.StatusNotFound, http.StatusNotImplemented:
		return Sample{}, ErrUnsupported
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Sample{}, ErrTimedOut
	default:
		return Sample{}, fmt.Errorf("%w: status %d: %s", ErrPositionUnavailable, resp.StatusCode, string(body))
	}

	var pos positionResponse
	if err := json.Unmarshal(body, &pos); err != nil {
		return Sample{}, fmt.Errorf("%w: failed to parse response: %w", ErrPositionUnavailable, err)
	}
	if pos.Latitude == nil || pos.Longitude == nil {
		return Sample{}, fmt.Errorf("%w: response has no coordinates", ErrPositionUnavailable)
	}

	s := Sample{
		Latitude:   *pos.Latitude,
		Longitude:  *pos.Longitude,
		Accuracy:   pos.Accuracy,
		CapturedAt: time.Now(),
	}
	if pos.Timestamp != nil {
		s.CapturedAt = *pos.Timestamp
	}
	return s, nil
}
