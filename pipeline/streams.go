package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/kwv/routemesh/route"
)

// StreamLatLng is the stream key carrying [lat, lng] pairs.
const StreamLatLng = "latlng"

// Streams holds the per-activity sample streams returned by the upstream API.
type Streams struct {
	LatLng [][2]float64 `json:"latlng"`
}

// UnmarshalJSON accepts both the flat form {"latlng": [[lat, lng], ...]} and
// the keyed form {"latlng": {"data": [[lat, lng], ...]}}.
func (s *Streams) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ll, ok := raw[StreamLatLng]
	if !ok {
		return nil
	}
	if bytes.HasPrefix(bytes.TrimSpace(ll), []byte("{")) {
		var keyed struct {
			Data [][2]float64 `json:"data"`
		}
		if err := json.Unmarshal(ll, &keyed); err != nil {
			return fmt.Errorf("latlng stream: %w", err)
		}
		s.LatLng = keyed.Data
		return nil
	}
	if err := json.Unmarshal(ll, &s.LatLng); err != nil {
		return fmt.Errorf("latlng stream: %w", err)
	}
	return nil
}

// Points returns the latlng stream as RoutePoints.
func (s *Streams) Points() []route.RoutePoint {
	if s == nil {
		return nil
	}
	return route.PointsFromPairs(s.LatLng)
}

// StreamProvider fetches activity streams from the upstream fitness API.
type StreamProvider interface {
	GetActivityStreams(ctx context.Context, activityID string, keys []string) (*Streams, error)
}

// HTTPStreamProvider reads streams from {base}/activities/{id}/streams.
type HTTPStreamProvider struct {
	baseURL string
	cfg     fetchConfig
}

// NewHTTPStreamProvider creates a provider for baseURL. A non-empty token is
// sent as a bearer credential.
func NewHTTPStreamProvider(baseURL, token string, opts ...FetchOption) (*HTTPStreamProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("stream provider: base URL is empty")
	}
	if token != "" {
		opts = append(opts, WithHeader("Authorization", "Bearer "+token))
	}
	return &HTTPStreamProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     newFetchConfig(opts),
	}, nil
}

// GetActivityStreams implements StreamProvider.
func (p *HTTPStreamProvider) GetActivityStreams(ctx context.Context, activityID string, keys []string) (*Streams, error) {
	u := fmt.Sprintf("%s/activities/%s/streams?keys=%s&key_by_type=true",
		p.baseURL, url.PathEscape(activityID), url.QueryEscape(strings.Join(keys, ",")))

	body, err := getWithRetry(ctx, p.cfg, u)
	if err != nil {
		return nil, fmt.Errorf("fetch streams for %s: %w", activityID, err)
	}

	var s Streams
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("fetch streams for %s: parsing JSON: %w", activityID, err)
	}
	return &s, nil
}
