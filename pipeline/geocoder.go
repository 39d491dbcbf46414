package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluele/gcache"
	"golang.org/x/time/rate"

	"github.com/kwv/routemesh/route"
)

// Geocoder resolves a coordinate to a short human-readable place name. An
// empty name with a nil error means the location has no usable name.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// NominatimGeocoder queries an OpenStreetMap Nominatim /reverse endpoint.
type NominatimGeocoder struct {
	baseURL string
	cfg     fetchConfig
}

// NewNominatimGeocoder creates a geocoder for baseURL. Nominatim's usage
// policy requires an identifying User-Agent.
func NewNominatimGeocoder(baseURL, userAgent string, opts ...FetchOption) (*NominatimGeocoder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("geocoder: base URL is empty")
	}
	if userAgent != "" {
		opts = append(opts, WithHeader("User-Agent", userAgent))
	}
	return &NominatimGeocoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     newFetchConfig(opts),
	}, nil
}

type nominatimResponse struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Address     map[string]string `json:"address"`
	Error       string            `json:"error"`
}

// addressKeys are tried in order when the result has no name of its own.
var addressKeys = []string{"leisure", "park", "road", "neighbourhood", "suburb", "village", "town", "city"}

// ReverseGeocode implements Geocoder.
func (g *NominatimGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lng))
	q.Set("zoom", "16")
	body, err := getWithRetry(ctx, g.cfg, g.baseURL+"/reverse?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}

	var resp nominatimResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("reverse geocode: parsing JSON: %w", err)
	}
	if resp.Error != "" {
		return "", nil
	}
	if resp.Name != "" {
		return resp.Name, nil
	}
	for _, k := range addressKeys {
		if v := resp.Address[k]; v != "" {
			return v, nil
		}
	}
	if first, _, _ := strings.Cut(resp.DisplayName, ","); first != "" {
		return strings.TrimSpace(first), nil
	}
	return "", nil
}

// cachedGeocoder wraps a Geocoder with a request rate ceiling and an LRU of
// resolved names keyed by rounded coordinates.
type cachedGeocoder struct {
	inner   Geocoder
	limiter *rate.Limiter
	cache   gcache.Cache
}

func newCachedGeocoder(inner Geocoder, cfg route.GeocoderConfig) *cachedGeocoder {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}
	return &cachedGeocoder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cache:   gcache.New(size).LRU().Build(),
	}
}

// geocodeKey rounds to about 11 m so repeated starts share an entry.
func geocodeKey(lat, lng float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lng)
}

func (g *cachedGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	key := geocodeKey(lat, lng)
	if v, err := g.cache.Get(key); err == nil {
		return v.(string), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return "", err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	name, err := g.inner.ReverseGeocode(ctx, lat, lng)
	if err != nil {
		return "", err
	}
	_ = g.cache.Set(key, name)
	return name, nil
}
