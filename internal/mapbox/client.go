// Package mapbox wraps the directions and geocoding HTTP APIs.
package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/shaunagostinho/mapdash/internal/nav"
)

// DefaultBaseURL is the public Mapbox API endpoint.
const DefaultBaseURL = "https://api.mapbox.com"

// ErrNoResults means the API answered but had nothing to offer
// (no route between the points, no place matching the query).
var ErrNoResults = errors.New("mapbox: no results")

// Config holds the client settings.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client talks to the directions and geocoding endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validate   *validator.Validate
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AccessToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		validate:   validator.New(),
	}
}

type maneuver struct {
	Type        string    `json:"type"`
	Instruction string    `json:"instruction"`
	Location    []float64 `json:"location" validate:"len=2"`
}

type step struct {
	Maneuver maneuver `json:"maneuver"`
	Distance float64  `json:"distance" validate:"gte=0"`
}

type leg struct {
	Steps []step `json:"steps" validate:"dive"`
}

type route struct {
	Distance float64 `json:"distance" validate:"gte=0"`
	Geometry struct {
		Coordinates [][]float64 `json:"coordinates" validate:"dive,len=2"`
	} `json:"geometry"`
	Legs []leg `json:"legs" validate:"min=1,dive"`
}

type directionsResponse struct {
	Routes []route `json:"routes" validate:"dive"`
}

type feature struct {
	Center    []float64 `json:"center" validate:"len=2"`
	PlaceName string    `json:"place_name"`
}

type geocodeResponse struct {
	Features []feature `json:"features" validate:"dive"`
}

// Directions fetches a route from one point to another with step-level
// maneuvers and GeoJSON geometry. Only the first route and its first leg
// are used.
func (c *Client) Directions(ctx context.Context, mode nav.TravelMode, from, to orb.Point) (*nav.Route, error) {
	u := fmt.Sprintf("%s/directions/v5/mapbox/%s/%s;%s?%s",
		c.baseURL, mode, coordPair(from), coordPair(to), url.Values{
			"steps":        {"true"},
			"geometries":   {"geojson"},
			"access_token": {c.token},
		}.Encode())

	var resp directionsResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("directions: %w", err)
	}
	if len(resp.Routes) == 0 {
		return nil, fmt.Errorf("directions: %w", ErrNoResults)
	}

	r := resp.Routes[0]
	out := &nav.Route{
		DistanceMeters: r.Distance,
		Geometry:       make(orb.LineString, 0, len(r.Geometry.Coordinates)),
		Steps:          make([]nav.RouteStep, 0, len(r.Legs[0].Steps)),
		Mode:           mode,
	}
	for _, xy := range r.Geometry.Coordinates {
		out.Geometry = append(out.Geometry, orb.Point{xy[0], xy[1]})
	}
	for _, s := range r.Legs[0].Steps {
		out.Steps = append(out.Steps, nav.RouteStep{
			Location:       orb.Point{s.Maneuver.Location[0], s.Maneuver.Location[1]},
			Instruction:    s.Maneuver.Instruction,
			ManeuverType:   s.Maneuver.Type,
			DistanceMeters: s.Distance,
		})
	}
	return out, nil
}

// Geocode resolves a free-text place name to the center of the best match.
func (c *Client) Geocode(ctx context.Context, query string) (orb.Point, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return orb.Point{}, fmt.Errorf("geocode: empty query: %w", ErrNoResults)
	}
	u := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?%s",
		c.baseURL, url.PathEscape(query), url.Values{"access_token": {c.token}}.Encode())

	var resp geocodeResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return orb.Point{}, fmt.Errorf("geocode %q: %w", query, err)
	}
	if len(resp.Features) == 0 {
		return orb.Point{}, fmt.Errorf("geocode %q: %w", query, ErrNoResults)
	}
	center := resp.Features[0].Center
	return orb.Point{center[0], center[1]}, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func coordPair(p orb.Point) string {
	return fmt.Sprintf("%f,%f", p.Lon(), p.Lat())
}

// RouteFeature builds the GeoJSON line overlay for a route.
func RouteFeature(r *nav.Route) *geojson.Feature {
	if r == nil {
		return nil
	}
	f := geojson.NewFeature(r.Geometry)
	f.Properties["distance"] = r.DistanceMeters
	f.Properties["mode"] = string(r.Mode)
	return f
}
