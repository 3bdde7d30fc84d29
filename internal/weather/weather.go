// Package weather fetches current conditions for the dashboard widget.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultBaseURL = "https://api.openweathermap.org"
	iconURLFormat  = "https://openweathermap.org/img/wn/%s.png"
)

// ErrNoResults is returned when the API answers without any conditions.
var ErrNoResults = errors.New("weather: no conditions in response")

// Config holds the client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Units   string // "imperial", "metric" or "standard"
	Timeout time.Duration
}

// Client queries the current-weather endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	units      string
	httpClient *http.Client
	validate   *validator.Validate
}

// Report is what the weather widget shows.
type Report struct {
	Temp        int    `json:"temp"`
	Unit        string `json:"unit"` // "°F", "°C" or "K"
	Description string `json:"description"`
	Icon        string `json:"icon"`
	IconURL     string `json:"iconUrl"`
}

type currentResponse struct {
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon" validate:"required"`
	} `json:"weather" validate:"dive"`
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Units == "" {
		cfg.Units = "imperial"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		units:      cfg.Units,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		validate:   validator.New(),
	}
}

// Current returns the conditions at lat/lon.
func (c *Client) Current(ctx context.Context, lat, lon float64) (*Report, error) {
	q := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":   {strconv.FormatFloat(lon, 'f', -1, 64)},
		"appid": {c.apiKey},
		"units": {c.units},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: unexpected status %d", resp.StatusCode)
	}

	var body currentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather: decode response: %w", err)
	}
	if err := c.validate.Struct(&body); err != nil {
		return nil, fmt.Errorf("weather: invalid response: %w", err)
	}
	if len(body.Weather) == 0 {
		return nil, ErrNoResults
	}

	w := body.Weather[0]
	return &Report{
		Temp:        int(math.Round(body.Main.Temp)),
		Unit:        unitSymbol(c.units),
		Description: w.Description,
		Icon:        w.Icon,
		IconURL:     fmt.Sprintf(iconURLFormat, w.Icon),
	}, nil
}

func unitSymbol(units string) string {
	switch units {
	case "metric":
		return "°C"
	case "standard":
		return "K"
	default:
		return "°F"
	}
}
