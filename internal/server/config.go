package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/mapdash/internal/gps"
	"github.com/shaunagostinho/mapdash/internal/logger"
	"github.com/shaunagostinho/mapdash/internal/logging"
	"github.com/shaunagostinho/mapdash/internal/mapbox"
	"github.com/shaunagostinho/mapdash/internal/nav"
	"github.com/shaunagostinho/mapdash/internal/session"
	"github.com/shaunagostinho/mapdash/internal/weather"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Position source
	GPS GPSConfig `yaml:"gps" json:"gps"`

	// External APIs
	Mapbox  MapboxConfig  `yaml:"mapbox" json:"mapbox"`
	Weather WeatherConfig `yaml:"weather" json:"weather"`

	// Turn-by-turn behaviour
	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type         string `yaml:"type" json:"type" validate:"oneof=nmea demo browser disabled"`
	PortPath     string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate     int    `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
	PollHz       int    `yaml:"poll_hz" json:"pollHz" validate:"gte=0,lte=50"`
	RetryDelayMs int    `yaml:"retry_delay_ms" json:"retryDelayMs" validate:"gte=0"` // wait before the single re-read after a sensor error
	MaxAgeMs     int    `yaml:"max_age_ms" json:"maxAgeMs" validate:"gte=0"`         // browser feed: readings older than this are stale
}

type MapboxConfig struct {
	AccessToken string `yaml:"access_token" json:"accessToken"` // public pk.* token, also used by the page
	BaseURL     string `yaml:"base_url" json:"baseUrl" validate:"omitempty,url"`
	Style       string `yaml:"style" json:"style"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeoutMs" validate:"gte=0"`
}

type WeatherConfig struct {
	APIKey      string `yaml:"api_key" json:"-"`
	BaseURL     string `yaml:"base_url" json:"baseUrl" validate:"omitempty,url"`
	Units       string `yaml:"units" json:"units" validate:"oneof=imperial metric standard"`
	IntervalSec int    `yaml:"interval_sec" json:"intervalSec" validate:"gte=0"`
}

type NavigationConfig struct {
	DefaultMode   string  `yaml:"default_mode" json:"defaultMode" validate:"oneof=driving driving-traffic walking cycling"`
	ArrivalRadius float64 `yaml:"arrival_radius_m" json:"arrivalRadiusM" validate:"gte=0"`
}

type DisplayConfig struct {
	Center [2]float64 `yaml:"center" json:"center"` // initial map center, lon/lat
	Zoom   float64    `yaml:"zoom" json:"zoom" validate:"gte=0,lte=22"`
	Style  string     `yaml:"style" json:"style"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Pretty   bool   `yaml:"pretty" json:"pretty"`
	Enabled  bool   `yaml:"enabled" json:"enabled"` // CSV track log
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs" validate:"gte=0"` // ms between track rows
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr" validate:"required"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz" validate:"gte=0,lte=60"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyGPS",
			BaudRate:     9600,
			PollHz:       10,
			RetryDelayMs: 5000,
			MaxAgeMs:     10000,
		},
		Mapbox: MapboxConfig{
			BaseURL:   "https://api.mapbox.com",
			Style:     "mapbox://styles/mapbox/dark-v11",
			TimeoutMs: 10000,
		},
		Weather: WeatherConfig{
			BaseURL:     "https://api.openweathermap.org",
			Units:       "imperial",
			IntervalSec: 600,
		},
		Navigation: NavigationConfig{
			DefaultMode:   "driving",
			ArrivalRadius: 20,
		},
		Display: DisplayConfig{
			Center: [2]float64{-74.5, 40},
			Zoom:   9,
			Style:  "mapbox://styles/mapbox/dark-v11",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Enabled:  false,
			Path:     "/var/log/mapdash",
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 2,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found or invalid.
func LoadConfig(path string, log zerolog.Logger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid config, using defaults")
		fresh := DefaultConfig()
		fresh.path = path
		fresh.Mapbox.AccessToken = cfg.Mapbox.AccessToken
		fresh.Weather.APIKey = cfg.Weather.APIKey
		cfg = fresh
	}
	return cfg
}

var configValidator = validator.New()

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TYPE, GPS_PORT, GPS_BAUD, MAPBOX_TOKEN, MAPBOX_BASE_URL,
// WEATHER_API_KEY, WEATHER_BASE_URL, WEATHER_UNITS, TRAVEL_MODE,
// ARRIVAL_RADIUS_M, LISTEN_ADDR, LOG_LEVEL, LOG_PRETTY, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("MAPBOX_TOKEN"); v != "" {
		c.Mapbox.AccessToken = v
	}
	if v := os.Getenv("MAPBOX_BASE_URL"); v != "" {
		c.Mapbox.BaseURL = v
	}
	if v := os.Getenv("WEATHER_API_KEY"); v != "" {
		c.Weather.APIKey = v
	}
	if v := os.Getenv("WEATHER_BASE_URL"); v != "" {
		c.Weather.BaseURL = v
	}
	if v := os.Getenv("WEATHER_UNITS"); v != "" {
		c.Weather.Units = v
	}
	if v := os.Getenv("TRAVEL_MODE"); v != "" {
		c.Navigation.DefaultMode = v
	}
	if v := os.Getenv("ARRIVAL_RADIUS_M"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Navigation.ArrivalRadius = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		c.Logging.Pretty = isTrue(v)
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = isTrue(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

func isTrue(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// LogSettings returns the settings for the root logger.
func (c *Config) LogSettings() logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logging.Config{Level: c.Logging.Level, Pretty: c.Logging.Pretty}
}

// TrackSettings returns the settings for the CSV track log.
func (c *Config) TrackSettings() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{Enabled: c.Logging.Enabled, Path: c.Logging.Path, IntervalMs: c.Logging.Interval}
}

func (c *Config) NMEASettings() gps.NMEAConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gps.NMEAConfig{PortPath: c.GPS.PortPath, BaudRate: c.GPS.BaudRate}
}

func (c *Config) MapboxSettings() mapbox.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mapbox.Config{
		BaseURL:     c.Mapbox.BaseURL,
		AccessToken: c.Mapbox.AccessToken,
		Timeout:     time.Duration(c.Mapbox.TimeoutMs) * time.Millisecond,
	}
}

func (c *Config) WeatherSettings() weather.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return weather.Config{
		BaseURL: c.Weather.BaseURL,
		APIKey:  c.Weather.APIKey,
		Units:   c.Weather.Units,
	}
}

// SessionSettings returns the navigation settings for a new session.
func (c *Config) SessionSettings() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.Config{
		DefaultMode:     nav.TravelMode(c.Navigation.DefaultMode),
		ArrivalRadius:   c.Navigation.ArrivalRadius,
		WeatherInterval: time.Duration(c.Weather.IntervalSec) * time.Second,
	}
}

func (c *Config) pollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hzToInterval(c.GPS.PollHz, 10)
}

func (c *Config) broadcastInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hzToInterval(c.Server.BroadcastHz, 2)
}

func (c *Config) retryDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.GPS.RetryDelayMs) * time.Millisecond
}

// startupSettings are the sections only read when the process starts.
type startupSettings struct {
	GPS     GPSConfig
	Mapbox  MapboxConfig
	Weather WeatherConfig
	Server  ServerConfig
}

func (c *Config) startupSettings() startupSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ws := c.Weather
	ws.IntervalSec = 0 // applied live
	return startupSettings{GPS: c.GPS, Mapbox: c.Mapbox, Weather: ws, Server: c.Server}
}

func hzToInterval(hz, fallback int) time.Duration {
	if hz <= 0 {
		hz = fallback
	}
	return time.Second / time.Duration(hz)
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/mapdash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API. The weather key is never exposed.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DisplaySnapshot returns a copy of the display section plus the map token
// the page needs to render tiles.
func (c *Config) DisplaySnapshot() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientConfig{
		Display:     c.Display,
		AccessToken: c.Mapbox.AccessToken,
		DefaultMode: c.Navigation.DefaultMode,
	}
}

// ClientConfig is the slice of configuration sent to the page.
type ClientConfig struct {
	Display     DisplayConfig `json:"display"`
	AccessToken string        `json:"accessToken"`
	DefaultMode string        `json:"defaultMode"`
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
// The result is validated; an invalid update leaves the config unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	next := c.clone()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := configValidator.Struct(next); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.copyFrom(next)
	return nil
}

// clone copies the exported sections. Must be called with c.mu held.
func (c *Config) clone() *Config {
	return &Config{
		GPS:        c.GPS,
		Mapbox:     c.Mapbox,
		Weather:    c.Weather,
		Navigation: c.Navigation,
		Display:    c.Display,
		Logging:    c.Logging,
		Server:     c.Server,
		path:       c.path,
	}
}

// copyFrom must be called with c.mu held.
func (c *Config) copyFrom(o *Config) {
	c.GPS = o.GPS
	c.Mapbox = o.Mapbox
	c.Weather = o.Weather
	c.Navigation = o.Navigation
	c.Display = o.Display
	c.Logging = o.Logging
	c.Server = o.Server
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
