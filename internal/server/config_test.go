package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/mapdash/internal/nav"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.pollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.broadcastInterval())
	assert.Equal(t, 5*time.Second, cfg.retryDelay())
}

func TestLoadConfig_Missing(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), zerolog.Nop())
	assert.Equal(t, "demo", cfg.GPS.Type)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfig_YAMLEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
gps:
  type: nmea
  port_path: /dev/ttyUSB0
navigation:
  default_mode: walking
server:
  listen_addr: ":9090"
`)
	writeFile(t, filepath.Join(dir, ".env"), "# keys\nWEATHER_API_KEY=\"from-dotenv\"\nMAPBOX_TOKEN=pk.dotenv\n")

	t.Setenv("WEATHER_API_KEY", "")
	t.Setenv("MAPBOX_TOKEN", "pk.real-env")
	t.Setenv("ARRIVAL_RADIUS_M", "15")

	cfg := LoadConfig(path, zerolog.Nop())
	assert.Equal(t, "nmea", cfg.GPS.Type)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GPS.PortPath)
	assert.Equal(t, 9600, cfg.GPS.BaudRate) // default kept
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "from-dotenv", cfg.Weather.APIKey)
	assert.Equal(t, "pk.real-env", cfg.Mapbox.AccessToken) // real env wins over .env
	assert.Equal(t, 15.0, cfg.Navigation.ArrivalRadius)

	sc := cfg.SessionSettings()
	assert.Equal(t, nav.Walking, sc.DefaultMode)
	assert.Equal(t, 15.0, sc.ArrivalRadius)
	assert.Equal(t, 10*time.Minute, sc.WeatherInterval)
}

func TestLoadConfig_InvalidFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "navigation:\n  default_mode: teleport\n")
	t.Setenv("MAPBOX_TOKEN", "pk.keep")

	cfg := LoadConfig(path, zerolog.Nop())
	assert.Equal(t, "driving", cfg.Navigation.DefaultMode)
	assert.Equal(t, "pk.keep", cfg.Mapbox.AccessToken)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "gps: [unterminated")

	cfg := LoadConfig(path, zerolog.Nop())
	assert.Equal(t, "demo", cfg.GPS.Type)
}

func TestUpdateFromJSON_DeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weather.APIKey = "secret"

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"navigation":{"arrivalRadiusM":30},"display":{"zoom":12}}`)))
	assert.Equal(t, 30.0, cfg.Navigation.ArrivalRadius)
	assert.Equal(t, "driving", cfg.Navigation.DefaultMode)
	assert.Equal(t, 12.0, cfg.Display.Zoom)
	assert.Equal(t, [2]float64{-74.5, 40}, cfg.Display.Center)
	assert.Equal(t, "secret", cfg.Weather.APIKey)
}

func TestUpdateFromJSON_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.UpdateFromJSON([]byte(`{"navigation":{"defaultMode":"hovercraft"}}`))
	require.Error(t, err)
	assert.Equal(t, "driving", cfg.Navigation.DefaultMode)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}

func TestToJSON_HidesWeatherKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weather.APIKey = "secret"

	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"defaultMode":"driving"`)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.GPS.Type = "browser"
	cfg.Navigation.ArrivalRadius = 25
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path, zerolog.Nop())
	assert.Equal(t, "browser", loaded.GPS.Type)
	assert.Equal(t, 25.0, loaded.Navigation.ArrivalRadius)
}

func TestHzToInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, hzToInterval(10, 2))
	assert.Equal(t, 500*time.Millisecond, hzToInterval(0, 2))
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.UpdateFromJSON([]byte(`{"logging":{"level":"verbose"}}`)))
	assert.Equal(t, "info", cfg.LogSettings().Level)

	t.Setenv("LOG_LEVEL", "DEBUG")
	loaded := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), zerolog.Nop())
	assert.Equal(t, "debug", loaded.LogSettings().Level)
}
