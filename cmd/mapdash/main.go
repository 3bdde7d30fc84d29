package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/mapdash/internal/gps"
	"github.com/shaunagostinho/mapdash/internal/logging"
	"github.com/shaunagostinho/mapdash/internal/mapbox"
	"github.com/shaunagostinho/mapdash/internal/server"
	"github.com/shaunagostinho/mapdash/internal/session"
	"github.com/shaunagostinho/mapdash/internal/weather"
	"github.com/shaunagostinho/mapdash/web"
)

func main() {
	configPath := flag.String("config", "/etc/mapdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated GPS that drives the active route")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	pretty := flag.Bool("pretty", false, "Human-readable console logs")
	flag.Parse()

	// Bootstrap logger until the config tells us the level
	boot := logging.Setup(logging.Config{Level: "info", Pretty: *pretty}, os.Stderr)

	cfg := server.LoadConfig(*configPath, logging.Component(boot, "config"))

	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	lc := cfg.LogSettings()
	lc.Pretty = lc.Pretty || *pretty
	log := logging.Setup(lc, os.Stderr)
	mainLog := logging.Component(log, "main")
	mainLog.Info().Msg("mapdash starting")

	if cfg.Mapbox.AccessToken == "" {
		mainLog.Warn().Msg("no mapbox token configured (MAPBOX_TOKEN); search and routing will fail")
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Initialize position sensor
	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(cfg.NMEASettings(), logging.Component(log, "gps"))
	case "browser":
		gpsProv = gps.NewBrowserFeed(time.Duration(cfg.GPS.MaxAgeMs) * time.Millisecond)
	case "disabled":
		gpsProv = nil
	default:
		gpsProv = gps.NewDemoGPS(time.Second / time.Duration(max(cfg.GPS.PollHz, 1)))
	}

	// Try connecting with exponential backoff (non-blocking, dashboard starts regardless)
	if gpsProv != nil {
		go connectWithRetry(ctx, logging.Component(log, "gps"), gpsProv, 10)
		defer gpsProv.Close()
	}

	mb := mapbox.New(cfg.MapboxSettings())
	var ws session.WeatherSource
	if cfg.Weather.APIKey != "" {
		ws = weather.New(cfg.WeatherSettings())
	} else {
		mainLog.Info().Msg("no weather api key (WEATHER_API_KEY); weather widget disabled")
	}

	sess := session.New(cfg.SessionSettings(), mb, mb, ws, logging.Component(log, "session"))

	// Start server, works immediately even if the GPS is still connecting
	srv := server.New(cfg, sess, gpsProv, web.FS, logging.Component(log, "server"))
	if err := srv.Run(ctx); err != nil {
		mainLog.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log zerolog.Logger, p gps.Provider, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.Connect(); err != nil {
			attempt++
			ev := log.Warn().Err(err).Str("sensor", p.Name()).Int("attempt", attempt).Dur("retry_in", delay)
			if attempt <= maxAttempts {
				ev = ev.Int("max_attempts", maxAttempts)
			}
			ev.Msg("connect failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Info().Str("sensor", p.Name()).Int("attempt", attempt+1).Msg("connected")
			return
		}
	}
}
