// Package logger records the trip as CSV: positions and navigation progress.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/mapdash/internal/nav"
)

// Logger records timestamped position + navigation data to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~2.7 hrs at 10 Hz)
)

var csvHeader = []string{
	"timestamp", "lat", "lon", "accuracy_m", "heading_deg", "speed_kph",
	"mode", "navigating", "step", "steps", "step_dist_m",
}

// Entry is one sample of the trip.
type Entry struct {
	Position     nav.Position
	State        nav.State
	Steps        int
	StepDistance float64 // meters to the current maneuver, -1 when none
}

// New creates a new Logger.
func New(cfg Config, log zerolog.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/mapdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 1000 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  maxRowsPerFile,
		log:      log,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a sample if the minimum interval has elapsed.
func (l *Logger) Record(now time.Time, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, e)); err != nil {
		l.log.Error().Err(err).Msg("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("trip_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("opened track log")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, e Entry) []string {
	row := make([]string, len(csvHeader))
	p := e.Position

	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = fmt.Sprintf("%.6f", p.Lat)
	row[2] = fmt.Sprintf("%.6f", p.Lon)
	row[3] = fmt.Sprintf("%.1f", p.Accuracy)
	if p.Heading != nil {
		row[4] = fmt.Sprintf("%.1f", *p.Heading)
	}
	row[5] = fmt.Sprintf("%.1f", p.Speed)
	row[6] = string(e.State.Mode)
	row[7] = boolStr(e.State.Navigating)
	row[8] = strconv.Itoa(e.State.CurrentStep)
	row[9] = strconv.Itoa(e.Steps)
	if e.StepDistance >= 0 {
		row[10] = fmt.Sprintf("%.1f", e.StepDistance)
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
