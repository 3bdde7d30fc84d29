package gps

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/mapdash/internal/nav"
)

// Provider is the interface for position sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest fix. May block briefly.
	Read() (*Data, error)
}

// ErrNoFix is returned when a fix is not valid yet.
var ErrNoFix = errors.New("gps: no valid fix")

// uere is the nominal user-equivalent range error (meters) used to turn
// HDOP into a horizontal accuracy radius.
const uere = 5.0

// Data holds a single fix.
type Data struct {
	Valid      bool     `json:"valid"`             // Fix is valid
	Latitude   float64  `json:"latitude"`          // Decimal degrees
	Longitude  float64  `json:"longitude"`         // Decimal degrees
	Accuracy   float64  `json:"accuracy"`          // Meters, 0 = unknown
	Speed      float64  `json:"speed"`             // km/h
	Heading    *float64 `json:"heading,omitempty"` // Degrees true, nil when unknown
	Altitude   float64  `json:"altitude"`          // Meters
	Satellites int      `json:"satellites"`        // Sats in use
	FixQuality int      `json:"fixQuality"`        // 0=none, 1=GPS, 2=DGPS
	HDOP       float64  `json:"hdop"`              // Horizontal dilution
	Timestamp  string   `json:"timestamp"`         // UTC time string
}

// Position converts the fix into a validated navigation position.
func (d *Data) Position() (nav.Position, error) {
	if d == nil || !d.Valid {
		return nav.Position{}, ErrNoFix
	}
	acc := d.Accuracy
	if acc == 0 && d.HDOP > 0 {
		acc = d.HDOP * uere
	}
	pos := nav.Position{
		Lon:      d.Longitude,
		Lat:      d.Latitude,
		Accuracy: acc,
		Heading:  d.Heading,
		Speed:    d.Speed,
	}
	if err := pos.Validate(); err != nil {
		return nav.Position{}, err
	}
	return pos, nil
}

// ReadWithRetry reads a fix and, when the sensor reports an error, waits
// delay and tries exactly once more.
func ReadWithRetry(ctx context.Context, p Provider, delay time.Duration) (*Data, error) {
	data, err := p.Read()
	if err == nil {
		return data, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	return p.Read()
}
