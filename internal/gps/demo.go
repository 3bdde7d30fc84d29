package gps

import (
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// demoCenter is where the simulated receiver idles before a route exists.
var demoCenter = orb.Point{-74.5, 40}

// DemoGPS generates simulated GPS data for testing. It circles demoCenter
// until SetPath hands it a route, then drives along the route at a fixed
// speed and parks at the end.
type DemoGPS struct {
	mu       sync.Mutex
	t        float64
	interval time.Duration // simulated time per Read
	speedKph float64

	path     orb.LineString
	traveled float64 // meters along path
}

// NewDemoGPS creates a demo receiver that advances by interval on each Read.
func NewDemoGPS(interval time.Duration) *DemoGPS {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &DemoGPS{interval: interval, speedKph: 36}
}

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

// SetPath restarts the simulation at the beginning of line.
func (d *DemoGPS) SetPath(line orb.LineString) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = append(orb.LineString(nil), line...)
	d.traveled = 0
}

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += d.interval.Seconds()

	if len(d.path) >= 2 {
		return d.followPath(), nil
	}

	// Circle the center (~500m radius)
	radius := 0.005
	heading := math.Mod(d.t*10, 360)
	return &Data{
		Valid:      true,
		Latitude:   demoCenter.Lat() + radius*math.Sin(d.t*0.1),
		Longitude:  demoCenter.Lon() + radius*math.Cos(d.t*0.1),
		Accuracy:   4,
		Speed:      d.speedKph,
		Heading:    &heading,
		Altitude:   76,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}

func (d *DemoGPS) followPath() *Data {
	d.traveled += d.speedKph / 3.6 * d.interval.Seconds()

	pos, heading, done := pointAlong(d.path, d.traveled)
	speed := d.speedKph
	if done {
		speed = 0
	}
	return &Data{
		Valid:      true,
		Latitude:   pos.Lat(),
		Longitude:  pos.Lon(),
		Accuracy:   4,
		Speed:      speed,
		Heading:    &heading,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}
}

// pointAlong walks meters along line and returns the point reached, the
// heading of the segment it lies on, and whether the end was reached.
func pointAlong(line orb.LineString, meters float64) (orb.Point, float64, bool) {
	for i := 1; i < len(line); i++ {
		a, b := line[i-1], line[i]
		seg := geo.DistanceHaversine(a, b)
		if meters <= seg && seg > 0 {
			f := meters / seg
			p := orb.Point{a[0] + (b[0]-a[0])*f, a[1] + (b[1]-a[1])*f}
			return p, normalizeBearing(geo.Bearing(a, b)), false
		}
		meters -= seg
	}
	last, prev := line[len(line)-1], line[len(line)-2]
	return last, normalizeBearing(geo.Bearing(prev, last)), true
}

func normalizeBearing(b float64) float64 {
	return math.Mod(b+360, 360)
}
