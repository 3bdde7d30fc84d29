package server

import (
	"math"
	"sync"

	"github.com/paulmach/orb/geo"

	"github.com/shaunagostinho/mapdash/internal/nav"
)

const (
	odoMaxJump = 500.0 // meters per fix; larger jumps are treated as glitches
	odoMinMove = 2.0   // meters; filters jitter while stationary
)

// OdoData is the trip distance sent to clients.
type OdoData struct {
	Meters float64 `json:"meters"`
	Text   string  `json:"text"`
}

// odometer accumulates distance travelled since the active route was set.
type odometer struct {
	mu    sync.Mutex
	trip  float64
	last  nav.Position
	valid bool
}

// update accumulates distance from position changes.
func (o *odometer) update(pos nav.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.valid {
		// First valid fix: seed position, don't accumulate
		o.last = pos
		o.valid = true
		return
	}

	dist := geo.DistanceHaversine(o.last.Point(), pos.Point())
	if dist > odoMaxJump {
		o.last = pos
		return
	}
	if dist > odoMinMove {
		o.trip += dist
		o.last = pos
	}
}

func (o *odometer) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trip = 0
}

func (o *odometer) snapshot() *OdoData {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := math.Round(o.trip*10) / 10
	return &OdoData{Meters: m, Text: nav.FormatRouteDistance(m)}
}
