package gps

import (
	"errors"
	"sync"
	"time"
)

// Coords mirrors the coords object of a browser Geolocation position.
type Coords struct {
	Longitude float64  `json:"longitude"`
	Latitude  float64  `json:"latitude"`
	Accuracy  float64  `json:"accuracy"`
	Heading   *float64 `json:"heading"`
	Speed     *float64 `json:"speed"` // m/s
}

// errStale is returned when the page has not reported a position recently.
var errStale = errors.New("gps: browser position is stale")

// BrowserFeed is fed by the dashboard page, which forwards its own
// Geolocation readings over the WebSocket.
type BrowserFeed struct {
	mu      sync.Mutex
	last    *Data
	updated time.Time
	maxAge  time.Duration
	now     func() time.Time
}

// NewBrowserFeed creates a feed whose readings expire after maxAge.
func NewBrowserFeed(maxAge time.Duration) *BrowserFeed {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &BrowserFeed{maxAge: maxAge, now: time.Now}
}

func (b *BrowserFeed) Name() string   { return "Browser Geolocation" }
func (b *BrowserFeed) Connect() error { return nil }
func (b *BrowserFeed) Close() error   { return nil }

// Push records a reading from the page.
func (b *BrowserFeed) Push(c Coords) {
	d := &Data{
		Valid:     true,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Accuracy:  c.Accuracy,
		Heading:   c.Heading,
	}
	if c.Speed != nil {
		d.Speed = *c.Speed * 3.6
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.updated = b.now()
	d.Timestamp = b.updated.UTC().Format("150405.00")
	b.last = d
}

func (b *BrowserFeed) Read() (*Data, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil, ErrNoFix
	}
	if b.now().Sub(b.updated) > b.maxAge {
		return nil, errStale
	}
	fix := *b.last
	return &fix, nil
}
