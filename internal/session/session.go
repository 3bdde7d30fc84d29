// Package session owns the dashboard's navigation session: where the user
// is, where they are going, the active route and the progress through it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/mapdash/internal/mapbox"
	"github.com/shaunagostinho/mapdash/internal/nav"
	"github.com/shaunagostinho/mapdash/internal/weather"
)

var (
	// ErrNoRoute is returned when navigation is started without a route.
	ErrNoRoute = errors.New("session: no active route")
	// ErrNoPosition is returned when a route is needed before the first fix.
	ErrNoPosition = errors.New("session: user position unknown")
	// ErrSuperseded marks a response that arrived after a newer request was made.
	ErrSuperseded = errors.New("session: superseded by a newer request")
)

// Router fetches a route between two points.
type Router interface {
	Directions(ctx context.Context, mode nav.TravelMode, from, to orb.Point) (*nav.Route, error)
}

// Geocoder resolves a place name.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (orb.Point, error)
}

// WeatherSource returns current conditions at a location.
type WeatherSource interface {
	Current(ctx context.Context, lat, lon float64) (*weather.Report, error)
}

// Config holds session settings.
type Config struct {
	DefaultMode     nav.TravelMode
	ArrivalRadius   float64       // meters
	WeatherInterval time.Duration // minimum time between weather refreshes
}

// Session is safe for concurrent use. Network calls are made without
// holding the lock; generation counters decide which response wins.
type Session struct {
	id           string
	router       Router
	geocoder     Geocoder
	weather      WeatherSource
	log          zerolog.Logger
	now          func() time.Time

	mu           sync.Mutex
	tracker      nav.Tracker
	weatherEvery time.Duration
	position     *nav.Position
	destination  *orb.Point
	route        *nav.Route
	state        nav.State
	camera       *nav.Camera
	cameraSeq    uint64
	report       *weather.Report
	lastWeather  time.Time
	routeGen     uint64
	weatherGen   uint64

	listenersMu sync.RWMutex
	onChange    []func()
	onRoute     []func(*nav.Route)
}

// New creates a session. weather may be nil to disable the widget.
func New(cfg Config, router Router, geocoder Geocoder, ws WeatherSource, log zerolog.Logger) *Session {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = nav.Driving
	}
	if cfg.WeatherInterval <= 0 {
		cfg.WeatherInterval = 10 * time.Minute
	}
	id := uuid.NewString()
	return &Session{
		id:           id,
		router:       router,
		geocoder:     geocoder,
		weather:      ws,
		tracker:      nav.Tracker{Radius: cfg.ArrivalRadius},
		weatherEvery: cfg.WeatherInterval,
		log:          log.With().Str("session", id).Logger(),
		now:          time.Now,
		state:        nav.Reset(cfg.DefaultMode),
	}
}

// Reconfigure applies changed navigation settings to the running session.
// The default mode replaces the current one only while no destination is set.
func (s *Session) Reconfigure(cfg Config) {
	if cfg.WeatherInterval <= 0 {
		cfg.WeatherInterval = 10 * time.Minute
	}
	s.mu.Lock()
	s.tracker = nav.Tracker{Radius: cfg.ArrivalRadius}
	s.weatherEvery = cfg.WeatherInterval
	if cfg.DefaultMode != "" && s.destination == nil && !s.state.Navigating {
		s.state.Mode = cfg.DefaultMode
	}
	s.mu.Unlock()

	s.log.Info().
		Float64("arrival_radius_m", cfg.ArrivalRadius).
		Dur("weather_interval", cfg.WeatherInterval).
		Msg("session reconfigured")
	s.notify()
}

// ID identifies the session in logs and frames.
func (s *Session) ID() string { return s.id }

// OnChange registers fn to be called after every state change.
func (s *Session) OnChange(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnRoute registers fn to be called whenever a new route becomes active.
func (s *Session) OnRoute(fn func(*nav.Route)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.onRoute = append(s.onRoute, fn)
}

func (s *Session) notify() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.onChange {
		fn()
	}
}

func (s *Session) notifyRoute(r *nav.Route) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.onRoute {
		fn(r)
	}
}

// setCamera must be called with s.mu held.
func (s *Session) setCamera(c nav.Camera) {
	s.camera = &c
	s.cameraSeq++
}

// Search geocodes query and makes the best match the destination. On
// failure the session is left as it was.
func (s *Session) Search(ctx context.Context, query string) error {
	p, err := s.geocoder.Geocode(ctx, query)
	if err != nil {
		s.logFailure(err, "geocode failed")
		return err
	}
	s.log.Info().Str("query", query).Float64("lon", p.Lon()).Float64("lat", p.Lat()).Msg("destination found")
	return s.SetDestination(ctx, p)
}

// SetDestination stores the destination and fetches a route from the
// current position when one is known.
func (s *Session) SetDestination(ctx context.Context, dest orb.Point) error {
	s.mu.Lock()
	s.destination = &dest
	havePos := s.position != nil
	s.mu.Unlock()

	if !havePos {
		s.notify()
		return nil
	}

	err := s.fetchRoute(ctx)
	if err == nil {
		s.mu.Lock()
		if s.position != nil && s.destination != nil {
			s.setCamera(nav.OverviewCamera(s.position.Point(), *s.destination))
		}
		s.mu.Unlock()
		s.notify()
	}
	return err
}

// SetTravelMode switches the routing profile and re-fetches the route if
// a destination is set.
func (s *Session) SetTravelMode(ctx context.Context, mode nav.TravelMode) error {
	if _, err := nav.ParseTravelMode(string(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Mode = mode
	refetch := s.destination != nil && s.position != nil
	s.mu.Unlock()

	s.log.Info().Str("mode", string(mode)).Msg("travel mode changed")
	if !refetch {
		s.notify()
		return nil
	}
	return s.fetchRoute(ctx)
}

// RefreshRoute re-fetches the route from the current position.
func (s *Session) RefreshRoute(ctx context.Context) error {
	return s.fetchRoute(ctx)
}

func (s *Session) fetchRoute(ctx context.Context) error {
	s.mu.Lock()
	if s.position == nil || s.destination == nil {
		s.mu.Unlock()
		return ErrNoPosition
	}
	s.routeGen++
	gen := s.routeGen
	from, to, mode := s.position.Point(), *s.destination, s.state.Mode
	s.mu.Unlock()

	route, err := s.router.Directions(ctx, mode, from, to)

	s.mu.Lock()
	if gen != s.routeGen {
		latest := s.routeGen
		s.mu.Unlock()
		s.log.Debug().Uint64("generation", gen).Uint64("latest", latest).Msg("discarding superseded route response")
		return ErrSuperseded
	}
	if err != nil {
		s.mu.Unlock()
		s.logFailure(err, "route request failed")
		return err
	}
	s.route = route
	s.state = nav.Reset(mode)
	s.mu.Unlock()

	s.log.Info().
		Str("mode", string(mode)).
		Int("steps", len(route.Steps)).
		Float64("distance_m", route.DistanceMeters).
		Uint64("generation", gen).
		Msg("route updated")
	s.notifyRoute(route)
	s.notify()
	return nil
}

// StartNavigation enters navigation mode at the first step.
func (s *Session) StartNavigation() error {
	s.mu.Lock()
	if s.route == nil {
		s.mu.Unlock()
		return ErrNoRoute
	}
	s.state = nav.Start(s.state)
	if s.position != nil {
		s.setCamera(nav.FollowCamera(*s.position))
	}
	s.mu.Unlock()

	s.log.Info().Msg("navigation started")
	s.notify()
	return nil
}

// StopNavigation leaves navigation mode and frames the whole trip.
func (s *Session) StopNavigation() {
	s.mu.Lock()
	s.state = nav.Stop(s.state)
	if s.position != nil && s.destination != nil {
		s.setCamera(nav.OverviewCamera(s.position.Point(), *s.destination))
	}
	s.mu.Unlock()

	s.log.Info().Msg("navigation stopped")
	s.notify()
}

// UpdatePosition records a new sensor reading and advances the route
// progress while navigating. Weather is refreshed in the background, at
// most once per configured interval.
func (s *Session) UpdatePosition(ctx context.Context, pos nav.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	first := s.position == nil
	s.position = &pos
	prev := s.state
	var steps []nav.RouteStep
	if s.route != nil {
		steps = s.route.Steps
		s.state = s.tracker.Advance(pos, steps, s.state)
	}
	switch {
	case s.state.Navigating:
		s.setCamera(nav.FollowCamera(pos))
	case first && s.destination == nil:
		s.setCamera(nav.LocateCamera(pos))
	}
	state := s.state

	var weatherGen uint64
	now := s.now()
	refreshWeather := s.weather != nil && (s.lastWeather.IsZero() || now.Sub(s.lastWeather) >= s.weatherEvery)
	if refreshWeather {
		s.lastWeather = now
		s.weatherGen++
		weatherGen = s.weatherGen
	}
	s.mu.Unlock()

	if state.CurrentStep != prev.CurrentStep {
		ev := s.log.Info().Int("step", state.CurrentStep).Int("steps", len(steps))
		if nav.Arrived(state, steps) {
			ev.Msg("arrived")
		} else {
			ev.Str("instruction", steps[state.CurrentStep].Instruction).Msg("step advanced")
		}
	}
	if refreshWeather {
		go s.refreshWeather(ctx, weatherGen, pos)
	}
	s.notify()
	return nil
}

func (s *Session) refreshWeather(ctx context.Context, gen uint64, pos nav.Position) {
	rep, err := s.weather.Current(ctx, pos.Lat, pos.Lon)

	s.mu.Lock()
	if gen != s.weatherGen {
		s.mu.Unlock()
		return
	}
	if err != nil {
		// allow the next position update to try again
		s.lastWeather = time.Time{}
		s.mu.Unlock()
		s.logFailure(err, "weather request failed")
		return
	}
	s.report = rep
	s.mu.Unlock()
	s.notify()
}

func (s *Session) logFailure(err error, msg string) {
	if errors.Is(err, mapbox.ErrNoResults) || errors.Is(err, weather.ErrNoResults) {
		s.log.Info().Err(err).Msg(msg)
		return
	}
	s.log.Warn().Err(err).Msg(msg)
}

// Snapshot is a read-only view of the session for rendering.
type Snapshot struct {
	ID          string           `json:"session"`
	Position    *nav.Position    `json:"position,omitempty"`
	Destination *orb.Point       `json:"destination,omitempty"`
	Route       *geojson.Feature `json:"route,omitempty"`
	RouteInfo   string           `json:"routeInfo,omitempty"`
	Panel       []nav.PanelRow   `json:"panel,omitempty"`
	Nav         nav.State        `json:"nav"`
	Arrived     bool             `json:"arrived"`
	StepDist    float64          `json:"stepDistance"` // meters to the current maneuver, -1 when none
	Camera      *nav.Camera      `json:"camera,omitempty"`
	CameraSeq   uint64           `json:"cameraSeq"`
	Weather     *weather.Report  `json:"weather,omitempty"`
	Steps       int              `json:"steps"`
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Nav:       s.state,
		CameraSeq: s.cameraSeq,
		StepDist:  -1,
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	if s.destination != nil {
		d := *s.destination
		snap.Destination = &d
	}
	if s.camera != nil {
		c := *s.camera
		snap.Camera = &c
	}
	if s.report != nil {
		r := *s.report
		snap.Weather = &r
	}
	if s.route != nil {
		current := -1
		if s.state.Navigating {
			current = s.state.CurrentStep
		}
		snap.Route = mapbox.RouteFeature(s.route)
		snap.RouteInfo = nav.FormatRouteDistance(s.route.DistanceMeters)
		snap.Panel = nav.Panel(s.route.Steps, s.state.Mode, current)
		snap.Arrived = nav.Arrived(s.state, s.route.Steps)
		snap.Steps = len(s.route.Steps)
		if s.position != nil {
			snap.StepDist = s.tracker.DistanceToStep(*s.position, s.route.Steps, s.state)
		}
	}
	return snap
}
