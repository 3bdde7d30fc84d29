package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/mapdash/internal/gps"
	"github.com/shaunagostinho/mapdash/internal/logger"
	"github.com/shaunagostinho/mapdash/internal/mapbox"
	"github.com/shaunagostinho/mapdash/internal/nav"
	"github.com/shaunagostinho/mapdash/internal/session"
	"github.com/shaunagostinho/mapdash/internal/weather"
	"github.com/shaunagostinho/mapdash/internal/widget"
)

const maxBodyBytes = 1 << 16

// Server coordinates position polling, the session and WebSocket clients.
type Server struct {
	cfg     *Config
	sess    *session.Session
	gpsProv gps.Provider
	feed    *gps.BrowserFeed // set when the page supplies positions
	webFS   fs.FS
	logger  *logger.Logger
	log     zerolog.Logger
	now     func() time.Time
	odo     odometer

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	*session.Snapshot
	Accuracy *geojson.Feature  `json:"accuracy,omitempty"` // accuracy circle around the position
	Clock    *widget.ClockText `json:"clock,omitempty"`
	Config   *ClientConfig     `json:"config,omitempty"`
	Odo      *OdoData          `json:"odo,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// pathFollower is implemented by simulated sensors that can drive along
// the active route.
type pathFollower interface {
	SetPath(orb.LineString)
}

// New creates a new Server. gpsProv may be nil when no sensor is configured.
func New(cfg *Config, sess *session.Session, gpsProv gps.Provider, webFS fs.FS, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		sess:    sess,
		gpsProv: gpsProv,
		webFS:   webFS,
		logger:  logger.New(cfg.TrackSettings(), log),
		log:     log,
		now:     time.Now,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if feed, ok := gpsProv.(*gps.BrowserFeed); ok {
		s.feed = feed
	}

	sess.OnRoute(func(r *nav.Route) {
		s.odo.reset()
		if pf, ok := s.gpsProv.(pathFollower); ok {
			pf.SetPath(r.Geometry)
		}
	})
	sess.OnChange(func() {
		s.broadcast(s.frame(false))
	})
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Navigation API
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/destination", s.handleDestination)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/navigation/start", s.handleStart)
	mux.HandleFunc("/api/navigation/stop", s.handleStop)
	mux.HandleFunc("/api/state", s.handleState)

	// Track log toggle
	mux.HandleFunc("/api/log", s.handleLog)

	return mux
}

// Run starts the HTTP server and data polling loops.
func (s *Server) Run(ctx context.Context) error {
	if s.gpsProv != nil {
		go s.pollLoop(ctx)
	}
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	err := srv.ListenAndServe()
	s.logger.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Str("client", client.id).Int("total", total).Msg("ws client connected")

	// Send initial config + snapshot
	if data, err := json.Marshal(s.frame(true)); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (position messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Str("client", client.id).Int("total", total).Msg("ws client disconnected")
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(client, msg)
		}
	}()
}

// inbound is a message sent by the page.
type inbound struct {
	Type   string      `json:"type"`
	Coords *gps.Coords `json:"coords"`
}

func (s *Server) handleMessage(c *wsClient, msg []byte) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		s.log.Debug().Err(err).Str("client", c.id).Msg("ignoring malformed message")
		return
	}
	switch in.Type {
	case "position":
		if s.feed == nil || in.Coords == nil {
			return
		}
		s.feed.Push(*in.Coords)
	default:
		s.log.Debug().Str("client", c.id).Str("type", in.Type).Msg("ignoring message")
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		before := s.cfg.startupSettings()
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}

		// Apply what can change at runtime
		s.logger.SetEnabled(s.cfg.TrackSettings().Enabled)
		s.sess.Reconfigure(s.cfg.SessionSettings())

		// Broadcast updated config
		s.broadcast(s.frame(true))

		restart := before != s.cfg.startupSettings()
		if restart {
			s.log.Info().Msg("config saved; sensor, api or listener changes apply after restart")
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "restartRequired": restart})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query" validate:"required,max=256"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.sess.Search(r.Context(), req.Query))
}

func (s *Server) handleDestination(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
		Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, s.sess.SetDestination(r.Context(), orb.Point{*req.Lon, *req.Lat}))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := nav.ParseTravelMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, s.sess.SetTravelMode(r.Context(), mode))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.respond(w, s.sess.StartNavigation())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.sess.StopNavigation()
	s.respond(w, nil)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.frame(true))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.logger.IsEnabled()})
}

// decode reads a JSON POST body into v and validates it. It writes the
// error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return false
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "bad request", 400)
		return false
	}
	if err := configValidator.Struct(v); err != nil {
		http.Error(w, err.Error(), 400)
		return false
	}
	return true
}

// respond writes the session frame, or maps err to a status code.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, s.frame(false))
		return
	}
	status := statusFor(err)
	if status == http.StatusAccepted {
		writeJSON(w, status, map[string]string{"status": "superseded"})
		return
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusAccepted
	case errors.Is(err, mapbox.ErrNoResults), errors.Is(err, weather.ErrNoResults):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoRoute), errors.Is(err, session.ErrNoPosition):
		return http.StatusConflict
	case errors.Is(err, nav.ErrInvalidMode):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// pollLoop reads the position sensor and feeds every new fix to the
// session and the track log.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()

	var last *gps.Data
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := gps.ReadWithRetry(ctx, s.gpsProv, s.cfg.retryDelay())
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Str("sensor", s.gpsProv.Name()).Msg("position read failed")
			}
			continue
		}
		if sameFix(last, data) {
			continue
		}
		last = data

		pos, err := data.Position()
		if err != nil {
			continue
		}
		if err := s.sess.UpdatePosition(ctx, pos); err != nil {
			s.log.Warn().Err(err).Msg("position rejected")
			continue
		}
		s.odo.update(pos)

		snap := s.sess.Snapshot()
		s.logger.Record(s.now(), logger.Entry{
			Position:     pos,
			State:        snap.Nav,
			Steps:        snap.Steps,
			StepDistance: snap.StepDist,
		})
	}
}

// sameFix reports whether b repeats a reading already seen.
func sameFix(a, b *gps.Data) bool {
	return a != nil && b != nil &&
		a.Timestamp == b.Timestamp &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude
}

// broadcastLoop pushes periodic frames so the clock and weather stay
// current while the position is not changing.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.broadcastInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.frame(false))
		}
	}
}

func (s *Server) frame(withConfig bool) Frame {
	snap := s.sess.Snapshot()
	now := s.now()
	clock := widget.Clock(now)
	f := Frame{
		Snapshot: &snap,
		Clock:    &clock,
		Odo:      s.odo.snapshot(),
		Stamp:    now.UnixMilli(),
	}
	if snap.Position != nil && snap.Position.Accuracy > 0 {
		f.Accuracy = accuracyCircle(*snap.Position, 32)
	}
	if withConfig {
		c := s.cfg.DisplaySnapshot()
		f.Config = &c
	}
	return f
}

// accuracyCircle approximates the position's uncertainty radius as a
// polygon with the given number of segments.
func accuracyCircle(pos nav.Position, segments int) *geojson.Feature {
	center := pos.Point()
	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		bearing := float64(i) * 360 / float64(segments)
		ring = append(ring, geo.PointAtBearingAndDistance(center, bearing, pos.Accuracy))
	}
	ring = append(ring, ring[0])

	f := geojson.NewFeature(orb.Polygon{ring})
	f.Properties["radius"] = pos.Accuracy
	return f
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn().Err(err).Msg("frame encode failed")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
