package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/mapdash/internal/gps"
	"github.com/shaunagostinho/mapdash/internal/mapbox"
	"github.com/shaunagostinho/mapdash/internal/nav"
	"github.com/shaunagostinho/mapdash/internal/session"
)

var (
	origin = orb.Point{0, 0}
	dest   = orb.Point{0, 0.0002}
)

type fakeRouter struct{ err error }

func (f *fakeRouter) Directions(ctx context.Context, mode nav.TravelMode, from, to orb.Point) (*nav.Route, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &nav.Route{
		DistanceMeters: 1000,
		Geometry:       orb.LineString{from, to},
		Steps: []nav.RouteStep{
			{Location: from, Instruction: "Head north", ManeuverType: "depart", DistanceMeters: 22},
			{Location: to, Instruction: "You have arrived", ManeuverType: "arrive"},
		},
		Mode: mode,
	}, nil
}

type fakeGeocoder struct{}

func (fakeGeocoder) Geocode(ctx context.Context, query string) (orb.Point, error) {
	if query == "nowhere" {
		return orb.Point{}, mapbox.ErrNoResults
	}
	return dest, nil
}

// pathSensor records the paths handed to it.
type pathSensor struct {
	*gps.DemoGPS
	mu    sync.Mutex
	paths []orb.LineString
}

func (p *pathSensor) SetPath(line orb.LineString) {
	p.mu.Lock()
	p.paths = append(p.paths, line)
	p.mu.Unlock()
	p.DemoGPS.SetPath(line)
}

func newTestServer(t *testing.T, router *fakeRouter, prov gps.Provider) (*Server, *session.Session) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	cfg.Logging.Path = t.TempDir()
	cfg.GPS.PollHz = 50
	cfg.GPS.RetryDelayMs = 10

	sess := session.New(cfg.SessionSettings(), router, fakeGeocoder{}, nil, zerolog.Nop())
	webFS := fstest.MapFS{"index.html": {Data: []byte("<html>mapdash</html>")}}
	return New(cfg, sess, prov, webFS, zerolog.Nop()), sess
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeFrame(t *testing.T, resp *http.Response) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	require.NotNil(t, f.Snapshot)
	return f
}

func TestServesIndex(t *testing.T) {
	s, _ := newTestServer(t, &fakeRouter{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchAndNavigate(t *testing.T) {
	s, sess := newTestServer(t, &fakeRouter{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	require.NoError(t, sess.UpdatePosition(context.Background(), nav.Position{Lon: origin.Lon(), Lat: origin.Lat(), Accuracy: 5}))

	resp := post(t, ts.URL+"/api/search", `{"query":"coffee"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f := decodeFrame(t, resp)
	assert.Equal(t, "0.6 mi", f.RouteInfo)
	require.Len(t, f.Panel, 2)
	assert.False(t, f.Panel[0].Current)
	require.NotNil(t, f.Accuracy)
	require.NotNil(t, f.Clock)

	resp = post(t, ts.URL+"/api/navigation/start", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f = decodeFrame(t, resp)
	assert.True(t, f.Nav.Navigating)
	assert.Equal(t, 0, f.Nav.CurrentStep)
	assert.True(t, f.Panel[0].Current)

	resp = post(t, ts.URL+"/api/navigation/stop", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeFrame(t, resp).Nav.Navigating)

	state, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer state.Body.Close()
	f = decodeFrame(t, state)
	require.NotNil(t, f.Config)
	assert.Equal(t, "driving", f.Config.DefaultMode)
}

func TestAPIErrors(t *testing.T) {
	s, sess := newTestServer(t, &fakeRouter{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"start without route", "/api/navigation/start", ``, http.StatusConflict},
		{"empty query", "/api/search", `{"query":""}`, http.StatusBadRequest},
		{"no results", "/api/search", `{"query":"nowhere"}`, http.StatusNotFound},
		{"bad json", "/api/search", `{`, http.StatusBadRequest},
		{"bad latitude", "/api/destination", `{"lon":0,"lat":100}`, http.StatusBadRequest},
		{"missing coordinates", "/api/destination", `{}`, http.StatusBadRequest},
		{"missing longitude", "/api/destination", `{"lat":1}`, http.StatusBadRequest},
		{"bad mode", "/api/mode", `{"mode":"hovercraft"}`, http.StatusBadRequest},
		{"mode without destination", "/api/mode", `{"mode":"walking"}`, http.StatusOK},
		{"destination before fix", "/api/destination", `{"lon":0,"lat":0.0002}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Equal(t, nav.Walking, sess.Snapshot().Nav.Mode)

	resp, err := http.Get(ts.URL + "/api/search")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouteFailureIsBadGateway(t *testing.T) {
	s, sess := newTestServer(t, &fakeRouter{err: errors.New("connection refused")}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	require.NoError(t, sess.UpdatePosition(context.Background(), nav.Position{Lon: 0, Lat: 0}))
	resp := post(t, ts.URL+"/api/destination", `{"lon":0,"lat":0.0002}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Nil(t, sess.Snapshot().Route)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusAccepted, statusFor(session.ErrSuperseded))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("geocode: %w", mapbox.ErrNoResults)))
	assert.Equal(t, http.StatusConflict, statusFor(session.ErrNoRoute))
	assert.Equal(t, http.StatusBadRequest, statusFor(nav.ErrInvalidMode))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("boom")))
}

func TestConfigAPI(t *testing.T) {
	s, _ := newTestServer(t, &fakeRouter{}, nil)
	s.cfg.Weather.APIKey = "secret"
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "secret")

	resp = post(t, ts.URL+"/api/config", `{"logging":{"enabled":true}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, s.logger.IsEnabled())

	resp = post(t, ts.URL+"/api/config", `{"gps":{"type":"carrier-pigeon"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigAPI_AppliesNavigationSettings(t *testing.T) {
	s, sess := newTestServer(t, &fakeRouter{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	readResult := func(resp *http.Response) map[string]any {
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	resp := post(t, ts.URL+"/api/config", `{"navigation":{"defaultMode":"walking","arrivalRadiusM":30}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, readResult(resp)["restartRequired"])
	assert.Equal(t, nav.Walking, sess.Snapshot().Nav.Mode)

	// the wider radius reaches a maneuver ~22 m away
	ctx := context.Background()
	at := nav.Position{Lon: origin.Lon(), Lat: origin.Lat()}
	require.NoError(t, sess.UpdatePosition(ctx, at))
	require.NoError(t, sess.SetDestination(ctx, dest))
	require.NoError(t, sess.StartNavigation())
	require.NoError(t, sess.UpdatePosition(ctx, at))
	require.NoError(t, sess.UpdatePosition(ctx, at))
	assert.True(t, sess.Snapshot().Arrived)

	resp = post(t, ts.URL+"/api/config", `{"gps":{"type":"nmea"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, readResult(resp)["restartRequired"])
}

func TestLogToggle(t *testing.T) {
	s, _ := newTestServer(t, &fakeRouter{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := post(t, ts.URL+"/api/log", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, s.logger.IsEnabled())

	post(t, ts.URL+"/api/log", `{"enabled":false}`)
	assert.False(t, s.logger.IsEnabled())
}

func TestWebSocket_InitialFrameAndPositionFeed(t *testing.T) {
	feed := gps.NewBrowserFeed(time.Minute)
	s, _ := newTestServer(t, &fakeRouter{}, feed)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.Config)
	assert.Equal(t, 9.0, first.Config.Display.Zoom)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "position",
		"coords": map[string]any{"longitude": -74.5, "latitude": 40.1, "accuracy": 12},
	}))

	require.Eventually(t, func() bool {
		d, err := feed.Read()
		return err == nil && d.Latitude == 40.1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollLoop_FeedsSession(t *testing.T) {
	feed := gps.NewBrowserFeed(time.Minute)
	s, sess := newTestServer(t, &fakeRouter{}, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pollLoop(ctx)

	heading := 45.0
	feed.Push(gps.Coords{Longitude: -74.5, Latitude: 40.1, Accuracy: 8, Heading: &heading})

	require.Eventually(t, func() bool {
		snap := sess.Snapshot()
		return snap.Position != nil && snap.Position.Lat == 40.1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 8.0, sess.Snapshot().Position.Accuracy)
}

func TestNewRouteDrivesDemoSensor(t *testing.T) {
	sensor := &pathSensor{DemoGPS: gps.NewDemoGPS(100 * time.Millisecond)}
	s, sess := newTestServer(t, &fakeRouter{}, sensor)
	s.odo.trip = 500

	require.NoError(t, sess.UpdatePosition(context.Background(), nav.Position{Lon: 0, Lat: 0}))
	require.NoError(t, sess.SetDestination(context.Background(), dest))

	sensor.mu.Lock()
	defer sensor.mu.Unlock()
	require.Len(t, sensor.paths, 1)
	assert.Equal(t, orb.LineString{origin, dest}, sensor.paths[0])
	assert.Zero(t, s.odo.snapshot().Meters)
}

func TestSameFix(t *testing.T) {
	a := &gps.Data{Timestamp: "120000.00", Latitude: 1, Longitude: 2}
	b := *a
	assert.True(t, sameFix(a, &b))
	b.Latitude = 1.5
	assert.False(t, sameFix(a, &b))
	assert.False(t, sameFix(nil, a))
}

func TestAccuracyCircle(t *testing.T) {
	pos := nav.Position{Lon: -74.5, Lat: 40, Accuracy: 25}
	f := accuracyCircle(pos, 16)

	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok)
	ring := poly[0]
	require.Len(t, ring, 17)
	assert.Equal(t, ring[0], ring[len(ring)-1])
	for _, p := range ring {
		assert.InDelta(t, 25, geo.DistanceHaversine(pos.Point(), p), 0.5)
	}
	assert.Equal(t, 25.0, f.Properties["radius"])
}

func TestOdometer(t *testing.T) {
	var o odometer
	o.update(nav.Position{Lon: 0, Lat: 0})
	assert.Zero(t, o.snapshot().Meters)

	o.update(nav.Position{Lon: 0, Lat: 0.0001}) // ~11 m
	assert.InDelta(t, 11.1, o.snapshot().Meters, 0.1)

	o.update(nav.Position{Lon: 0, Lat: 0.000105}) // jitter
	assert.InDelta(t, 11.1, o.snapshot().Meters, 0.1)

	o.update(nav.Position{Lon: 0, Lat: 0.01}) // ~1.1 km jump
	assert.InDelta(t, 11.1, o.snapshot().Meters, 0.1)

	o.reset()
	assert.Zero(t, o.snapshot().Meters)
}
