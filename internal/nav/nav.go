package nav

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
)

// TravelMode is the routing profile used for directions.
type TravelMode string

const (
	Driving        TravelMode = "driving"
	DrivingTraffic TravelMode = "driving-traffic"
	Walking        TravelMode = "walking"
	Cycling        TravelMode = "cycling"
)

// ErrInvalidMode is returned for travel modes the directions API does not know.
var ErrInvalidMode = errors.New("nav: invalid travel mode")

// ParseTravelMode validates a mode string coming from the browser or config.
func ParseTravelMode(s string) (TravelMode, error) {
	switch m := TravelMode(s); m {
	case Driving, DrivingTraffic, Walking, Cycling:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Position is a single reading from a location sensor.
type Position struct {
	Lon      float64  `json:"lon" validate:"gte=-180,lte=180"`
	Lat      float64  `json:"lat" validate:"gte=-90,lte=90"`
	Accuracy float64  `json:"accuracy" validate:"gte=0"` // meters
	Heading  *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lte=360"`
	Speed    float64  `json:"speed"` // km/h, 0 when unknown
}

// Point returns the position as an orb point (lon, lat).
func (p Position) Point() orb.Point { return orb.Point{p.Lon, p.Lat} }

var validate = validator.New()

// Validate checks that the reading is a usable WGS84 fix.
func (p Position) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("nav: invalid position: %w", err)
	}
	return nil
}

// RouteStep is one maneuver of a fetched route.
type RouteStep struct {
	Location       orb.Point `json:"location"` // maneuver location (lon, lat)
	Instruction    string    `json:"instruction"`
	ManeuverType   string    `json:"type"`
	DistanceMeters float64   `json:"distance"`
}

// Route is the active route: total distance, line geometry and its steps.
type Route struct {
	DistanceMeters float64
	Geometry       orb.LineString
	Steps          []RouteStep
	Mode           TravelMode
}

// State is the navigation state owned by a session.
type State struct {
	Navigating  bool       `json:"navigating"`
	CurrentStep int        `json:"currentStep"`
	Mode        TravelMode `json:"mode"`
}

// Reset returns the state a freshly fetched route starts with.
func Reset(mode TravelMode) State {
	return State{Navigating: false, CurrentStep: 0, Mode: mode}
}

// Start enters navigation mode from the first step.
func Start(st State) State {
	st.Navigating = true
	st.CurrentStep = 0
	return st
}

// Stop leaves navigation mode. The step index is kept for display.
func Stop(st State) State {
	st.Navigating = false
	return st
}
