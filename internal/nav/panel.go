package nav

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	metersPerMile      = 1609.344
	routeMetersPerMile = 1609.34
	feetPerMeter       = 3.28084
)

// FormatDistance renders a step distance for the directions panel. Walking
// and cycling show feet below a tenth of a mile; driving is always miles.
func FormatDistance(meters float64, mode TravelMode) string {
	miles := meters / metersPerMile
	if (mode == Walking || mode == Cycling) && miles < 0.1 {
		return fmt.Sprintf("%d ft", int64(math.Round(meters*feetPerMeter)))
	}
	return fmt.Sprintf("%.1f mi", miles)
}

// FormatRouteDistance renders the total route length shown next to the search box.
func FormatRouteDistance(meters float64) string {
	return fmt.Sprintf("%.1f mi", meters/routeMetersPerMile)
}

var directionIcons = map[string]string{
	"turn-right":        "fa-turn-right",
	"turn-left":         "fa-turn-left",
	"turn-slight-right": "fa-turn-right",
	"turn-slight-left":  "fa-turn-left",
	"turn-sharp-right":  "fa-turn-right",
	"turn-sharp-left":   "fa-turn-left",
	"uturn":             "fa-turn-up",
	"straight":          "fa-arrow-up",
	"merge":             "fa-merge",
	"roundabout":        "fa-circle-right",
	"arrive":            "fa-location-dot",
}

// DirectionIcon maps a maneuver type to its Font Awesome icon class.
func DirectionIcon(maneuverType string) string {
	if icon, ok := directionIcons[maneuverType]; ok {
		return icon
	}
	return "fa-arrow-up"
}

// PanelRow is one line of the directions panel.
type PanelRow struct {
	Icon        string `json:"icon"`
	Instruction string `json:"instruction"`
	Distance    string `json:"distance"`
	Current     bool   `json:"current"`
}

// Panel builds the directions panel. The row at index current is
// highlighted; pass -1 to highlight nothing.
func Panel(steps []RouteStep, mode TravelMode, current int) []PanelRow {
	rows := make([]PanelRow, len(steps))
	for i, s := range steps {
		rows[i] = PanelRow{
			Icon:        DirectionIcon(s.ManeuverType),
			Instruction: s.Instruction,
			Distance:    FormatDistance(s.DistanceMeters, mode),
			Current:     i == current,
		}
	}
	return rows
}

// Camera tells the browser where to point the map.
type Camera struct {
	Center  *orb.Point `json:"center,omitempty"`
	Bounds  *orb.Bound `json:"bounds,omitempty"`
	Zoom    float64    `json:"zoom,omitempty"`
	Pitch   float64    `json:"pitch"`
	Bearing float64    `json:"bearing"`
	Padding int        `json:"padding,omitempty"`
	// Duration of the camera animation in milliseconds.
	Duration int `json:"duration"`
}

// FollowCamera keeps the user centered and heading-up while navigating.
func FollowCamera(pos Position) Camera {
	center := pos.Point()
	bearing := 0.0
	if pos.Heading != nil {
		bearing = *pos.Heading
	}
	return Camera{Center: &center, Zoom: 18, Pitch: 60, Bearing: bearing, Duration: 1000}
}

// OverviewCamera frames both the user and the destination.
func OverviewCamera(from, to orb.Point) Camera {
	b := orb.MultiPoint{from, to}.Bound()
	return Camera{Bounds: &b, Pitch: 60, Padding: 100, Duration: 1000}
}

// LocateCamera flies to the user's first fix when nothing else is on screen.
func LocateCamera(pos Position) Camera {
	center := pos.Point()
	return Camera{Center: &center, Zoom: 15, Duration: 1000}
}
