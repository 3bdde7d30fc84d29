package nav

import "github.com/paulmach/orb/geo"

// DefaultArrivalRadius is how close (meters) the user must get to a
// maneuver before the tracker moves on to the next step.
const DefaultArrivalRadius = 20.0

// Tracker advances through route steps as positions arrive.
type Tracker struct {
	Radius float64 // meters; zero means DefaultArrivalRadius
}

func (t Tracker) radius() float64 {
	if t.Radius <= 0 {
		return DefaultArrivalRadius
	}
	return t.Radius
}

// Advance moves to the next step when pos is within the arrival radius of
// the current step's maneuver. At most one step is advanced per call and
// the index never moves backwards. Outside navigation, or once every step
// is done, st is returned unchanged.
func (t Tracker) Advance(pos Position, steps []RouteStep, st State) State {
	if !st.Navigating || st.CurrentStep < 0 || st.CurrentStep >= len(steps) {
		return st
	}
	if t.DistanceToStep(pos, steps, st) < t.radius() {
		st.CurrentStep++
	}
	return st
}

// DistanceToStep returns the great-circle distance in meters from pos to
// the current step's maneuver, or -1 when there is no current step.
func (t Tracker) DistanceToStep(pos Position, steps []RouteStep, st State) float64 {
	if st.CurrentStep < 0 || st.CurrentStep >= len(steps) {
		return -1
	}
	return geo.DistanceHaversine(pos.Point(), steps[st.CurrentStep].Location)
}

// Advance runs the default tracker.
func Advance(pos Position, steps []RouteStep, st State) State {
	return Tracker{}.Advance(pos, steps, st)
}

// Arrived reports whether every step has been passed.
func Arrived(st State, steps []RouteStep) bool {
	return len(steps) > 0 && st.CurrentStep >= len(steps)
}
