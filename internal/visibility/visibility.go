// Package visibility models the host application's foreground and display state as a
// read-only capability. The reconciler only reads it; the host owns the Tracker.
package visibility

import "sync/atomic"

// State is a point-in-time reading of the host.
type State struct {
	Foreground bool `json:"foreground"`
	ScreenOn   bool `json:"screen_on"`
}

// Signal returns the current host state.
type Signal func() State

// Static returns a Signal that always reports s.
func Static(s State) Signal {
	return func() State { return s }
}

// Tracker holds the latest state reported by the host. The zero value reports a
// backgrounded host with the screen off.
type Tracker struct {
	foreground atomic.Bool
	screenOn   atomic.Bool
}

// NewTracker creates a Tracker seeded with initial.
func NewTracker(initial State) *Tracker {
	t := &Tracker{}
	t.Set(initial)
	return t
}

// Set records a new host state.
func (t *Tracker) Set(s State) {
	t.foreground.Store(s.Foreground)
	t.screenOn.Store(s.ScreenOn)
}

// Current returns the last recorded state.
func (t *Tracker) Current() State {
	return State{Foreground: t.foreground.Load(), ScreenOn: t.screenOn.Load()}
}

// Signal exposes the tracker as a read-only Signal.
func (t *Tracker) Signal() Signal {
	return t.Current
}
