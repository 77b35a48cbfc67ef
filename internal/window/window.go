// Package window gates purchases and claims by time.
//
// The sale state is a pure function of wall-clock time against the sale's
// configured instants. It is recomputed on every call and never cached.
package window

import (
	"errors"
	"fmt"
	"time"
)

// State is a sale phase. States are ordered: Pending < Active < Ended < ClaimOpen.
type State uint8

const (
	Pending State = iota
	Active
	Ended
	ClaimOpen
)

var stateNames = [...]string{"pending", "active", "ended", "claim_open"}

// String returns the lowercase state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidWindow is returned when the instants are out of order.
var ErrInvalidWindow = errors.New("window: require start < end <= claim")

// Policy derives the sale state from three fixed instants.
type Policy struct {
	start time.Time
	end   time.Time
	claim time.Time
}

// NewPolicy validates the instants.
func NewPolicy(start, end, claim time.Time) (Policy, error) {
	if !start.Before(end) || claim.Before(end) {
		return Policy{}, fmt.Errorf("%w: start=%s end=%s claim=%s", ErrInvalidWindow,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), claim.UTC().Format(time.RFC3339))
	}
	return Policy{start: start, end: end, claim: claim}, nil
}

// Start returns the sale start instant.
func (p Policy) Start() time.Time { return p.start }

// End returns the sale end instant.
func (p Policy) End() time.Time { return p.end }

// Claim returns the claim open instant.
func (p Policy) Claim() time.Time { return p.claim }

// State returns the phase at now.
func (p Policy) State(now time.Time) State {
	switch {
	case now.Before(p.start):
		return Pending
	case now.Before(p.end):
		return Active
	case now.Before(p.claim):
		return Ended
	default:
		return ClaimOpen
	}
}

// Entered returns the instant at which target begins.
func (p Policy) Entered(target State) time.Time {
	switch target {
	case Active:
		return p.start
	case Ended:
		return p.end
	case ClaimOpen:
		return p.claim
	default:
		return time.Time{}
	}
}

// TimeUntil returns how long until target is reached, or zero if it already has.
// Display use only.
func (p Policy) TimeUntil(target State, now time.Time) time.Duration {
	if p.State(now) >= target {
		return 0
	}
	return p.Entered(target).Sub(now)
}

// Snapshot is a point-in-time view of the window for display.
type Snapshot struct {
	State     State         `json:"state"`
	Now       time.Time     `json:"now"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	ClaimTime time.Time     `json:"claim_time"`
	StartsIn  time.Duration `json:"starts_in"`
	EndsIn    time.Duration `json:"ends_in"`
	ClaimIn   time.Duration `json:"claim_in"`
}

// Snapshot evaluates the state and all remaining durations at now.
func (p Policy) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		State:     p.State(now),
		Now:       now,
		StartTime: p.start,
		EndTime:   p.end,
		ClaimTime: p.claim,
		StartsIn:  p.TimeUntil(Active, now),
		EndsIn:    p.TimeUntil(Ended, now),
		ClaimIn:   p.TimeUntil(ClaimOpen, now),
	}
}
