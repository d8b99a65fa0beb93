package timer

import "time"

// Periodic tracks when a recurring action last fired.
// It does not own a goroutine; callers poll Due and call Fired once the action succeeded,
// so a failed action is retried on the next poll.
type Periodic struct {
	Every time.Duration
	last  time.Time
	fired bool
}

// NewPeriodic returns a Periodic whose first firing is due one interval after start.
func NewPeriodic(every time.Duration, start time.Time) *Periodic {
	return &Periodic{Every: every, last: start, fired: true}
}

// Due reports whether the action should run at now.
// A Periodic that never fired is always due.
func (p *Periodic) Due(now time.Time) bool {
	return !p.fired || now.Sub(p.last) >= p.Every
}

// Fired records a successful run at now.
func (p *Periodic) Fired(now time.Time) {
	p.last = now
	p.fired = true
}

// Last returns the time of the last successful run, zero if none.
func (p *Periodic) Last() time.Time {
	if !p.fired {
		return time.Time{}
	}
	return p.last
}
