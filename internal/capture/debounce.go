package capture

import "time"

type timerState int

const (
	timerIdle timerState = iota
	timerPending
	timerFired
	timerCancelled
)

func (s timerState) String() string {
	switch s {
	case timerPending:
		return "pending"
	case timerFired:
		return "fired"
	case timerCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// debounceTimer collapses bursts of activity into one trailing-edge signal.
// Every touch restarts the quiet window. When maxWait is positive the signal
// is forced no later than maxWait after the first touch of a burst.
// It is not safe for concurrent use; the watcher loop owns it.
type debounceTimer struct {
	quiet   time.Duration
	maxWait time.Duration

	state      timerState
	timer      *time.Timer
	burstStart time.Time
}

func newDebounceTimer(quiet, maxWait time.Duration) *debounceTimer {
	return &debounceTimer{quiet: quiet, maxWait: maxWait}
}

// touch arms the timer or restarts a pending one.
func (d *debounceTimer) touch(now time.Time) {
	if d.state != timerPending {
		d.burstStart = now
	}
	wait := d.quiet
	if d.maxWait > 0 {
		if left := d.maxWait - now.Sub(d.burstStart); left < wait {
			wait = left
		}
		if wait < 0 {
			wait = 0
		}
	}

	d.stop()
	d.timer = time.NewTimer(wait)
	d.state = timerPending
}

// C is nil unless a signal is pending, so it can sit in a select unguarded.
func (d *debounceTimer) C() <-chan time.Time {
	if d.state != timerPending || d.timer == nil {
		return nil
	}
	return d.timer.C
}

// fire is called after receiving from C.
func (d *debounceTimer) fire() {
	d.timer = nil
	d.state = timerFired
}

// cancel drops a pending signal.
func (d *debounceTimer) cancel() {
	d.stop()
	if d.state == timerPending {
		d.state = timerCancelled
	}
}

func (d *debounceTimer) pending() bool { return d.state == timerPending }

func (d *debounceTimer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
