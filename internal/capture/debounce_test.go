package capture

import (
	"testing"
	"time"
)

func TestDebounceTimerCoalescesTouches(t *testing.T) {
	d := newDebounceTimer(40*time.Millisecond, 0)
	if d.C() != nil {
		t.Fatalf("idle timer must expose a nil channel")
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.touch(time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	if !d.pending() {
		t.Fatalf("expected pending after touches, state=%s", d.state)
	}

	<-d.C()
	d.fire()
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("fired too early after %s", elapsed)
	}
	if d.state != timerFired || d.C() != nil {
		t.Fatalf("expected fired state with nil channel, got %s", d.state)
	}
}

func TestDebounceTimerCancel(t *testing.T) {
	d := newDebounceTimer(10*time.Millisecond, 0)
	d.touch(time.Now())
	d.cancel()
	if d.state != timerCancelled || d.C() != nil {
		t.Fatalf("expected cancelled state, got %s", d.state)
	}
	d.cancel()
	if d.state != timerCancelled {
		t.Fatalf("cancel on a settled timer changed state to %s", d.state)
	}
}

func TestDebounceTimerMaxWaitBoundsBurst(t *testing.T) {
	d := newDebounceTimer(50*time.Millisecond, 80*time.Millisecond)
	start := time.Now()
	fired := make(chan time.Duration, 1)

	stop := time.After(300 * time.Millisecond)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			d.touch(time.Now())
		case <-d.C():
			d.fire()
			fired <- time.Since(start)
		case <-stop:
			t.Fatalf("max wait did not force a signal during continuous touches")
		}
		if len(fired) > 0 {
			break
		}
	}
	if got := <-fired; got > 200*time.Millisecond {
		t.Fatalf("signal came after %s, expected near 80ms", got)
	}
}
