package inactivity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsAfterTimeoutWhenNeverActive(t *testing.T) {
	tr := New()
	start := time.Now()
	tr.Wait(50 * time.Millisecond)
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitBlocksWhileActive(t *testing.T) {
	tr := New()
	a := tr.Activity()

	done := make(chan struct{})
	go func() {
		tr.Wait(20 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while an Activity was outstanding")
	case <-time.After(60 * time.Millisecond):
	}

	a.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Activity.Stop")
	}
}

func TestActivityStopIsIdempotent(t *testing.T) {
	tr := New()
	a := tr.Activity()
	a.Stop()
	require.NotPanics(t, a.Stop)
	tr.Wait(10 * time.Millisecond)
}

func TestWaitRestartsOnNewActivity(t *testing.T) {
	tr := New()
	a1 := tr.Activity()

	waited := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		tr.Wait(80 * time.Millisecond)
		waited <- time.Since(start)
	}()

	time.Sleep(20 * time.Millisecond)
	a2 := tr.Activity()
	a1.Stop()

	time.Sleep(40 * time.Millisecond)
	a2.Stop()

	select {
	case d := <-waited:
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}
