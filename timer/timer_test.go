package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestTaskRunsEveryInterval(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	ran := make(chan struct{}, 10)
	s, err := NewScheduler(clk, Task{Name: "monitor", Interval: 10 * time.Second, Execute: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, clk.WaitAdvance(10*time.Second, 5*time.Second, 1))
		waitSignal(t, ran)
	}
	assert.Len(t, ran, 0)
}

func TestFailingTaskDoesNotStopOthers(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var good int32
	ran := make(chan struct{}, 10)
	s, err := NewScheduler(clk,
		Task{Name: "panics", Interval: time.Second, Execute: func(ctx context.Context) error {
			panic("boom")
		}},
		Task{Name: "errors", Interval: time.Second, Execute: func(ctx context.Context) error {
			return errors.New("unreachable domain")
		}},
		Task{Name: "good", Interval: time.Second, Execute: func(ctx context.Context) error {
			atomic.AddInt32(&good, 1)
			ran <- struct{}{}
			return nil
		}},
	)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 3))
		waitSignal(t, ran)
	}
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(2), atomic.LoadInt32(&good))
}

func TestRightRunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := NewScheduler(testclock.NewClock(time.Now()), Task{Name: "now", Interval: time.Hour, Right: true, Execute: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	waitSignal(t, ran)
	require.NoError(t, s.Stop())
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := NewScheduler(nil, Task{Name: "x", Interval: time.Hour, Execute: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Error(t, s.Start())
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(testclock.NewClock(time.Now()), Task{Name: "x", Interval: time.Hour, Execute: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStopLetsRunningTaskFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	s, err := NewScheduler(testclock.NewClock(time.Now()), Task{Name: "sweep", Interval: time.Hour, Right: true, Execute: func(ctx context.Context) error {
		close(started)
		<-release
		ctxErr <- ctx.Err()
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	waitSignal(t, started)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the task was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.NoError(t, <-ctxErr)
}

func TestEmptySchedulerStops(t *testing.T) {
	s, err := NewScheduler(nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestInvalidTask(t *testing.T) {
	_, err := NewScheduler(nil, Task{Name: "x", Interval: time.Second})
	assert.Error(t, err)
	_, err = NewScheduler(nil, Task{Name: "x", Execute: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestDefaultName(t *testing.T) {
	s, err := NewScheduler(nil, Task{Interval: time.Second, Execute: sweep})
	require.NoError(t, err)
	assert.Equal(t, "sweep", s.Tasks()[0].Name)
}

func sweep(ctx context.Context) error { return nil }
