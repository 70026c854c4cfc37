package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ideafunnel/internal/engine"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	fail  bool
	panic bool
}

func (f *fakeSweeper) Sweep(ctx context.Context) (engine.SweepReport, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.panic && n == 1 {
		panic("boom")
	}
	if f.fail {
		return engine.SweepReport{}, errors.New("store down")
	}
	return engine.SweepReport{Matched: n}, nil
}

func TestRunSweepsImmediatelyAndOnTick(t *testing.T) {
	f := &fakeSweeper{}
	r := New(f, 10*time.Millisecond, nil)
	reports := make(chan engine.SweepReport, 16)
	r.OnReport = func(rep engine.SweepReport, err error) {
		if err != nil {
			t.Errorf("sweep: %v", err)
		}
		select {
		case reports <- rep:
		default:
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	for i := 1; i <= 3; i++ {
		select {
		case rep := <-reports:
			require.Equal(t, i, rep.Matched)
		case <-time.After(2 * time.Second):
			t.Fatalf("no report %d", i)
		}
	}
	cancel()
	<-done
}

func TestRunSurvivesFailuresAndPanics(t *testing.T) {
	f := &fakeSweeper{panic: true, fail: true}
	r := New(f, 5*time.Millisecond, nil)
	var (
		mu   sync.Mutex
		errs []error
	)
	r.OnReport = func(_ engine.SweepReport, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(errs), 2)
	require.ErrorContains(t, errs[0], "panic")
	require.ErrorContains(t, errs[1], "store down")
}
