// Package sweeper runs the expiry sweep on a fixed interval.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"ideafunnel/internal/engine"
	"ideafunnel/internal/logger"
)

// Sweeper is satisfied by engine.Engine.
type Sweeper interface {
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

type Runner struct {
	Sweeper  Sweeper
	Interval time.Duration
	Log      *logger.Logger
	// OnReport is called after every run, including failed ones.
	OnReport func(engine.SweepReport, error)
}

func New(s Sweeper, interval time.Duration, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{Sweeper: s, Interval: interval, Log: log.With("component", "Sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Runs never overlap within one Runner.
func (r *Runner) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	r.Log.Info("Starting sweeper", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	var (
		report engine.SweepReport
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.Log.Error("Sweep panic", "panic", p)
				err = fmt.Errorf("sweep panic: %v", p)
			}
		}()
		report, err = r.Sweeper.Sweep(ctx)
	}()
	if err != nil && ctx.Err() == nil {
		r.Log.Warn("Sweep failed", "error", err)
	}
	if r.OnReport != nil {
		r.OnReport(report, err)
	}
}
