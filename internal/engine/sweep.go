package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"ideafunnel/internal/domain"
	"ideafunnel/internal/events"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
	"ideafunnel/internal/telemetry"
)

type SweepFailure struct {
	IdeaID string `json:"idea_id"`
	Error  string `json:"error"`
}

// SweepReport summarises one sweep run. Skipped counts matches that changed
// between the query and their own transaction.
type SweepReport struct {
	At      time.Time      `json:"at"`
	Matched int            `json:"matched"`
	Expired int            `json:"expired"`
	Skipped int            `json:"skipped"`
	Failed  []SweepFailure `json:"failed"`
}

// Sweep retires every in-progress idea whose deadline has passed. Each idea
// is expired in its own transaction; a failed item is logged and left for
// the next run. Finding nothing is not an error.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "funnel.sweep")
	defer span.End()

	now := e.now()
	report := SweepReport{At: now, Failed: []SweepFailure{}}
	candidates, err := e.Repo.ListIdeas(ctx, repo.IdeaFilters{Status: domain.StatusInProgress, DeadlineBefore: &now})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, storeErr("sweep query", err)
	}
	report.Matched = len(candidates)

	sc := e.cfg().Sweeper
	limit := sc.Concurrency
	if limit < 1 {
		limit = 1
	}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for _, it := range candidates {
		g.Go(func() error {
			itemCtx := ctx
			if sc.ItemTimeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(ctx, sc.ItemTimeout)
				defer cancel()
			}
			expired, err := e.expireIdeaSafe(itemCtx, it, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, SweepFailure{IdeaID: it.ID, Error: err.Error()})
				e.log().Warn("sweep item failed", "idea_id", it.ID, "error", err)
			case !expired:
				report.Skipped++
			default:
				report.Expired++
			}
			return nil
		})
	}
	_ = g.Wait()

	attrs := metric.WithAttributes(attribute.Int("funnel.sweep.matched", report.Matched))
	m := telemetry.Meter(scopeName)
	if c, err := m.Int64Counter("funnel.sweep.expired", metric.WithDescription("Ideas moved to the dead pool")); err == nil {
		c.Add(ctx, int64(report.Expired), attrs)
	}
	if c, err := m.Int64Counter("funnel.sweep.failed", metric.WithDescription("Sweep items left for the next run")); err == nil {
		c.Add(ctx, int64(len(report.Failed)), attrs)
	}
	span.SetAttributes(
		attribute.Int("funnel.sweep.matched", report.Matched),
		attribute.Int("funnel.sweep.expired", report.Expired),
		attribute.Int("funnel.sweep.skipped", report.Skipped),
		attribute.Int("funnel.sweep.failed", len(report.Failed)),
	)
	e.log().Info("sweep finished",
		"matched", report.Matched,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// expireIdeaSafe turns a panic while expiring one idea, e.g. from a custom
// tag extractor, into that item's failure. The transaction is rolled back.
func (e Engine) expireIdeaSafe(ctx context.Context, it domain.Idea, now time.Time) (expired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			expired, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.expireIdea(ctx, it, now)
}

// expireIdea moves one overdue idea to the dead pool. It reports false when
// the idea no longer qualifies, e.g. the owner advanced it first.
func (e Engine) expireIdea(ctx context.Context, it domain.Idea, now time.Time) (bool, error) {
	var expired bool
	err := e.withTx(ctx, "expire idea", func(tx *sql.Tx) error {
		expired = false
		if err := e.Repo.MarkIdeaDead(ctx, tx, it.ID, it.Step, now); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return nil
			}
			return err
		}
		entry := domain.DeadPoolEntry{
			ID:            uuid.NewString(),
			SourceIdeaID:  it.ID,
			SourceOwnerID: it.OwnerID,
			Title:         it.Title,
			LastStep:      it.Step,
			Tags:          e.tagger().Extract(it.Title, it.Description),
			ReclaimPoints: progression.ReclaimReward,
			ExpiredAt:     now,
		}
		if err := e.Repo.InsertDeadPoolEntry(ctx, tx, entry); err != nil {
			return err
		}
		u, err := e.loadUser(ctx, tx, it.OwnerID, now)
		if err != nil {
			return err
		}
		if u.Stats.InProgress > 0 {
			u.Stats.InProgress--
		}
		u.Stats.Failed++
		u.UpdatedAt = now
		if err := e.Repo.UpdateProgression(ctx, tx, u); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.IdeaExpired, events.EntityIdea, it.ID, events.SystemActor, events.Payload{
			"owner_id":  it.OwnerID,
			"last_step": it.Step,
			"deadline":  it.Deadline,
		}); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.DeadPoolCreated, events.EntityDeadPoolItem, entry.ID, events.SystemActor, events.Payload{
			"source_idea_id": it.ID,
			"title":          entry.Title,
			"tags":           entry.Tags,
			"reclaim_points": entry.ReclaimPoints,
		}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}
