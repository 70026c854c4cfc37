package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ideafunnel/internal/domain"
	"ideafunnel/internal/events"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
	"ideafunnel/internal/telemetry"
)

// ListDeadPool returns unclaimed entries, most recently expired first.
func (e Engine) ListDeadPool(ctx context.Context, f repo.DeadPoolFilters) ([]domain.DeadPoolEntry, error) {
	entries, err := e.Repo.ListDeadPool(ctx, f)
	if err != nil {
		return nil, storeErr("list dead pool", err)
	}
	if entries == nil {
		entries = []domain.DeadPoolEntry{}
	}
	return entries, nil
}

type ClaimResult struct {
	Idea   domain.Idea        `json:"idea"`
	Points int                `json:"points"`
	Reward progression.Reward `json:"reward"`
}

// ClaimDeadIdea restarts a dead-pool entry as a new idea owned by callerID.
// Removing the entry is the claim token: a caller that finds it already gone
// gets NotFoundError.
func (e Engine) ClaimDeadIdea(ctx context.Context, entryID, callerID string) (ClaimResult, error) {
	if callerID == "" {
		return ClaimResult{}, ValidationError{Field: "caller_id", Reason: "required"}
	}
	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "funnel.claim",
		trace.WithAttributes(attribute.String("funnel.entry_id", entryID)))
	defer span.End()

	var res ClaimResult
	err := e.withTx(ctx, "claim dead idea", func(tx *sql.Tx) error {
		res = ClaimResult{}
		now := e.now()
		entry, err := e.Repo.GetDeadPoolEntry(ctx, tx, entryID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: events.EntityDeadPoolItem, ID: entryID}
		}
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteDeadPoolEntry(ctx, tx, entryID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return NotFoundError{Kind: events.EntityDeadPoolItem, ID: entryID}
			}
			return err
		}

		deadline := now.Add(e.stepDeadline())
		it := domain.Idea{
			ID:            uuid.NewString(),
			OwnerID:       callerID,
			Title:         entry.Title,
			Step:          domain.StepDescription,
			Status:        domain.StatusInProgress,
			Deadline:      &deadline,
			History:       []domain.HistoryEntry{{Step: domain.StepDescription, At: now}},
			InheritedFrom: &entry.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		src, err := e.Repo.GetIdea(ctx, tx, entry.SourceIdeaID)
		switch {
		case err == nil:
			it.Description = src.Description
			if entry.LastStep >= domain.StepResearch {
				it.Research = src.Research
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		if err := e.insertIdea(ctx, tx, it, &entry); err != nil {
			return err
		}

		u, err := e.Repo.GetUser(ctx, tx, callerID)
		if err != nil {
			return err
		}
		reward, err := e.applyReward(ctx, tx, u, entry.ReclaimPoints, "reclaim", entry.ID, now)
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.DeadPoolClaimed, events.EntityDeadPoolItem, entry.ID, callerID, events.Payload{
			"idea_id":        it.ID,
			"source_idea_id": entry.SourceIdeaID,
			"points":         entry.ReclaimPoints,
		}); err != nil {
			return err
		}
		res = ClaimResult{Idea: it, Points: entry.ReclaimPoints, Reward: reward}
		return nil
	})
	if err != nil {
		if KindOf(err) != KindNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return ClaimResult{}, err
	}
	span.SetAttributes(attribute.String("funnel.idea_id", res.Idea.ID))
	return res, nil
}
