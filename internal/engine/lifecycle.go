package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ideafunnel/internal/domain"
	"ideafunnel/internal/events"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
)

type CreateIdeaInput struct {
	OwnerID     string
	Title       string
	Description string
}

// CreateIdea starts a new idea at step 1 with a fresh deadline.
func (e Engine) CreateIdea(ctx context.Context, in CreateIdeaInput) (domain.Idea, error) {
	if in.OwnerID == "" {
		return domain.Idea{}, ValidationError{Field: "owner_id", Reason: "required"}
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Idea{}, ValidationError{Field: "title", Reason: "required"}
	}
	min := e.cfg().Lifecycle.MinDescriptionLength
	if n := utf8.RuneCountInString(in.Description); n < min {
		return domain.Idea{}, ValidationError{Field: "description", Reason: fmt.Sprintf("must be at least %d characters, got %d", min, n)}
	}
	var it domain.Idea
	err := e.withTx(ctx, "create idea", func(tx *sql.Tx) error {
		now := e.now()
		deadline := now.Add(e.stepDeadline())
		it = domain.Idea{
			ID:          uuid.NewString(),
			OwnerID:     in.OwnerID,
			Title:       in.Title,
			Description: in.Description,
			Step:        domain.StepDescription,
			Status:      domain.StatusInProgress,
			Deadline:    &deadline,
			History:     []domain.HistoryEntry{{Step: domain.StepDescription, At: now}},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return e.insertIdea(ctx, tx, it, nil)
	})
	if err != nil {
		return domain.Idea{}, err
	}
	return it, nil
}

// insertIdea stores a fresh step-1 idea, bumps the owner's in-progress count
// and logs the creation. from is the dead-pool entry it was restarted from.
func (e Engine) insertIdea(ctx context.Context, tx *sql.Tx, it domain.Idea, from *domain.DeadPoolEntry) error {
	u, err := e.loadUser(ctx, tx, it.OwnerID, it.CreatedAt)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertIdea(ctx, tx, it); err != nil {
		return err
	}
	u.Stats.InProgress++
	u.UpdatedAt = it.CreatedAt
	if err := e.Repo.UpdateProgression(ctx, tx, u); err != nil {
		return err
	}
	payload := events.Payload{"title": it.Title, "deadline": it.Deadline}
	if from != nil {
		payload["inherited_from"] = from.ID
		payload["source_idea_id"] = from.SourceIdeaID
	}
	return e.appendEvent(ctx, tx, events.IdeaCreated, events.EntityIdea, it.ID, it.OwnerID, payload)
}

// SubmitResult is the outcome of one step submission. Reward is set only
// when the submission completed the idea.
type SubmitResult struct {
	Idea         domain.Idea         `json:"idea"`
	NextStep     int                 `json:"next_step"`
	NextDeadline *time.Time          `json:"next_deadline,omitempty"`
	Reward       *progression.Reward `json:"reward,omitempty"`
}

// SubmitStep records content for the idea's pending step and advances it.
// Completing step 3 finishes the idea and pays the success reward.
// expectedStep, when non-zero, is the step the caller saw; a submission
// against any other step is rejected so retried duplicates advance once.
func (e Engine) SubmitStep(ctx context.Context, ideaID, callerID, content string, expectedStep int) (SubmitResult, error) {
	var res SubmitResult
	err := e.withTx(ctx, "submit step", func(tx *sql.Tx) error {
		res = SubmitResult{}
		now := e.now()
		it, err := e.Repo.GetIdea(ctx, tx, ideaID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: events.EntityIdea, ID: ideaID}
		}
		if err != nil {
			return err
		}
		if it.OwnerID != callerID {
			return AuthorizationError{CallerID: callerID, Kind: events.EntityIdea, ID: ideaID}
		}
		if it.Status != domain.StatusInProgress || it.Deadline == nil {
			return InvalidStateError{ID: it.ID, Status: it.Status, Step: it.Step, Reason: "idea is not in progress"}
		}
		if it.Step >= domain.StepRelease {
			return InvalidStateError{ID: it.ID, Status: it.Status, Step: it.Step, Reason: "no step after release"}
		}
		if expectedStep != 0 && expectedStep != it.Step {
			return InvalidStateError{ID: it.ID, Status: it.Status, Step: it.Step, Reason: fmt.Sprintf("expected step %d", expectedStep)}
		}
		if strings.TrimSpace(content) == "" {
			return ValidationError{Field: "content", Reason: "required"}
		}

		from := it.Step
		switch from {
		case domain.StepDescription:
			it.Research = content
		case domain.StepResearch:
			it.Prototype = content
		case domain.StepPrototype:
			it.Release = content
		}
		next := from + 1
		entry := domain.HistoryEntry{Step: next, At: now}
		it.Step = next
		it.History = append(it.History, entry)
		it.UpdatedAt = now
		if next < domain.StepRelease {
			deadline := now.Add(e.stepDeadline())
			it.Deadline = &deadline
		} else {
			it.Status = domain.StatusSuccess
			it.Deadline = nil
		}

		if err := e.Repo.AdvanceIdea(ctx, tx, it, from); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return InvalidStateError{ID: it.ID, Status: it.Status, Step: from, Reason: "idea changed concurrently"}
			}
			return err
		}
		if err := e.Repo.AppendHistory(ctx, tx, it.ID, entry); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.IdeaStepSubmitted, events.EntityIdea, it.ID, callerID, events.Payload{
			"from_step": from,
			"step":      next,
			"deadline":  it.Deadline,
		}); err != nil {
			return err
		}
		res.Idea = it
		res.NextStep = next
		res.NextDeadline = it.Deadline
		if it.Status != domain.StatusSuccess {
			return nil
		}

		u, err := e.loadUser(ctx, tx, it.OwnerID, now)
		if err != nil {
			return err
		}
		if u.Stats.InProgress > 0 {
			u.Stats.InProgress--
		}
		u.Stats.Success++
		reward, err := e.applyReward(ctx, tx, u, progression.SuccessReward, "idea_success", it.ID, now)
		if err != nil {
			return err
		}
		res.Reward = &reward
		return e.appendEvent(ctx, tx, events.IdeaSucceeded, events.EntityIdea, it.ID, callerID, events.Payload{
			"points": reward.Delta,
		})
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// GetIdea returns the idea and its submission history.
func (e Engine) GetIdea(ctx context.Context, ideaID string) (domain.Idea, error) {
	it, err := e.Repo.GetIdea(ctx, nil, ideaID)
	if errors.Is(err, repo.ErrNotFound) {
		return it, NotFoundError{Kind: events.EntityIdea, ID: ideaID}
	}
	return it, storeErr("get idea", err)
}

// ListUserIdeas returns the user's ideas newest first, optionally by status.
func (e Engine) ListUserIdeas(ctx context.Context, userID, status string) ([]domain.Idea, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Reason: "required"}
	}
	switch status {
	case "", domain.StatusInProgress, domain.StatusSuccess, domain.StatusDead:
	default:
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	ideas, err := e.Repo.ListIdeas(ctx, repo.IdeaFilters{OwnerID: userID, Status: status})
	if err != nil {
		return nil, storeErr("list ideas", err)
	}
	if ideas == nil {
		ideas = []domain.Idea{}
	}
	return ideas, nil
}
