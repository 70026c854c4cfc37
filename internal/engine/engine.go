package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"ideafunnel/internal/config"
	"ideafunnel/internal/db"
	"ideafunnel/internal/domain"
	"ideafunnel/internal/events"
	"ideafunnel/internal/logger"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
	"ideafunnel/internal/tags"
)

const scopeName = "ideafunnel/engine"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Tags   tags.Extractor
	Log    *logger.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Tags:   cfg.TagExtractor(),
		Log:    logger.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) tagger() tags.Extractor {
	if e.Tags == nil {
		return e.cfg().TagExtractor()
	}
	return e.Tags
}

func (e Engine) stepDeadline() time.Duration {
	if d := e.cfg().Lifecycle.StepDeadline; d > 0 {
		return d
	}
	return 24 * time.Hour
}

// withTx runs fn as one atomic unit and classifies what comes out of it.
func (e Engine) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return storeErr(op, db.WithTx(ctx, e.DB, fn))
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.Payload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

// loadUser returns the caller's profile, creating an empty one on first use.
func (e Engine) loadUser(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (domain.UserProfile, error) {
	if _, err := e.Repo.EnsureUser(ctx, tx, userID, "", progression.RankBeginner, now); err != nil {
		return domain.UserProfile{}, err
	}
	return e.Repo.GetUser(ctx, tx, userID)
}

// applyReward persists points, derived level/rank, stats and new badges for u
// in tx. u must already carry any stat changes made by the same unit.
func (e Engine) applyReward(ctx context.Context, tx *sql.Tx, u domain.UserProfile, delta int, reason, sourceID string, now time.Time) (progression.Reward, error) {
	next, reward := progression.Apply(u, delta, now)
	if err := e.Repo.UpdateProgression(ctx, tx, next); err != nil {
		return reward, err
	}
	granted, err := e.grantBadges(ctx, tx, next.ID, reward.NewBadges)
	if err != nil {
		return reward, err
	}
	reward.NewBadges = granted
	if delta > 0 {
		if err := e.appendEvent(ctx, tx, events.UserPointsAwarded, events.EntityUser, u.ID, u.ID, events.Payload{
			"delta":      reward.Delta,
			"points":     reward.NewPoints,
			"reason":     reason,
			"source_id":  sourceID,
			"old_points": reward.OldPoints,
		}); err != nil {
			return reward, err
		}
	}
	if reward.LevelUp {
		if err := e.appendEvent(ctx, tx, events.UserLevelUp, events.EntityUser, u.ID, u.ID, events.Payload{
			"level": reward.NewLevel,
			"rank":  reward.Rank,
		}); err != nil {
			return reward, err
		}
	}
	return reward, nil
}

func (e Engine) grantBadges(ctx context.Context, tx *sql.Tx, userID string, badges []domain.Badge) ([]domain.Badge, error) {
	granted := []domain.Badge{}
	for _, b := range badges {
		ok, err := e.Repo.GrantBadge(ctx, tx, userID, b)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		granted = append(granted, b)
		if err := e.appendEvent(ctx, tx, events.UserBadgeGranted, events.EntityUser, userID, userID, events.Payload{
			"badge": b.Name,
			"label": b.Label,
			"icon":  b.Icon,
		}); err != nil {
			return nil, err
		}
	}
	return granted, nil
}

// ApplyPoints adds delta to the user's ledger and re-derives level, rank and badges.
func (e Engine) ApplyPoints(ctx context.Context, userID string, delta int) (progression.Reward, error) {
	if userID == "" {
		return progression.Reward{}, ValidationError{Field: "user_id", Reason: "required"}
	}
	if delta < 0 {
		return progression.Reward{}, ValidationError{Field: "delta", Reason: "points are never deducted"}
	}
	var reward progression.Reward
	err := e.withTx(ctx, "apply points", func(tx *sql.Tx) error {
		now := e.now()
		u, err := e.loadUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		reward, err = e.applyReward(ctx, tx, u, delta, "manual", "", now)
		return err
	})
	return reward, err
}

// CheckAndGrantBadges grants every badge the user qualifies for but lacks.
// Repeated calls on an unchanged profile grant nothing.
func (e Engine) CheckAndGrantBadges(ctx context.Context, userID string) ([]domain.Badge, error) {
	var granted []domain.Badge
	err := e.withTx(ctx, "check badges", func(tx *sql.Tx) error {
		now := e.now()
		u, err := e.Repo.GetUser(ctx, tx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: events.EntityUser, ID: userID}
		}
		if err != nil {
			return err
		}
		granted, err = e.grantBadges(ctx, tx, userID, progression.NewBadges(u, now))
		return err
	})
	return granted, err
}

// GetUserProfile returns the user's profile with badges.
func (e Engine) GetUserProfile(ctx context.Context, userID string) (domain.UserProfile, error) {
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return u, NotFoundError{Kind: events.EntityUser, ID: userID}
	}
	return u, storeErr("get user", err)
}

// RegisterUser creates an empty profile. Registering an existing user returns
// the stored profile unchanged.
func (e Engine) RegisterUser(ctx context.Context, userID, displayName string) (domain.UserProfile, error) {
	if userID == "" {
		return domain.UserProfile{}, ValidationError{Field: "user_id", Reason: "required"}
	}
	var u domain.UserProfile
	err := e.withTx(ctx, "register user", func(tx *sql.Tx) error {
		now := e.now()
		created, err := e.Repo.EnsureUser(ctx, tx, userID, displayName, progression.RankBeginner, now)
		if err != nil {
			return err
		}
		if created {
			if err := e.appendEvent(ctx, tx, events.UserRegistered, events.EntityUser, userID, userID, events.Payload{
				"display_name": displayName,
			}); err != nil {
				return err
			}
		}
		u, err = e.Repo.GetUser(ctx, tx, userID)
		return err
	})
	return u, err
}

// CreateAPIKey stores a new key for userID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", ValidationError{Field: "user_id", Reason: "required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "fk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: repo.FormatTime(e.now()),
	}
	err := e.withTx(ctx, "create api key", func(tx *sql.Tx) error {
		if _, err := e.Repo.EnsureUser(ctx, tx, userID, "", progression.RankBeginner, e.now()); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys returns a user's keys, newest first. Secrets are never stored.
func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Reason: "required"}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	return keys, storeErr("list api keys", err)
}

// ListEvents reads the lifecycle log after a cursor.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	evs, err := e.Repo.ListEvents(ctx, f)
	return evs, storeErr("list events", err)
}
