package domain

import "time"

// Idea statuses.
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusDead       = "dead"
)

// Funnel steps. Step 1 is completed by creation itself.
const (
	StepDescription = 1
	StepResearch    = 2
	StepPrototype   = 3
	StepRelease     = 4
)

type HistoryEntry struct {
	Step int       `json:"step" minimum:"1" maximum:"4"`
	At   time.Time `json:"at" format:"date-time"`
}

type Idea struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Research      string         `json:"research"`
	Prototype     string         `json:"prototype"`
	Release       string         `json:"release"`
	Step          int            `json:"step" minimum:"1" maximum:"4"`
	Status        string         `json:"status" enum:"in_progress,success,dead"`
	Deadline      *time.Time     `json:"deadline,omitempty" format:"date-time"`
	History       []HistoryEntry `json:"history"`
	InheritedFrom *string        `json:"inherited_from,omitempty"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time      `json:"updated_at" format:"date-time"`
}

// StepContent returns the payload recorded for a step (1..4).
func (i Idea) StepContent(step int) string {
	switch step {
	case StepDescription:
		return i.Description
	case StepResearch:
		return i.Research
	case StepPrototype:
		return i.Prototype
	case StepRelease:
		return i.Release
	}
	return ""
}

type DeadPoolEntry struct {
	ID            string    `json:"id"`
	SourceIdeaID  string    `json:"source_idea_id"`
	SourceOwnerID string    `json:"source_owner_id"`
	Title         string    `json:"title"`
	LastStep      int       `json:"last_step" minimum:"1" maximum:"3"`
	Tags          []string  `json:"tags"`
	ReclaimPoints int       `json:"reclaim_points"`
	ExpiredAt     time.Time `json:"expired_at" format:"date-time"`
}

type Stats struct {
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

type Badge struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Icon     string    `json:"icon"`
	EarnedAt time.Time `json:"earned_at" format:"date-time"`
}

type UserProfile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Points      int       `json:"points"`
	Level       int       `json:"level"`
	Rank        string    `json:"rank"`
	Stats       Stats     `json:"stats"`
	Badges      []Badge   `json:"badges"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

// HasBadge reports whether the named badge was already granted.
func (u UserProfile) HasBadge(name string) bool {
	for _, b := range u.Badges {
		if b.Name == name {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
