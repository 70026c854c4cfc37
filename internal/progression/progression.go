// Package progression derives levels, ranks and badges from a user's points
// and idea stats. Everything here is pure; persistence lives in the engine.
package progression

import (
	"time"

	"ideafunnel/internal/domain"
)

const (
	PointsPerLevel = 100
	// SuccessReward is granted when an idea reaches step 4.
	SuccessReward = 50
	// ReclaimReward is granted for claiming a dead-pool entry.
	ReclaimReward = 30
)

const (
	RankBeginner   = "Idea Beginner"
	RankChallenger = "Idea Challenger"
	RankSprinter   = "Idea Sprinter"
	RankExpert     = "Idea Expert"
	RankMaster     = "Idea Master"
)

// Level is floor(points/100)+1.
func Level(points int) int {
	if points < 0 {
		points = 0
	}
	return points/PointsPerLevel + 1
}

func Rank(level int) string {
	switch {
	case level >= 10:
		return RankMaster
	case level >= 7:
		return RankExpert
	case level >= 5:
		return RankSprinter
	case level >= 3:
		return RankChallenger
	default:
		return RankBeginner
	}
}

// BadgeRule grants a badge once its predicate holds.
type BadgeRule struct {
	Name     string
	Label    string
	Icon     string
	Eligible func(points int, stats domain.Stats) bool
}

var BadgeRules = []BadgeRule{
	{
		Name:     "first_success",
		Label:    "First Success",
		Icon:     "award",
		Eligible: func(_ int, s domain.Stats) bool { return s.Success >= 1 },
	},
	{
		Name:     "idea_creator",
		Label:    "Idea Creator",
		Icon:     "star",
		Eligible: func(_ int, s domain.Stats) bool { return s.Success >= 5 },
	},
	{
		Name:     "point_hunter",
		Label:    "Point Hunter",
		Icon:     "target",
		Eligible: func(points int, _ domain.Stats) bool { return points >= 100 },
	},
}

// EligibleBadges returns every rule satisfied by (points, stats), in rule order.
func EligibleBadges(points int, stats domain.Stats) []BadgeRule {
	var out []BadgeRule
	for _, r := range BadgeRules {
		if r.Eligible(points, stats) {
			out = append(out, r)
		}
	}
	return out
}

// NewBadges returns badges the profile qualifies for but does not hold yet.
func NewBadges(u domain.UserProfile, now time.Time) []domain.Badge {
	var out []domain.Badge
	for _, r := range EligibleBadges(u.Points, u.Stats) {
		if u.HasBadge(r.Name) {
			continue
		}
		out = append(out, domain.Badge{Name: r.Name, Label: r.Label, Icon: r.Icon, EarnedAt: now})
	}
	return out
}

// Reward describes the outcome of applying points to a profile.
type Reward struct {
	Delta     int            `json:"delta"`
	OldPoints int            `json:"old_points"`
	NewPoints int            `json:"new_points"`
	LevelUp   bool           `json:"level_up"`
	NewLevel  int            `json:"new_level"`
	Rank      string         `json:"rank"`
	NewBadges []domain.Badge `json:"new_badges"`
}

// Apply adds delta (negative values are ignored), recomputes level and rank,
// and appends newly earned badges. The input profile is not modified.
func Apply(u domain.UserProfile, delta int, now time.Time) (domain.UserProfile, Reward) {
	if delta < 0 {
		delta = 0
	}
	out := u
	out.Badges = append([]domain.Badge(nil), u.Badges...)
	oldLevel := out.Level
	if oldLevel < 1 {
		oldLevel = Level(u.Points)
	}
	out.Points = u.Points + delta
	out.Level = Level(out.Points)
	out.Rank = Rank(out.Level)
	out.UpdatedAt = now
	granted := NewBadges(out, now)
	out.Badges = append(out.Badges, granted...)
	if granted == nil {
		granted = []domain.Badge{}
	}
	return out, Reward{
		Delta:     delta,
		OldPoints: u.Points,
		NewPoints: out.Points,
		LevelUp:   out.Level > oldLevel,
		NewLevel:  out.Level,
		Rank:      out.Rank,
		NewBadges: granted,
	}
}
