package progression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ideafunnel/internal/domain"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLevel(t *testing.T) {
	cases := map[int]int{0: 1, 99: 1, 100: 2, 199: 2, 250: 3, 999: 10, -5: 1}
	for points, want := range cases {
		require.Equal(t, want, Level(points), "points=%d", points)
	}
}

func TestRankThresholds(t *testing.T) {
	require.Equal(t, RankBeginner, Rank(1))
	require.Equal(t, RankBeginner, Rank(2))
	require.Equal(t, RankChallenger, Rank(3))
	require.Equal(t, RankSprinter, Rank(5))
	require.Equal(t, RankSprinter, Rank(6))
	require.Equal(t, RankExpert, Rank(7))
	require.Equal(t, RankMaster, Rank(10))
	require.Equal(t, RankMaster, Rank(42))
}

func TestEligibleBadges(t *testing.T) {
	require.Empty(t, EligibleBadges(0, domain.Stats{}))
	names := func(rules []BadgeRule) []string {
		var out []string
		for _, r := range rules {
			out = append(out, r.Name)
		}
		return out
	}
	require.Equal(t, []string{"first_success"}, names(EligibleBadges(50, domain.Stats{Success: 1})))
	require.Equal(t, []string{"first_success", "idea_creator", "point_hunter"}, names(EligibleBadges(100, domain.Stats{Success: 5})))
}

func TestApplyLevelUpAndBadges(t *testing.T) {
	u := domain.UserProfile{ID: "u1", Points: 80, Level: 1, Rank: RankBeginner, Stats: domain.Stats{Success: 1}}
	next, reward := Apply(u, 50, now)
	require.Equal(t, 130, next.Points)
	require.Equal(t, 2, next.Level)
	require.True(t, reward.LevelUp)
	require.Equal(t, 80, reward.OldPoints)
	require.Len(t, reward.NewBadges, 2)
	require.True(t, next.HasBadge("first_success"))
	require.True(t, next.HasBadge("point_hunter"))
	require.Empty(t, u.Badges, "input profile must not be modified")
}

func TestApplyIsIdempotentForBadges(t *testing.T) {
	u := domain.UserProfile{ID: "u1", Points: 100, Level: 2, Stats: domain.Stats{Success: 1}}
	for i := 0; i < 5; i++ {
		var reward Reward
		u, reward = Apply(u, 0, now)
		if i > 0 {
			require.Empty(t, reward.NewBadges)
		}
	}
	require.Len(t, u.Badges, 2)
}

func TestApplyIgnoresNegativeDelta(t *testing.T) {
	u := domain.UserProfile{ID: "u1", Points: 10, Level: 1}
	next, reward := Apply(u, -20, now)
	require.Equal(t, 10, next.Points)
	require.Equal(t, 0, reward.Delta)
	require.False(t, reward.LevelUp)
}
