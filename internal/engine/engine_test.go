package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ideafunnel/internal/config"
	"ideafunnel/internal/db"
	"ideafunnel/internal/domain"
	"ideafunnel/internal/engine"
	"ideafunnel/internal/events"
	"ideafunnel/internal/migrate"
	"ideafunnel/internal/progression"
	"ideafunnel/internal/repo"
	"ideafunnel/internal/tags"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	clock := t0
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: &eng, Ctx: ctx, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func description(n int) string {
	return strings.Repeat("あ", n)
}

func (env testEnv) createIdea(t *testing.T, owner, title string) domain.Idea {
	t.Helper()
	it, err := env.Engine.CreateIdea(env.Ctx, engine.CreateIdeaInput{OwnerID: owner, Title: title, Description: description(120)})
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}
	return it
}

func (env testEnv) profile(t *testing.T, userID string) domain.UserProfile {
	t.Helper()
	u, err := env.Engine.GetUserProfile(env.Ctx, userID)
	if err != nil {
		t.Fatalf("profile %s: %v", userID, err)
	}
	return u
}

func assertDeadlineInvariant(t *testing.T, it domain.Idea) {
	t.Helper()
	if (it.Deadline != nil) != (it.Status == domain.StatusInProgress) {
		t.Fatalf("idea %s: status %s with deadline %v", it.ID, it.Status, it.Deadline)
	}
}

func TestCreateIdeaDescriptionLength(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateIdea(env.Ctx, engine.CreateIdeaInput{OwnerID: "alice", Title: "t", Description: description(99)})
	if engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("expected validation error for 99 chars, got %v", err)
	}
	if _, err := env.Engine.GetUserProfile(env.Ctx, "alice"); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("rejected create must not touch the profile: %v", err)
	}
	ideas, err := env.Engine.ListUserIdeas(env.Ctx, "alice", "")
	if err != nil || len(ideas) != 0 {
		t.Fatalf("rejected create stored ideas: %v %d", err, len(ideas))
	}

	it, err := env.Engine.CreateIdea(env.Ctx, engine.CreateIdeaInput{OwnerID: "alice", Title: "t", Description: description(100)})
	if err != nil {
		t.Fatalf("100 chars should be accepted: %v", err)
	}
	if it.Step != 1 || it.Status != domain.StatusInProgress {
		t.Fatalf("unexpected initial state %d/%s", it.Step, it.Status)
	}
	if it.Deadline == nil || !it.Deadline.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("deadline should be now+24h, got %v", it.Deadline)
	}
	if len(it.History) != 1 || it.History[0].Step != 1 {
		t.Fatalf("unexpected history %+v", it.History)
	}
	if u := env.profile(t, "alice"); u.Stats.InProgress != 1 || u.Level != 1 || u.Rank != progression.RankBeginner {
		t.Fatalf("unexpected profile %+v", u)
	}
}

func TestCreateIdeaRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateIdea(env.Ctx, engine.CreateIdeaInput{OwnerID: "alice", Title: "  ", Description: description(200)})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
}

func TestSubmitStepToSuccess(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "Idea")

	env.advance(time.Hour)
	res, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "https://research.example", 0)
	if err != nil {
		t.Fatalf("submit research: %v", err)
	}
	if res.NextStep != 2 || res.Idea.Research != "https://research.example" || res.Reward != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.NextDeadline == nil || !res.NextDeadline.Equal(t0.Add(25*time.Hour)) {
		t.Fatalf("deadline should be refreshed, got %v", res.NextDeadline)
	}

	env.advance(time.Hour)
	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "prototype", 0); err != nil {
		t.Fatalf("submit prototype: %v", err)
	}
	env.advance(time.Hour)
	res, err = env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "release notes", 0)
	if err != nil {
		t.Fatalf("submit release: %v", err)
	}
	if res.Idea.Status != domain.StatusSuccess || res.Idea.Step != 4 || res.NextDeadline != nil {
		t.Fatalf("expected success, got %+v", res.Idea)
	}
	if res.Reward == nil || res.Reward.Delta != progression.SuccessReward {
		t.Fatalf("expected success reward, got %+v", res.Reward)
	}
	if len(res.Reward.NewBadges) != 1 || res.Reward.NewBadges[0].Name != "first_success" {
		t.Fatalf("expected first_success badge, got %+v", res.Reward.NewBadges)
	}

	stored, err := env.Engine.GetIdea(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	assertDeadlineInvariant(t, stored)
	if len(stored.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(stored.History))
	}
	for i, h := range stored.History {
		if h.Step != i+1 {
			t.Fatalf("history out of order: %+v", stored.History)
		}
	}
	u := env.profile(t, "alice")
	if u.Points != 50 || u.Stats.Success != 1 || u.Stats.InProgress != 0 {
		t.Fatalf("unexpected profile after success %+v", u)
	}
	if !u.HasBadge("first_success") {
		t.Fatalf("badge not stored")
	}

	_, err = env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "fifth", 0)
	if engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("expected invalid state after success, got %v", err)
	}
}

func TestSubmitStepErrors(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "Idea")

	if _, err := env.Engine.SubmitStep(env.Ctx, "missing", "alice", "x", 0); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "mallory", "x", 0); engine.KindOf(err) != engine.KindUnauthorized {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "   ", 0); engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := env.Engine.GetIdea(env.Ctx, it.ID)
	if stored.Step != 1 || len(stored.History) != 1 {
		t.Fatalf("failed submissions must not change state: %+v", stored)
	}
}

func TestSweepExpiresOverdueIdea(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "AIサービス")

	env.advance(25 * time.Hour)
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Matched != 1 || report.Expired != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	stored, _ := env.Engine.GetIdea(env.Ctx, it.ID)
	if stored.Status != domain.StatusDead {
		t.Fatalf("expected dead, got %s", stored.Status)
	}
	assertDeadlineInvariant(t, stored)

	pool, err := env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	if err != nil || len(pool) != 1 {
		t.Fatalf("expected one pool entry: %v %d", err, len(pool))
	}
	entry := pool[0]
	if entry.ReclaimPoints != 30 || entry.LastStep != 1 || entry.SourceIdeaID != it.ID {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if strings.Join(entry.Tags, ",") != "AI,Service,Idea" {
		t.Fatalf("unexpected tags %v", entry.Tags)
	}
	u := env.profile(t, "alice")
	if u.Stats.InProgress != 0 || u.Stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", u.Stats)
	}

	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "late", 0); engine.KindOf(err) != engine.KindInvalidState {
		t.Fatalf("submitting to a dead idea must fail, got %v", err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createIdea(t, "alice", "one")
	env.createIdea(t, "bob", "two")
	env.advance(24*time.Hour + time.Second)

	first, err := env.Engine.Sweep(env.Ctx)
	if err != nil || first.Expired != 2 {
		t.Fatalf("first sweep: %v %+v", err, first)
	}
	second, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Matched != 0 || second.Expired != 0 {
		t.Fatalf("second sweep should be a no-op, got %+v", second)
	}
	pool, _ := env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	if len(pool) != 2 {
		t.Fatalf("expected 2 pool entries, got %d", len(pool))
	}
	if u := env.profile(t, "bob"); u.Stats.Failed != 1 {
		t.Fatalf("failed counter must increment once, got %d", u.Stats.Failed)
	}
}

func TestSweepIgnoresIdeasNotYetDue(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "one")
	env.advance(24 * time.Hour)
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil || report.Matched != 0 {
		t.Fatalf("deadline equal to now is not overdue: %v %+v", err, report)
	}
	stored, _ := env.Engine.GetIdea(env.Ctx, it.ID)
	if stored.Status != domain.StatusInProgress {
		t.Fatalf("unexpected status %s", stored.Status)
	}
}

func TestLateSubmissionBeforeSweepWins(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "one")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "research", 0); err != nil {
		t.Fatalf("submission committed first should win: %v", err)
	}
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil || report.Expired != 0 {
		t.Fatalf("advanced idea must not be swept: %v %+v", err, report)
	}
}

func TestClaimDeadIdeaCarriesResearch(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "Idea")
	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "research notes", 0); err != nil {
		t.Fatal(err)
	}
	env.advance(25 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	pool, _ := env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	if len(pool) != 1 || pool[0].LastStep != 2 {
		t.Fatalf("expected entry at step 2: %+v", pool)
	}
	entry := pool[0]

	res, err := env.Engine.ClaimDeadIdea(env.Ctx, entry.ID, "bob")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	got := res.Idea
	if got.OwnerID != "bob" || got.Step != 1 || got.Status != domain.StatusInProgress {
		t.Fatalf("unexpected claimed idea %+v", got)
	}
	if got.Research != "research notes" || got.Prototype != "" || got.Description != it.Description {
		t.Fatalf("unexpected carried content %+v", got)
	}
	if got.InheritedFrom == nil || *got.InheritedFrom != entry.ID {
		t.Fatalf("inherited_from not set")
	}
	if res.Points != 30 || res.Reward.NewPoints != 30 {
		t.Fatalf("unexpected reward %+v", res)
	}
	u := env.profile(t, "bob")
	if u.Points != 30 || u.Stats.InProgress != 1 {
		t.Fatalf("unexpected claimer profile %+v", u)
	}
	pool, _ = env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	if len(pool) != 0 {
		t.Fatalf("entry must be gone after claim")
	}
	if _, err := env.Engine.ClaimDeadIdea(env.Ctx, entry.ID, "carol"); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("second claim should be not found, got %v", err)
	}
}

func TestClaimFromStepOneDropsResearch(t *testing.T) {
	env := newTestEnv(t)
	env.createIdea(t, "alice", "Idea")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	pool, _ := env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	res, err := env.Engine.ClaimDeadIdea(env.Ctx, pool[0].ID, "alice")
	if err != nil {
		t.Fatalf("owners may reclaim their own ideas: %v", err)
	}
	if res.Idea.Research != "" {
		t.Fatalf("research must not be carried from step 1")
	}
}

func TestConcurrentClaimsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createIdea(t, "alice", "Idea")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	pool, _ := env.Engine.ListDeadPool(env.Ctx, repo.DeadPoolFilters{})
	entryID := pool[0].ID

	callers := []string{"bob", "carol", "dave", "erin"}
	errs := make([]error, len(callers))
	var wg sync.WaitGroup
	for i, c := range callers {
		wg.Add(1)
		go func(i int, caller string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ClaimDeadIdea(env.Ctx, entryID, caller)
		}(i, c)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch engine.KindOf(err) {
		case "":
			wins++
		case engine.KindNotFound:
		default:
			t.Fatalf("loser must see not found, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	created := 0
	for _, c := range callers {
		ideas, err := env.Engine.ListUserIdeas(env.Ctx, c, "")
		if err != nil {
			t.Fatal(err)
		}
		created += len(ideas)
	}
	if created != 1 {
		t.Fatalf("expected one inherited idea, got %d", created)
	}
}

func TestCheckAndGrantBadgesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterUser(env.Ctx, "alice", ""); err != nil {
		t.Fatal(err)
	}
	// Stats written without going through the reward path leave every
	// badge pending.
	err := db.WithTx(env.Ctx, env.Engine.DB, func(tx *sql.Tx) error {
		u, err := env.Engine.Repo.GetUser(env.Ctx, tx, "alice")
		if err != nil {
			return err
		}
		u.Points, u.Level, u.Rank = 150, 2, progression.RankBeginner
		u.Stats.Success = 5
		u.UpdatedAt = *env.clock
		return env.Engine.Repo.UpdateProgression(env.Ctx, tx, u)
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	granted, err := env.Engine.CheckAndGrantBadges(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, b := range granted {
		names = append(names, b.Name)
	}
	if strings.Join(names, ",") != "first_success,idea_creator,point_hunter" {
		t.Fatalf("first check should grant every earned badge, got %v", names)
	}
	for i := 0; i < 3; i++ {
		again, err := env.Engine.CheckAndGrantBadges(env.Ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != 0 {
			t.Fatalf("run %d granted %+v again", i+2, again)
		}
	}
	u := env.profile(t, "alice")
	if len(u.Badges) != 3 {
		t.Fatalf("expected 3 stored badges, got %+v", u.Badges)
	}
	if _, err := env.Engine.CheckAndGrantBadges(env.Ctx, "nobody"); engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("unknown user should be not found, got %v", err)
	}
}

func TestApplyPointsLevelUp(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Engine.ApplyPoints(env.Ctx, "alice", 99)
	if err != nil || r.LevelUp {
		t.Fatalf("99 points is still level 1: %v %+v", err, r)
	}
	r, err = env.Engine.ApplyPoints(env.Ctx, "alice", 201)
	if err != nil || !r.LevelUp || r.NewLevel != 4 || r.Rank != progression.RankChallenger {
		t.Fatalf("unexpected reward %v %+v", err, r)
	}
	if _, err := env.Engine.ApplyPoints(env.Ctx, "alice", -1); engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("negative delta must be rejected, got %v", err)
	}
}

func TestEventsAreLogged(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "Idea")
	env.advance(25 * time.Hour)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: it.ID})
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != events.IdeaCreated+","+events.IdeaExpired {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestRegisterUserIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.RegisterUser(env.Ctx, "alice", "Alice")
	if err != nil || u.DisplayName != "Alice" || u.Points != 0 {
		t.Fatalf("register: %v %+v", err, u)
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, "alice", "Other"); err != nil {
		t.Fatal(err)
	}
	evs, _ := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.UserRegistered})
	if len(evs) != 1 {
		t.Fatalf("expected one registration event, got %d", len(evs))
	}
}

// assertStatsMatchIdeas checks the cached counters against the ideas table.
func (env testEnv) assertStatsMatchIdeas(t *testing.T, userID string) {
	t.Helper()
	u := env.profile(t, userID)
	want := map[string]int{
		domain.StatusInProgress: u.Stats.InProgress,
		domain.StatusSuccess:    u.Stats.Success,
		domain.StatusDead:       u.Stats.Failed,
	}
	for status, cached := range want {
		n, err := env.Engine.Repo.CountIdeas(env.Ctx, nil, userID, status)
		if err != nil {
			t.Fatal(err)
		}
		if n != cached {
			t.Fatalf("%s: %d %s ideas stored, stats say %d", userID, n, status, cached)
		}
	}
}

func TestDuplicateSubmissionsAdvanceOnce(t *testing.T) {
	env := newTestEnv(t)
	it := env.createIdea(t, "alice", "Idea")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitStep(env.Ctx, it.ID, "alice", fmt.Sprintf("research %d", i), 1)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch engine.KindOf(err) {
		case "":
			ok++
		case engine.KindInvalidState:
		default:
			t.Fatalf("duplicate must see invalid state, got %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accepted submission, got %d", ok)
	}
	stored, err := env.Engine.GetIdea(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Step != 2 || len(stored.History) != 2 || !strings.HasPrefix(stored.Research, "research ") {
		t.Fatalf("idea advanced more than once: %+v", stored)
	}

	if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", "prototype", 2); err != nil {
		t.Fatalf("matching expected step should pass: %v", err)
	}
}

func TestSweepFailedItemStaysEligible(t *testing.T) {
	env := newTestEnv(t)
	good := env.createIdea(t, "alice", "Good")
	broken := env.createIdea(t, "bob", "Broken")

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER fail_broken BEFORE INSERT ON dead_pool
WHEN NEW.title = 'Broken' BEGIN SELECT RAISE(ABORT, 'boom'); END`); err != nil {
		t.Fatal(err)
	}
	env.advance(25 * time.Hour)
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 2 || report.Expired != 1 || len(report.Failed) != 1 || report.Failed[0].IdeaID != broken.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, _ := env.Engine.GetIdea(env.Ctx, good.ID); got.Status != domain.StatusDead {
		t.Fatalf("healthy item should expire, got %s", got.Status)
	}
	got, _ := env.Engine.GetIdea(env.Ctx, broken.ID)
	if got.Status != domain.StatusInProgress || got.Step != 1 {
		t.Fatalf("failed item must be untouched: %+v", got)
	}
	assertDeadlineInvariant(t, got)
	if u := env.profile(t, "bob"); u.Stats.InProgress != 1 || u.Stats.Failed != 0 {
		t.Fatalf("failed item must not change stats: %+v", u.Stats)
	}
	env.assertStatsMatchIdeas(t, "alice")
	env.assertStatsMatchIdeas(t, "bob")

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER fail_broken`); err != nil {
		t.Fatal(err)
	}
	report, err = env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matched != 1 || report.Expired != 1 || len(report.Failed) != 0 {
		t.Fatalf("next run should retire the item: %+v", report)
	}
	env.assertStatsMatchIdeas(t, "bob")
}

type explodingExtractor struct {
	title string
}

func (x explodingExtractor) Extract(title, description string) []string {
	if title == x.title {
		panic("extractor blew up")
	}
	return tags.Default().Extract(title, description)
}

func TestSweepRecoversPanickingItem(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Tags = explodingExtractor{title: "Boom"}
	ok := env.createIdea(t, "alice", "Fine")
	boom := env.createIdea(t, "alice", "Boom")

	env.advance(25 * time.Hour)
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Expired != 1 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f := report.Failed[0]; f.IdeaID != boom.ID || !strings.Contains(f.Error, "panic") {
		t.Fatalf("panic should be reported as a failure: %+v", f)
	}
	if got, _ := env.Engine.GetIdea(env.Ctx, ok.ID); got.Status != domain.StatusDead {
		t.Fatalf("other item should expire, got %s", got.Status)
	}
	if got, _ := env.Engine.GetIdea(env.Ctx, boom.ID); got.Status != domain.StatusInProgress {
		t.Fatalf("panicking item must be rolled back, got %s", got.Status)
	}
	env.assertStatsMatchIdeas(t, "alice")
}

func TestConcurrentCompletionsKeepStats(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 4; i++ {
		it := env.createIdea(t, "alice", fmt.Sprintf("Idea %d", i))
		for _, content := range []string{"research", "prototype"} {
			if _, err := env.Engine.SubmitStep(env.Ctx, it.ID, "alice", content, 0); err != nil {
				t.Fatal(err)
			}
		}
		ids = append(ids, it.ID)
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitStep(env.Ctx, id, "alice", "release", 3)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	u := env.profile(t, "alice")
	if u.Stats.Success != 4 || u.Stats.InProgress != 0 || u.Stats.Failed != 0 {
		t.Fatalf("lost stats update: %+v", u.Stats)
	}
	if u.Points != 4*progression.SuccessReward {
		t.Fatalf("lost points update: %d", u.Points)
	}
	env.assertStatsMatchIdeas(t, "alice")
}

func TestListAPIKeysIsPerUser(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "bob", "ci"); err != nil {
		t.Fatal(err)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID || keys[0].Name != "laptop" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if keys[0].KeyHash == secret {
		t.Fatalf("secret must not be stored in clear")
	}
	if _, err := env.Engine.ListAPIKeys(env.Ctx, ""); engine.KindOf(err) != engine.KindValidation {
		t.Fatalf("missing user should be a validation error, got %v", err)
	}
}
