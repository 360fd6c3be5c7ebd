package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"loatodo/internal/apperr"
	"loatodo/internal/catalog"
	"loatodo/internal/coordinator"
	"loatodo/internal/models"
	"loatodo/internal/notify"
	"loatodo/internal/storage"
	"loatodo/internal/storage/sqlite"
)

const testCatalog = `version: 1
reset:
  daily: {hour: 6}
  weekly: {weekday: wednesday, hour: 6}
tasks:
  - {id: chaos-dungeon, name: Chaos Dungeon, frequency: daily, category: daily-content, gates: 2, rewards: [100, 200]}
  - {id: guardian-raid, name: Guardian Raid, frequency: daily, category: daily-content, rewards: [50]}
  - {id: gathering, name: Gathering, frequency: daily, gates: 50}
  - {id: raid-a, name: Raid A, kind: raid, frequency: weekly, rewards: [500]}
  - {id: raid-b, name: Raid B, kind: raid, frequency: weekly, rewards: [300]}
  - {id: raid-c, name: Raid C, kind: raid, frequency: weekly, rewards: [200]}
  - {id: raid-d, name: Raid D, kind: raid, frequency: weekly, gates: 3, rewards: [300, 300, 300]}
  - {id: wednesday-boss, name: Wednesday Boss, scope: server_wide, frequency: daily, visible_weekdays: [wednesday]}
`

var kst = time.FixedZone("KST", 9*60*60)

// wednesdayNoon is 2026-10-14 12:00 KST, a Wednesday after both resets.
var wednesdayNoon = time.Date(2026, time.October, 14, 12, 0, 0, 0, kst)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(ev notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

type harness struct {
	engine    *Engine
	store     *sqlite.Store
	clock     *testClock
	publisher *recordingPublisher
}

func newHarness(t *testing.T, wrap func(Store) Store) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "loatodo.db"), nil, sqlite.WithDriver(sqlite.DriverPure))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	doc, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	cat, err := catalog.New(doc, store, nil)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	coord := coordinator.New(nil, coordinator.WithTimeout(10*time.Second), coordinator.WithInvalidators(cat))
	t.Cleanup(coord.Close)

	var engineStore Store = store
	if wrap != nil {
		engineStore = wrap(store)
	}
	h := &harness{store: store, clock: &testClock{now: wednesdayNoon}, publisher: &recordingPublisher{}}
	h.engine, err = New(Deps{
		Catalog:       cat,
		Store:         engineStore,
		Coordinator:   coord,
		Publisher:     h.publisher,
		Location:      kst,
		Clock:         h.clock.Now,
		StoreTimeout:  5 * time.Second,
		RetryAttempts: 5,
		NewBackOff:    func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

func (h *harness) character(t *testing.T, owner, id, server string) {
	t.Helper()
	p := Principal{Acting: owner, Owner: owner}
	if _, err := h.engine.RegisterCharacter(context.Background(), p, models.Character{ID: id, Server: server, Name: id}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (h *harness) progress(t *testing.T, p Principal, target Target, taskID string, delta int) TaskView {
	t.Helper()
	v, err := h.engine.SubmitProgress(context.Background(), p, target, taskID, ProgressChange{Delta: delta})
	if err != nil {
		t.Fatalf("progress %s: %v", taskID, err)
	}
	return v
}

func owner(account string) Principal {
	return Principal{Acting: account, Owner: account}
}

func grant(t *testing.T, h *harness, grantor, grantee string, caps ...models.Capability) {
	t.Helper()
	var set models.CapabilitySet
	for _, c := range caps {
		set |= models.CapabilitySet(c)
	}
	if _, err := h.engine.GrantDelegation(context.Background(), grantor, grantee, set); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestGoldModeExclusivity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	if _, err := h.engine.UpdateGoldSettings(ctx, p, models.GoldSettings{
		CharacterID:    "char-1",
		GoldDesignated: true,
		AccountingMode: models.AccountingTop3Priority,
	}); err != nil {
		t.Fatalf("gold settings: %v", err)
	}
	h.progress(t, p, target, "raid-a", 1)
	h.progress(t, p, target, "raid-b", 1)
	h.progress(t, p, target, "raid-c", 1)
	h.progress(t, p, target, "raid-d", 2)

	report, err := h.engine.GoldTotal(ctx, p, "char-1")
	if err != nil {
		t.Fatalf("gold total: %v", err)
	}
	if report.Total != 1000 {
		t.Fatalf("top3 total = %d, want 1000", report.Total)
	}

	h.progress(t, p, target, "raid-d", 1)
	if _, err := h.engine.UpdateGoldSettings(ctx, p, models.GoldSettings{
		CharacterID:       "char-1",
		GoldDesignated:    true,
		AccountingMode:    models.AccountingPerRaidExplicit,
		ExplicitGoldRaids: []string{"raid-a", "raid-d"},
	}); err != nil {
		t.Fatalf("gold settings: %v", err)
	}
	report, err = h.engine.GoldTotal(ctx, p, "char-1")
	if err != nil {
		t.Fatalf("gold total: %v", err)
	}
	if report.Total != 1400 {
		t.Fatalf("explicit total = %d, want 1400", report.Total)
	}

	h.character(t, "acct-1", "char-2", "Luterra")
	account, err := h.engine.AccountGold(ctx, p)
	if err != nil {
		t.Fatalf("account gold: %v", err)
	}
	if account.Total != 1400 || len(account.Characters) != 2 {
		t.Fatalf("account gold = %+v", account)
	}
}

func TestUpdateGoldSettingsRejectsNonRaids(t *testing.T) {
	h := newHarness(t, nil)
	h.character(t, "acct-1", "char-1", "Luterra")
	_, err := h.engine.UpdateGoldSettings(context.Background(), owner("acct-1"), models.GoldSettings{
		CharacterID:       "char-1",
		GoldDesignated:    true,
		AccountingMode:    models.AccountingPerRaidExplicit,
		ExplicitGoldRaids: []string{"chaos-dungeon"},
	})
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = h.engine.UpdateGoldSettings(context.Background(), owner("acct-1"), models.GoldSettings{
		CharacterID:    "char-1",
		AccountingMode: "everything",
	})
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for mode, got %v", err)
	}
}

func containsTask(views []TaskView, id string) bool {
	for _, v := range views {
		if v.Task.ID == id {
			return true
		}
	}
	return false
}

func TestWeekdayVisibility(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	views, err := h.engine.ListTasks(ctx, p, target, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !containsTask(views, "wednesday-boss") {
		t.Fatal("expected wednesday-boss on Wednesday")
	}

	h.progress(t, p, target, "wednesday-boss", 1)

	// Before the daily reset on Thursday the game day is still Wednesday.
	h.clock.Set(time.Date(2026, time.October, 15, 5, 0, 0, 0, kst))
	views, err = h.engine.ListTasks(ctx, p, target, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !containsTask(views, "wednesday-boss") {
		t.Fatal("expected wednesday-boss before Thursday reset")
	}

	for day := 15; day <= 20; day++ {
		h.clock.Set(time.Date(2026, time.October, day, 12, 0, 0, 0, kst))
		for _, tgt := range []Target{target, {Server: "Luterra"}} {
			views, err := h.engine.ListTasks(ctx, p, tgt, ListOptions{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if containsTask(views, "wednesday-boss") {
				t.Fatalf("wednesday-boss visible on %s", h.clock.Now().Weekday())
			}
		}
	}

	all, err := h.engine.ListTasks(ctx, p, target, ListOptions{All: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if !containsTask(all, "wednesday-boss") {
		t.Fatal("expected hidden task in full listing")
	}
}

func TestDisabledTasksLeaveVisibleList(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	v, err := h.engine.SubmitEnabledToggle(ctx, p, target, "guardian-raid", false)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if v.State.Enabled {
		t.Fatal("expected disabled state")
	}
	views, err := h.engine.ListTasks(ctx, p, target, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if containsTask(views, "guardian-raid") {
		t.Fatal("disabled task listed")
	}

	// The toggle survives a reset.
	h.clock.Set(wednesdayNoon.AddDate(0, 0, 1))
	state, err := h.engine.TaskState(ctx, p, target, "guardian-raid")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.State.Enabled {
		t.Fatal("toggle lost after reset")
	}
}

func TestDelegatedCheckWeekWithoutChangeSettings(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.character(t, "acct-1", "char-1", "Luterra")
	grant(t, h, "acct-1", "friend", models.CapViewWeek, models.CapCheckWeek)

	friend := Principal{Acting: "friend", Owner: "acct-1"}
	target := Target{Character: "char-1"}

	v, err := h.engine.SubmitProgress(ctx, friend, target, "raid-d", ProgressChange{Delta: 1})
	if err != nil {
		t.Fatalf("delegated progress: %v", err)
	}
	if v.State.Progress != 1 {
		t.Fatalf("progress = %d", v.State.Progress)
	}

	_, err = h.engine.AddCustomTask(ctx, friend, catalog.NewCustomTask{Name: "Sneaky", Frequency: models.FrequencyDaily})
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for custom task, got %v", err)
	}
	_, err = h.engine.SubmitEnabledToggle(ctx, friend, target, "raid-d", false)
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for toggle, got %v", err)
	}
	_, err = h.engine.UpdateGoldSettings(ctx, friend, models.GoldSettings{CharacterID: "char-1", GoldDesignated: true})
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for gold settings, got %v", err)
	}
	_, err = h.engine.SubmitProgress(ctx, friend, target, "chaos-dungeon", ProgressChange{Delta: 1})
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for daily task, got %v", err)
	}

	daily, err := h.engine.TaskState(ctx, friend, target, "chaos-dungeon")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !daily.Redacted || daily.State != nil {
		t.Fatalf("expected redacted daily view, got %+v", daily)
	}
	weekly, err := h.engine.TaskState(ctx, friend, target, "raid-d")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if weekly.Redacted || weekly.State.Progress != 1 {
		t.Fatalf("unexpected weekly view %+v", weekly)
	}
}

func TestNoGrantDeniesEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.character(t, "acct-1", "char-1", "Luterra")
	stranger := Principal{Acting: "stranger", Owner: "acct-1"}
	target := Target{Character: "char-1"}

	for _, id := range []string{"chaos-dungeon", "raid-a", "wednesday-boss"} {
		_, err := h.engine.SubmitProgress(ctx, stranger, target, id, ProgressChange{Delta: 1})
		if !apperr.Is(err, apperr.CodePermissionDenied) {
			t.Fatalf("%s: expected permission denied, got %v", id, err)
		}
		v, err := h.engine.TaskState(ctx, stranger, target, id)
		if err != nil || !v.Redacted {
			t.Fatalf("%s: expected redacted view, got %+v %v", id, v, err)
		}
	}
	views, err := h.engine.ListTasks(ctx, stranger, target, ListOptions{All: true})
	if err != nil || len(views) != 0 {
		t.Fatalf("expected empty listing, got %d %v", len(views), err)
	}
	chars, err := h.engine.ListCharacters(ctx, stranger)
	if err != nil || len(chars) != 0 {
		t.Fatalf("expected no characters, got %v %v", chars, err)
	}
	if _, err := h.engine.CheckAll(ctx, stranger, target, "daily-content"); !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for check all, got %v", err)
	}

	// Nothing about what exists leaks to a caller without a grant.
	for _, tc := range []struct {
		target Target
		taskID string
	}{
		{target, "no-such-task"},
		{Target{Character: "no-such-character"}, "chaos-dungeon"},
		{target, "custom-00000000-0000-0000-0000-000000000000"},
	} {
		v, err := h.engine.TaskState(ctx, stranger, tc.target, tc.taskID)
		if err != nil || !v.Redacted {
			t.Fatalf("%+v: expected redacted view, got %+v %v", tc, v, err)
		}
		_, err = h.engine.SubmitProgress(ctx, stranger, tc.target, tc.taskID, ProgressChange{Delta: 1})
		if !apperr.Is(err, apperr.CodePermissionDenied) {
			t.Fatalf("%+v: expected permission denied, got %v", tc, err)
		}
		_, err = h.engine.SubmitEnabledToggle(ctx, stranger, tc.target, tc.taskID, false)
		if !apperr.Is(err, apperr.CodePermissionDenied) {
			t.Fatalf("%+v: expected permission denied for toggle, got %v", tc, err)
		}
	}
	views, err = h.engine.ListTasks(ctx, stranger, Target{Character: "no-such-character"}, ListOptions{})
	if err != nil || len(views) != 0 {
		t.Fatalf("expected empty listing for unknown character, got %d %v", len(views), err)
	}
}

func TestProgressBounds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	h.progress(t, p, target, "chaos-dungeon", 2)
	_, err := h.engine.SubmitProgress(ctx, p, target, "chaos-dungeon", ProgressChange{Delta: 1})
	if !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	negative := -1
	_, err = h.engine.SubmitProgress(ctx, p, target, "chaos-dungeon", ProgressChange{Absolute: &negative})
	if !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	v, err := h.engine.TaskState(ctx, p, target, "chaos-dungeon")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if v.State.Progress != 2 || v.State.Status != models.StatusComplete {
		t.Fatalf("state changed after rejected updates: %+v", v.State)
	}
}

func TestConcurrentSubmitProgress(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.SubmitProgress(ctx, p, target, "gathering", ProgressChange{Delta: 1}); err != nil {
				failures.Add(1)
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.FailNow()
	}

	v, err := h.engine.TaskState(ctx, p, target, "gathering")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if v.State.Progress != 50 {
		t.Fatalf("progress = %d, want 50", v.State.Progress)
	}
}

func TestResetIsLazyAndIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	h.progress(t, p, target, "chaos-dungeon", 2)
	h.progress(t, p, target, "raid-d", 2)

	for _, at := range []time.Time{
		time.Date(2026, time.October, 15, 7, 0, 0, 0, kst),
		time.Date(2026, time.October, 17, 7, 0, 0, 0, kst),
	} {
		h.clock.Set(at)
		v, err := h.engine.TaskState(ctx, p, target, "chaos-dungeon")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if v.State.Progress != 0 {
			t.Fatalf("daily progress at %s = %d, want 0", at, v.State.Progress)
		}
		w, err := h.engine.TaskState(ctx, p, target, "raid-d")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if w.State.Progress != 2 {
			t.Fatalf("weekly progress at %s = %d, want 2", at, w.State.Progress)
		}
	}

	v := h.progress(t, p, target, "chaos-dungeon", 1)
	if v.State.Progress != 1 {
		t.Fatalf("progress after reset = %d, want 1", v.State.Progress)
	}

	h.clock.Set(time.Date(2026, time.October, 21, 6, 0, 0, 0, kst))
	w, err := h.engine.TaskState(ctx, p, target, "raid-d")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if w.State.Progress != 0 {
		t.Fatalf("weekly progress after weekly reset = %d, want 0", w.State.Progress)
	}
}

func TestServerWideStateIsShared(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	h.character(t, "acct-1", "char-2", "Luterra")
	h.character(t, "acct-1", "char-3", "Kadan")

	h.progress(t, p, Target{Character: "char-1"}, "wednesday-boss", 1)

	shared, err := h.engine.TaskState(ctx, p, Target{Character: "char-2"}, "wednesday-boss")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if shared.State.Progress != 1 || shared.Scope.Key() != "server/acct-1/Luterra" {
		t.Fatalf("unexpected shared view %+v scope %+v", shared.State, shared.Scope)
	}
	bySever, err := h.engine.TaskState(ctx, p, Target{Server: "Luterra"}, "wednesday-boss")
	if err != nil || bySever.State.Progress != 1 {
		t.Fatalf("server target: %+v %v", bySever, err)
	}
	other, err := h.engine.TaskState(ctx, p, Target{Character: "char-3"}, "wednesday-boss")
	if err != nil || other.State.Progress != 0 {
		t.Fatalf("other server: %+v %v", other, err)
	}

	if _, err := h.engine.TaskState(ctx, p, Target{Server: "Luterra"}, "chaos-dungeon"); !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for per-character task on server target, got %v", err)
	}
	if _, err := h.engine.TaskState(ctx, owner("acct-2"), Target{Character: "char-1"}, "chaos-dungeon"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found for foreign character, got %v", err)
	}
}

func TestDelegatedServerWideChangeNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.character(t, "acct-1", "char-1", "Luterra")
	grant(t, h, "acct-1", "friend", models.CapViewDaily, models.CapCheckDaily)
	friend := Principal{Acting: "friend", Owner: "acct-1"}

	h.progress(t, friend, Target{Character: "char-1"}, "chaos-dungeon", 1)
	h.progress(t, owner("acct-1"), Target{Character: "char-1"}, "wednesday-boss", 1)
	if len(h.publisher.events) != 0 {
		t.Fatalf("unexpected events %+v", h.publisher.events)
	}

	h.progress(t, friend, Target{Server: "Luterra"}, "wednesday-boss", -1)
	if len(h.publisher.events) != 1 {
		t.Fatalf("events = %+v", h.publisher.events)
	}
	ev := h.publisher.events[0]
	if ev.Acting != "friend" || ev.Owner != "acct-1" || ev.Server != "Luterra" || ev.TaskID != "wednesday-boss" || ev.Progress != 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCheckAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	group, err := h.engine.CheckAll(ctx, owner("acct-1"), target, "daily-content")
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if group.Complete != 2 || len(group.Tasks) != 2 || group.Reward != 350 {
		t.Fatalf("group = %+v", group)
	}
	// Repeating is a no-op.
	if _, err := h.engine.CheckAll(ctx, owner("acct-1"), target, "daily-content"); err != nil {
		t.Fatalf("check all again: %v", err)
	}
	state, err := h.engine.GroupState(ctx, owner("acct-1"), target, "daily-content")
	if err != nil || state.Complete != 2 {
		t.Fatalf("group state = %+v %v", state, err)
	}

	grant(t, h, "acct-1", "friend", models.CapViewWeek, models.CapCheckWeek)
	friend := Principal{Acting: "friend", Owner: "acct-1"}
	raid, err := h.engine.CheckAll(ctx, friend, target, "raid-d")
	if err != nil {
		t.Fatalf("check all raid: %v", err)
	}
	if raid.Complete != 1 || raid.Reward != 900 {
		t.Fatalf("raid group = %+v", raid)
	}
	if _, err := h.engine.CheckAll(ctx, friend, target, "daily-content"); !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for daily group, got %v", err)
	}

	if _, err := h.engine.CheckAll(ctx, owner("acct-1"), target, "no-such-group"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCustomTaskLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	def, err := h.engine.AddCustomTask(ctx, p, catalog.NewCustomTask{Name: "Guild Donation", Frequency: models.FrequencyDaily})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.engine.AddCustomTask(ctx, p, catalog.NewCustomTask{Name: "GUILD DONATION", Frequency: models.FrequencyDaily}); !apperr.Is(err, apperr.CodeDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}
	if _, err := h.engine.AddCustomTask(ctx, p, catalog.NewCustomTask{Name: "Forever", Frequency: models.FrequencyCustom}); !apperr.Is(err, apperr.CodeInvalidFrequency) {
		t.Fatalf("expected invalid frequency, got %v", err)
	}

	views, err := h.engine.ListTasks(ctx, p, target, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !containsTask(views, def.ID) {
		t.Fatal("custom task missing from listing")
	}
	h.progress(t, p, target, def.ID, 1)

	if _, err := h.engine.TaskState(ctx, owner("acct-2"), target, def.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found for foreign custom task, got %v", err)
	}
	if err := h.engine.RemoveCustomTask(ctx, owner("acct-2"), def.ID); !apperr.Is(err, apperr.CodeNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := h.engine.RemoveCustomTask(ctx, p, "chaos-dungeon"); !apperr.Is(err, apperr.CodeNotOwner) {
		t.Fatalf("expected not owner for global task, got %v", err)
	}
	if err := h.engine.RemoveCustomTask(ctx, p, def.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	views, err = h.engine.ListTasks(ctx, p, target, ListOptions{All: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if containsTask(views, def.ID) {
		t.Fatal("removed task still listed")
	}
	if _, err := h.engine.SubmitEnabledToggle(ctx, p, target, def.ID, true); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("expected invalid state toggling removed task, got %v", err)
	}
	if _, err := h.engine.SubmitEnabledToggle(ctx, p, target, "no-such-task", true); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found toggling unknown task, got %v", err)
	}
}

func TestReorderRaids(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")

	if err := h.engine.ReorderRaids(ctx, p, []string{"raid-d", "raid-a"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	views, err := h.engine.ListTasks(ctx, p, Target{Character: "char-1"}, ListOptions{All: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var raids []string
	for _, v := range views {
		if v.Task.Kind == models.KindRaid {
			raids = append(raids, v.Task.ID)
		}
	}
	if len(raids) != 4 || raids[0] != "raid-d" || raids[1] != "raid-a" {
		t.Fatalf("raid order = %v", raids)
	}
}

func TestRemoveCharacterDropsState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	h.character(t, "acct-1", "char-2", "Luterra")

	h.progress(t, p, Target{Character: "char-1"}, "chaos-dungeon", 1)
	h.progress(t, p, Target{Character: "char-1"}, "wednesday-boss", 1)

	if err := h.engine.RemoveCharacter(ctx, p, "char-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.engine.TaskState(ctx, p, Target{Character: "char-1"}, "chaos-dungeon"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	overrides, err := h.store.ListOverrides(ctx, models.CharacterScope("acct-1", "char-1").Key())
	if err != nil || len(overrides) != 0 {
		t.Fatalf("character overrides = %v %v", overrides, err)
	}
	shared, err := h.engine.TaskState(ctx, p, Target{Character: "char-2"}, "wednesday-boss")
	if err != nil || shared.State.Progress != 1 {
		t.Fatalf("server-wide state lost: %+v %v", shared, err)
	}
	chars, err := h.engine.ListCharacters(ctx, p)
	if err != nil || len(chars) != 1 || chars[0].ID != "char-2" {
		t.Fatalf("characters = %v %v", chars, err)
	}
}

func TestGrantLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.GrantDelegation(ctx, "acct-1", "acct-1", models.CapabilitySet(models.CapViewDaily)); !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for self grant, got %v", err)
	}
	g, err := h.engine.GrantDelegation(ctx, "acct-1", "friend", models.CapabilitySet(models.CapViewDaily|models.CapCheckDaily))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !g.Capabilities.Has(models.CapCheckDaily) || g.Capabilities.Has(models.CapChangeSettings) {
		t.Fatalf("unexpected grant %+v", g)
	}

	out, err := h.engine.ListGrants(ctx, "acct-1")
	if err != nil || len(out) != 1 || out[0].Grantee != "friend" {
		t.Fatalf("grants = %v %v", out, err)
	}
	in, err := h.engine.ListIncomingGrants(ctx, "friend")
	if err != nil || len(in) != 1 || in[0].Grantor != "acct-1" {
		t.Fatalf("incoming = %v %v", in, err)
	}

	if err := h.engine.RevokeDelegation(ctx, "acct-1", "friend"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := h.engine.RevokeDelegation(ctx, "acct-1", "friend"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type flakyStore struct {
	Store
	failures atomic.Int32

	// upsertFailures fail UpsertOverride calls for failTask.
	failTask       string
	upsertFailures atomic.Int32
}

func (f *flakyStore) UpsertOverride(ctx context.Context, scopeKey, taskID string, fn storage.MutateFunc) (models.OverrideState, error) {
	if taskID == f.failTask && f.upsertFailures.Add(-1) >= 0 {
		return models.OverrideState{}, apperr.New(apperr.CodeUnavailable, "database is locked")
	}
	return f.Store.UpsertOverride(ctx, scopeKey, taskID, fn)
}

func (f *flakyStore) GetOverride(ctx context.Context, scopeKey, taskID string) (models.OverrideState, error) {
	if f.failures.Add(-1) >= 0 {
		return models.OverrideState{}, apperr.New(apperr.CodeUnavailable, "database is locked")
	}
	return f.Store.GetOverride(ctx, scopeKey, taskID)
}

func TestUnavailableIsRetried(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, func(s Store) Store {
		flaky = &flakyStore{Store: s}
		return flaky
	})
	h.character(t, "acct-1", "char-1", "Luterra")
	p := owner("acct-1")

	flaky.failures.Store(2)
	if _, err := h.engine.TaskState(context.Background(), p, Target{Character: "char-1"}, "chaos-dungeon"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	flaky.failures.Store(10)
	_, err := h.engine.TaskState(context.Background(), p, Target{Character: "char-1"}, "chaos-dungeon")
	if !apperr.Is(err, apperr.CodeUnavailable) {
		t.Fatalf("expected unavailable after retries, got %v", err)
	}
}

func TestRaidGatePermissions(t *testing.T) {
	tests := []struct {
		name     string
		caps     []models.Capability
		view     bool
		check    bool
		goldView bool
	}{
		{"week bits", []models.Capability{models.CapViewWeek, models.CapCheckWeek}, true, true, false},
		{"raid bits", []models.Capability{models.CapViewRaid, models.CapCheckRaid}, true, true, true},
		{"view week only", []models.Capability{models.CapViewWeek}, true, false, false},
		{"view raid only", []models.Capability{models.CapViewRaid}, true, false, true},
		{"check raid only", []models.Capability{models.CapCheckRaid}, false, true, false},
		{"daily bits", []models.Capability{models.CapViewDaily, models.CapCheckDaily}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			h.character(t, "acct-1", "char-1", "Luterra")
			grant(t, h, "acct-1", "friend", tt.caps...)
			friend := Principal{Acting: "friend", Owner: "acct-1"}
			target := Target{Character: "char-1"}

			v, err := h.engine.TaskState(ctx, friend, target, "raid-d")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if v.Redacted == tt.view {
				t.Fatalf("redacted = %v, want view %v", v.Redacted, tt.view)
			}

			full := 3
			_, progressErr := h.engine.SubmitProgress(ctx, friend, target, "raid-d", ProgressChange{Absolute: &full})
			_, checkErr := h.engine.CheckAll(ctx, friend, target, "raid-d")
			for name, err := range map[string]error{"progress": progressErr, "check all": checkErr} {
				if tt.check && err != nil {
					t.Fatalf("%s: %v", name, err)
				}
				if !tt.check && !apperr.Is(err, apperr.CodePermissionDenied) {
					t.Fatalf("%s: expected permission denied, got %v", name, err)
				}
			}

			_, err = h.engine.GoldTotal(ctx, friend, "char-1")
			if tt.goldView != (err == nil) {
				t.Fatalf("gold view err = %v, want allowed %v", err, tt.goldView)
			}
		})
	}
}

func TestCheckAllPartialFailure(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, func(s Store) Store {
		flaky = &flakyStore{Store: s, failTask: "guardian-raid"}
		return flaky
	})
	ctx := context.Background()
	p := owner("acct-1")
	h.character(t, "acct-1", "char-1", "Luterra")
	target := Target{Character: "char-1"}

	// Fail every retry of the second task.
	flaky.upsertFailures.Store(5)
	partial, err := h.engine.CheckAll(ctx, p, target, "daily-content")
	if !apperr.Is(err, apperr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(partial.Tasks) != 1 || partial.Tasks[0].Task.ID != "chaos-dungeon" || partial.Complete != 1 || partial.Reward != 300 {
		t.Fatalf("partial group = %+v", partial)
	}
	state, err := h.engine.GroupState(ctx, p, target, "daily-content")
	if err != nil || state.Complete != 1 || state.Reward != 300 {
		t.Fatalf("group state after failure = %+v %v", state, err)
	}

	group, err := h.engine.CheckAll(ctx, p, target, "daily-content")
	if err != nil {
		t.Fatalf("check all after recovery: %v", err)
	}
	if group.Complete != 2 || group.Reward != 350 {
		t.Fatalf("group after recovery = %+v", group)
	}
	for _, v := range group.Tasks {
		if v.State.Progress != v.Task.GateCount {
			t.Fatalf("%s progress = %d, want %d", v.Task.ID, v.State.Progress, v.Task.GateCount)
		}
	}
}
