package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/services"
	"github.com/AchilleasB/family-hub/penalty-service/test/mocks"
)

const day = 24 * time.Hour

type engineFixture struct {
	engine   *services.Engine
	clock    *mocks.FakeClock
	notifier *mocks.MockNotificationScheduler
	store    *mocks.MockDocumentStore
}

func newFixture(t *testing.T, opts ...services.EngineOption) *engineFixture {
	t.Helper()
	f := &engineFixture{
		clock:    mocks.NewFakeClock(mocks.TestStart),
		notifier: mocks.NewMockNotificationScheduler(),
		store:    mocks.NewMockDocumentStore(),
	}
	base := []services.EngineOption{
		services.WithClock(f.clock),
		services.WithNotifier(f.notifier),
		services.WithStore(f.store),
	}
	f.engine = services.NewEngine(domain.DefaultDurationConfig(), append(base, opts...)...)
	t.Cleanup(f.engine.Close)
	return f
}

func yellowFixed(member string, duration int) services.NewPenalty {
	return services.NewPenalty{
		MemberID:  member,
		Reason:    "hit his sister",
		Category:  domain.CategoryBehavior,
		Type:      domain.TypeYellow,
		Method:    domain.MethodFixed,
		Duration:  mocks.IntPtr(duration),
		CreatedBy: "dad",
	}
}

func redFixed(member string, duration int) services.NewPenalty {
	req := yellowFixed(member, duration)
	req.Type = domain.TypeRed
	req.Category = domain.CategoryScreenTime
	return req
}

func assertInvariants(t *testing.T, p domain.Penalty) {
	t.Helper()
	assert.GreaterOrEqual(t, p.Remaining, 0, "remaining must not be negative")
	assert.LessOrEqual(t, p.Remaining, p.Duration, "remaining must not exceed duration")
	if !p.Active {
		assert.Equal(t, 0, p.Remaining)
		assert.NotNil(t, p.EndTime)
	} else {
		assert.Positive(t, p.Remaining)
		assert.Nil(t, p.EndTime)
	}
}

func TestCreatePenalty_YellowFixed(t *testing.T) {
	f := newFixture(t)

	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 5))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 5, p.Duration)
	assert.Equal(t, 5, p.Remaining)
	assert.True(t, p.Active)
	assert.Equal(t, mocks.TestStart, p.StartTime)
	assert.Equal(t, mocks.TestStart.Add(5*day), p.EndsAt)
	assert.Equal(t, domain.SyncLocal, p.SyncState)
	assertInvariants(t, p)
}

func TestCreatePenalty_SchedulesNotification(t *testing.T) {
	f := newFixture(t)

	p, err := f.engine.CreatePenalty(context.Background(), redFixed("noah", 10))
	require.NoError(t, err)
	f.engine.Close()

	scheduled := f.notifier.GetScheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, p.ID, scheduled[0].ID)
	assert.Equal(t, domain.TypeRed, scheduled[0].Type)
	assert.Equal(t, "noah", scheduled[0].AssignedTo)
	assert.Equal(t, 10, scheduled[0].DurationDays)
	assert.Equal(t, []string{"hit his sister"}, scheduled[0].Reasons)
}

func TestCreatePenalty_NotificationFailureDoesNotFailCreate(t *testing.T) {
	f := newFixture(t)
	f.notifier.ScheduleError = context.DeadlineExceeded

	_, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)
	f.engine.Close()

	assert.Equal(t, 1, f.notifier.CallCount)
	assert.Len(t, f.engine.All(), 1)
}

func TestCreatePenalty_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*services.NewPenalty)
		target error
	}{
		{"duration not an option", func(r *services.NewPenalty) { r.Duration = mocks.IntPtr(4) }, domain.ErrInvalidDuration},
		{"duration above range", func(r *services.NewPenalty) { r.Duration = mocks.IntPtr(9) }, domain.ErrInvalidDuration},
		{"fixed without duration", func(r *services.NewPenalty) { r.Duration = nil }, domain.ErrInvalidDuration},
		{"unknown category", func(r *services.NewPenalty) { r.Category = "sports" }, domain.ErrInvalidCategory},
		{"unknown type", func(r *services.NewPenalty) { r.Type = "green" }, domain.ErrInvalidType},
		{"unknown method", func(r *services.NewPenalty) { r.Method = "lottery" }, domain.ErrValidation},
		{"self assigned", func(r *services.NewPenalty) { r.CreatedBy = r.MemberID }, domain.ErrValidation},
		{"missing reason", func(r *services.NewPenalty) { r.Reason = "" }, domain.ErrValidation},
		{"missing member", func(r *services.NewPenalty) { r.MemberID = "" }, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := yellowFixed("noah", 5)
			tt.mutate(&req)

			_, err := f.engine.CreatePenalty(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, f.engine.All())
		})
	}
}

func TestCreatePenalty_RandomUsesSelector(t *testing.T) {
	f := newFixture(t, services.WithRandom(mocks.NewSequenceRandom(3)))

	req := redFixed("emma", 0)
	req.Method = domain.MethodRandom
	req.Duration = nil

	p, err := f.engine.CreatePenalty(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 21, p.Duration, "index 3 of the red options")
	assert.Equal(t, domain.MethodRandom, p.Method)
}

func TestCreatePenalty_RandomWithPresentedValue(t *testing.T) {
	f := newFixture(t, services.WithRandom(mocks.NewSequenceRandom(1)))

	spin, err := f.engine.Spin(domain.TypeYellow)
	require.NoError(t, err)

	req := yellowFixed("emma", spin.Value)
	req.Method = domain.MethodRandom
	p, err := f.engine.CreatePenalty(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, spin.Value, p.Duration)

	req.Duration = mocks.IntPtr(6)
	_, err = f.engine.CreatePenalty(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidDuration)
}

func TestAdjustTime_ToZeroCompletes(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 5))
	require.NoError(t, err)

	adjusted, err := f.engine.AdjustTime(context.Background(), p.ID, -5)
	require.NoError(t, err)

	assert.Equal(t, 0, adjusted.Remaining)
	assert.False(t, adjusted.Active)
	require.NotNil(t, adjusted.EndTime)
	assert.Equal(t, mocks.TestStart, *adjusted.EndTime)
	assert.Empty(t, adjusted.Reflections)
	require.Len(t, adjusted.TimeAdjustments, 1)
	assert.Equal(t, -5, adjusted.TimeAdjustments[0].Delta)
	assertInvariants(t, adjusted)
}

func TestAdjustTime_ExtendsAndShortens(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)

	p, err = f.engine.AdjustTime(context.Background(), p.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Duration)
	assert.Equal(t, 5, p.Remaining)
	assert.Equal(t, mocks.TestStart.Add(5*day), p.EndsAt)

	p, err = f.engine.AdjustTime(context.Background(), p.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Duration)
	assert.Equal(t, 4, p.Remaining)
	assert.True(t, p.Active)
}

func TestAdjustTime_BelowZeroFloors(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 2))
	require.NoError(t, err)

	p, err = f.engine.AdjustTime(context.Background(), p.ID, -10)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Remaining)
	assert.Equal(t, 0, p.Duration)
	assert.False(t, p.Active)
	assertInvariants(t, p)
}

func TestAdjustTime_Errors(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 2))
	require.NoError(t, err)

	_, err = f.engine.AdjustTime(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.engine.AdjustTime(context.Background(), p.ID, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.EndPenalty(context.Background(), p.ID, "")
	require.NoError(t, err)

	_, err = f.engine.AdjustTime(context.Background(), p.ID, 1)
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestEndPenalty_WithReflection(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), redFixed("noah", 10))
	require.NoError(t, err)

	f.clock.Advance(2 * day)
	ended, err := f.engine.EndPenalty(context.Background(), p.ID, "I understand now")
	require.NoError(t, err)

	assert.False(t, ended.Active)
	assert.Equal(t, 0, ended.Remaining)
	require.NotNil(t, ended.EndTime)
	assert.Equal(t, mocks.TestStart.Add(2*day), *ended.EndTime)
	require.Len(t, ended.Reflections, 1)
	assert.Equal(t, "I understand now", ended.Reflections[0].Text)
	assert.Equal(t, 10, ended.Duration, "duration is frozen at completion")
}

func TestEndPenalty_Idempotent(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), redFixed("noah", 10))
	require.NoError(t, err)

	first, err := f.engine.EndPenalty(context.Background(), p.ID, "sorry")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.engine.EndPenalty(context.Background(), p.ID, "sorry again")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, second.Reflections, 1)
}

func TestEndPenalty_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EndPenalty(context.Background(), "nope", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAddReflection_AppendsInBothStates(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)

	_, err = f.engine.AddReflection(context.Background(), p.ID, "thinking about it")
	require.NoError(t, err)
	_, err = f.engine.EndPenalty(context.Background(), p.ID, "done")
	require.NoError(t, err)
	p, err = f.engine.AddReflection(context.Background(), p.ID, "one more thing")
	require.NoError(t, err)

	texts := make([]string, 0, len(p.Reflections))
	for _, r := range p.Reflections {
		texts = append(texts, r.Text)
	}
	assert.Equal(t, []string{"thinking about it", "done", "one more thing"}, texts)

	_, err = f.engine.AddReflection(context.Background(), p.ID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.engine.AddReflection(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTick_CountsDownAndExpires(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)

	assert.Empty(t, f.engine.Tick(f.clock.Advance(12*time.Hour)))
	got, _ := f.engine.Get(p.ID)
	assert.Equal(t, 3, got.Remaining, "partial days round up")

	f.engine.Tick(f.clock.Advance(12 * time.Hour))
	got, _ = f.engine.Get(p.ID)
	assert.Equal(t, 2, got.Remaining)

	completed := f.engine.Tick(f.clock.Advance(2 * day))
	assert.Equal(t, []string{p.ID}, completed)
	got, _ = f.engine.Get(p.ID)
	assert.False(t, got.Active)
	assert.Empty(t, got.Reflections)
	assertInvariants(t, got)
}

func TestTick_SameInstantTwice(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 1))
	require.NoError(t, err)

	var mu sync.Mutex
	completions := 0
	f.engine.Subscribe(func(c services.Change) {
		if c.Kind == services.ChangeCompleted {
			mu.Lock()
			completions++
			mu.Unlock()
		}
	})

	now := mocks.TestStart.Add(day)
	assert.Equal(t, []string{p.ID}, f.engine.Tick(now))
	first, _ := f.engine.Get(p.ID)
	assert.Equal(t, 0, first.Remaining)
	assert.False(t, first.Active)

	assert.Empty(t, f.engine.Tick(now))
	second, _ := f.engine.Get(p.ID)
	assert.Equal(t, first, second)

	mu.Lock()
	assert.Equal(t, 1, completions)
	mu.Unlock()
}

func TestTick_EarlierInstantNeverIncreasesRemaining(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), redFixed("noah", 10))
	require.NoError(t, err)

	f.engine.Tick(mocks.TestStart.Add(4 * day))
	f.engine.Tick(mocks.TestStart.Add(1 * day))

	got, _ := f.engine.Get(p.ID)
	assert.Equal(t, 6, got.Remaining)
}

func TestStats_ActiveAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	done, err := f.engine.CreatePenalty(ctx, redFixed("noah", 10))
	require.NoError(t, err)
	_, err = f.engine.EndPenalty(ctx, done.ID, "")
	require.NoError(t, err)

	stats := f.engine.Stats()
	assert.Equal(t, 2, stats.TotalPenalties)
	assert.Equal(t, 1, stats.ActivePenalties)
	assert.Equal(t, 1, stats.CompletedPenalties)
	assert.Equal(t, 1, stats.ByType[domain.TypeYellow])
	assert.Equal(t, 1, stats.ByType[domain.TypeRed])
	assert.Equal(t, 10, stats.TotalTimeServed)
	assert.InDelta(t, 10.0, stats.AverageDuration, 1e-9)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 1))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	b, err := f.engine.CreatePenalty(ctx, redFixed("emma", 7))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	c, err := f.engine.CreatePenalty(ctx, redFixed("noah", 14))
	require.NoError(t, err)
	_, err = f.engine.EndPenalty(ctx, c.ID, "")
	require.NoError(t, err)

	ids := func(ps []domain.Penalty) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(f.engine.All()), "newest first")
	assert.Equal(t, []string{b.ID, a.ID}, ids(f.engine.Active()))
	assert.Equal(t, []string{c.ID}, ids(f.engine.Completed()))
	assert.Equal(t, []string{c.ID, a.ID}, ids(f.engine.ByMember("noah")))
	assert.Equal(t, []string{c.ID, b.ID}, ids(f.engine.ByType(domain.TypeRed)))
	assert.Equal(t, []string{a.ID}, ids(f.engine.ByCategory(domain.CategoryBehavior)))

	memberStats := f.engine.StatsForMember("emma")
	assert.Equal(t, 1, memberStats.TotalPenalties)
	assert.Equal(t, 1, memberStats.ActivePenalties)
}

func TestGet_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)

	got, err := f.engine.Get(p.ID)
	require.NoError(t, err)
	got.Reflections = append(got.Reflections, domain.Reflection{Text: "sneaky"})
	got.Remaining = 99

	again, _ := f.engine.Get(p.ID)
	assert.Empty(t, again.Reflections)
	assert.Equal(t, 3, again.Remaining)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	f := newFixture(t)
	var kinds []services.ChangeKind
	unsubscribe := f.engine.Subscribe(func(c services.Change) { kinds = append(kinds, c.Kind) })

	p, err := f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 3))
	require.NoError(t, err)
	_, err = f.engine.AdjustTime(context.Background(), p.ID, 1)
	require.NoError(t, err)
	unsubscribe()
	_, err = f.engine.EndPenalty(context.Background(), p.ID, "")
	require.NoError(t, err)

	assert.Equal(t, []services.ChangeKind{services.ChangeCreated, services.ChangeAdjusted}, kinds)
}
