package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/services"
	"github.com/AchilleasB/family-hub/penalty-service/test/mocks"
)

type memoryCache struct {
	mu      sync.Mutex
	saved   []domain.Penalty
	saveErr error
}

func (c *memoryCache) SavePending(ctx context.Context, ps []domain.Penalty) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saved = ps
	return nil
}

func (c *memoryCache) LoadPending(ctx context.Context) ([]domain.Penalty, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved, nil
}

func (c *memoryCache) Saved() []domain.Penalty {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

func seedRemote(t *testing.T, store *mocks.MockDocumentStore, p domain.Penalty) {
	t.Helper()
	fields, err := domain.PenaltyFields(p)
	require.NoError(t, err)
	store.Seed(domain.PenaltiesCollection, p.ID, fields)
}

func TestSync_OfflineCreateGetsCanonicalID(t *testing.T) {
	f := newFixture(t)
	f.store.SetConnected(false)
	ctx := context.Background()

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)

	_, err = f.engine.Sync(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.Equal(t, 1, f.engine.PendingCount())
	assert.Empty(t, f.store.CreateCalls)

	f.store.SetConnected(true)
	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, report.Failures)

	all := f.engine.All()
	require.Len(t, all, 1)
	assert.Equal(t, "srv-1", all[0].ID)
	assert.Equal(t, domain.SyncSynced, all[0].SyncState)
	assert.Equal(t, 0, f.engine.PendingCount())

	byOldID, err := f.engine.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", byOldID.ID)

	docs := f.store.Documents(domain.PenaltiesCollection)
	require.Len(t, docs, 1)
	assert.Equal(t, p.ID, docs[0].Data[domain.FieldLocalID])

	// Nothing left to push.
	report, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Created+report.Updated)
	assert.Len(t, f.store.CreateCalls, 1)
}

func TestSync_FailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	b, err := f.engine.CreatePenalty(ctx, yellowFixed("emma", 3))
	require.NoError(t, err)

	boom := errors.New("deadline exceeded")
	f.store.FailCreates[a.ID] = boom

	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, a.ID, report.Failures[0].PenaltyID)
	assert.ErrorIs(t, report.Failures[0], domain.ErrSyncFailure)
	assert.ErrorIs(t, report.Failures[0], boom)
	assert.True(t, services.IsSyncFailure(report.Failures[0]))

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, domain.SyncLocal, pending[0].SyncState)

	status := f.engine.SyncStatus(ctx)
	assert.Equal(t, 1, status.Pending)
	assert.NotEmpty(t, status.LastError)

	delete(f.store.FailCreates, a.ID)
	report, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, f.engine.PendingCount())

	got, err := f.engine.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, got.SyncState)
	assert.Empty(t, f.engine.SyncStatus(ctx).LastError)
}

func TestSync_LostAcknowledgementDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)

	// The store committed an earlier push whose response never arrived.
	fields, err := domain.PenaltyFields(p)
	require.NoError(t, err)
	first, err := f.store.CreateDocument(ctx, domain.PenaltiesCollection, fields)
	require.NoError(t, err)

	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)

	assert.Len(t, f.store.Documents(domain.PenaltiesCollection), 1)
	all := f.engine.All()
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
}

func TestSync_WriteDuringPushWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)

	f.store.BeforeCreate = func(localID string) {
		_, err := f.engine.AddReflection(ctx, localID, "written while pushing")
		require.NoError(t, err)
	}
	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	got, err := f.engine.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, domain.SyncModified, got.SyncState)
	require.Len(t, got.Reflections, 1)

	f.store.BeforeCreate = nil
	report, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, []string{"srv-1"}, f.store.UpdateCalls)
	assert.Zero(t, f.engine.PendingCount())

	docs := f.store.Documents(domain.PenaltiesCollection)
	require.Len(t, docs, 1)
	reflections, ok := docs[0].Data["reflections"].([]any)
	require.True(t, ok)
	assert.Len(t, reflections, 1)
}

func TestSync_ModifiedRecordIsUpdated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRemote(t, f.store, mocks.SamplePenalty("srv-9", "emma", domain.TypeRed, 7))
	require.NoError(t, f.engine.Connect(ctx))

	_, err := f.engine.EndPenalty(ctx, "srv-9", "sorry")
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.PendingCount())

	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	docs := f.store.Documents(domain.PenaltiesCollection)
	require.Len(t, docs, 1)
	assert.Equal(t, false, docs[0].Data["active"])
	assert.EqualValues(t, 0, docs[0].Data["remaining"])
}

func TestSync_UpdateFailureKeepsModified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRemote(t, f.store, mocks.SamplePenalty("srv-9", "emma", domain.TypeRed, 7))
	require.NoError(t, f.engine.Connect(ctx))

	_, err := f.engine.AdjustTime(ctx, "srv-9", 3)
	require.NoError(t, err)
	f.store.UpdateError = errors.New("unavailable")

	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	got, _ := f.engine.Get("srv-9")
	assert.Equal(t, domain.SyncModified, got.SyncState)
	assert.Equal(t, 10, got.Duration)
}

func TestSync_NoStore(t *testing.T) {
	e := services.NewEngine(domain.DefaultDurationConfig())
	defer e.Close()

	_, err := e.Sync(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.ErrorIs(t, e.Connect(context.Background()), domain.ErrConnectionUnavailable)
	assert.False(t, e.SyncStatus(context.Background()).StoreConfigured)
}

func TestConnect_OfflineFallsBack(t *testing.T) {
	f := newFixture(t)
	f.store.SetConnected(false)

	err := f.engine.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.Zero(t, f.store.ListenerCount())

	_, err = f.engine.CreatePenalty(context.Background(), yellowFixed("noah", 2))
	require.NoError(t, err)
	assert.Len(t, f.engine.Active(), 1)
}

func TestConnect_ListenErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	f.store.ListenError = errors.New("listen refused")

	err := f.engine.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.False(t, f.engine.SyncStatus(context.Background()).Subscribed)
}

func TestApplySnapshot_ReplacesServerRecordsKeepsLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRemote(t, f.store, mocks.SamplePenalty("srv-1", "emma", domain.TypeRed, 7))
	seedRemote(t, f.store, mocks.SamplePenalty("srv-2", "noah", domain.TypeYellow, 3))

	require.NoError(t, f.engine.Connect(ctx))
	assert.Len(t, f.engine.All(), 2)
	assert.True(t, f.engine.SyncStatus(ctx).Subscribed)

	f.store.SetConnected(false)
	local, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 1))
	require.NoError(t, err)

	// srv-2 disappears remotely and srv-1 gains a reflection.
	remote := mocks.SamplePenalty("srv-1", "emma", domain.TypeRed, 7)
	remote.Reflections = []domain.Reflection{{Text: "from the other phone", CreatedAt: mocks.TestStart}}
	fields, err := domain.PenaltyFields(remote)
	require.NoError(t, err)
	f.engine.ApplySnapshot([]ports.Document{{ID: "srv-1", Data: fields}})

	all := f.engine.All()
	require.Len(t, all, 2)
	got, err := f.engine.Get("srv-1")
	require.NoError(t, err)
	require.Len(t, got.Reflections, 1)
	assert.Equal(t, "from the other phone", got.Reflections[0].Text)

	_, err = f.engine.Get("srv-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	kept, err := f.engine.Get(local.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncLocal, kept.SyncState)
}

func TestApplySnapshot_DoesNotClobberModified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRemote(t, f.store, mocks.SamplePenalty("srv-1", "emma", domain.TypeRed, 7))
	require.NoError(t, f.engine.Connect(ctx))

	_, err := f.engine.AdjustTime(ctx, "srv-1", 2)
	require.NoError(t, err)

	f.store.Emit(domain.PenaltiesCollection)

	got, _ := f.engine.Get("srv-1")
	assert.Equal(t, 9, got.Duration)
	assert.Equal(t, domain.SyncModified, got.SyncState)
}

func TestApplySnapshot_InFlightCreateIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Connect(ctx))
	f.store.AutoNotify = true

	var sizes []int
	f.store.BeforeCreate = func(string) { sizes = append(sizes, len(f.engine.All())) }

	_, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, sizes)
	f.store.Emit(domain.PenaltiesCollection)
	all := f.engine.All()
	require.Len(t, all, 1)
	assert.Equal(t, "srv-1", all[0].ID)
	assert.Equal(t, domain.SyncSynced, all[0].SyncState)
}

func TestApplySnapshot_SkipsUndecodableDocuments(t *testing.T) {
	f := newFixture(t)
	good := mocks.SamplePenalty("srv-1", "emma", domain.TypeRed, 7)
	fields, err := domain.PenaltyFields(good)
	require.NoError(t, err)
	bad, err := domain.PenaltyFields(mocks.SamplePenalty("srv-2", "emma", domain.TypeRed, 7))
	require.NoError(t, err)
	bad["category"] = "sports"

	f.engine.ApplySnapshot([]ports.Document{
		{ID: "srv-1", Data: fields},
		{ID: "srv-2", Data: bad},
	})

	all := f.engine.All()
	require.Len(t, all, 1)
	assert.Equal(t, "srv-1", all[0].ID)
}

func TestApplySnapshot_CompletesExpiredRemoteRecords(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(8 * day)
	fields, err := domain.PenaltyFields(mocks.SamplePenalty("srv-1", "emma", domain.TypeRed, 7))
	require.NoError(t, err)

	f.engine.ApplySnapshot([]ports.Document{{ID: "srv-1", Data: fields}})

	got, err := f.engine.Get("srv-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, domain.SyncModified, got.SyncState)
	assertInvariants(t, got)
}

func TestRestorePending(t *testing.T) {
	cache := &memoryCache{}
	f := newFixture(t, services.WithPendingCache(cache))
	ctx := context.Background()
	f.store.SetConnected(true)
	f.store.CreateError = errors.New("store rejected write")

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, cache.saved, 1)

	restarted := services.NewEngine(domain.DefaultDurationConfig(), services.WithPendingCache(cache))
	defer restarted.Close()
	n, err := restarted.RestorePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restarted.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncLocal, got.SyncState)

	n, err = restarted.RestorePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already present ids are skipped")
}

func TestSync_OfflineStoreStillSavesPending(t *testing.T) {
	cache := &memoryCache{}
	f := newFixture(t, services.WithPendingCache(cache))
	f.store.SetConnected(false)
	ctx := context.Background()

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	_, err = f.engine.Sync(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)

	saved := cache.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, p.ID, saved[0].ID)
	assert.Equal(t, domain.SyncLocal, saved[0].SyncState)

	restarted := services.NewEngine(domain.DefaultDurationConfig(), services.WithPendingCache(cache))
	defer restarted.Close()
	n, err := restarted.RestorePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSync_WithoutStoreStillSavesPending(t *testing.T) {
	cache := &memoryCache{}
	e := services.NewEngine(domain.DefaultDurationConfig(), services.WithPendingCache(cache))
	defer e.Close()
	ctx := context.Background()

	p, err := e.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	_, err = e.Sync(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)

	saved := cache.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, p.ID, saved[0].ID)

	_, err = e.EndPenalty(ctx, p.ID, "")
	require.NoError(t, err)
	_, err = e.Sync(ctx)
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	saved = cache.Saved()
	require.Len(t, saved, 1)
	assert.False(t, saved[0].Active)
}

func TestApplySnapshot_KeepsRecordConfirmedAfterRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.CreatePenalty(ctx, yellowFixed("noah", 5))
	require.NoError(t, err)
	// Read before the create commits, delivered after it is confirmed.
	stale := f.store.Documents(domain.PenaltiesCollection)
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)

	f.engine.ApplySnapshot(stale)
	got, err := f.engine.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, domain.SyncSynced, got.SyncState)

	// Once the store has shown it, a later removal is honoured.
	f.engine.ApplySnapshot(f.store.Documents(domain.PenaltiesCollection))
	f.engine.ApplySnapshot(nil)
	_, err = f.engine.Get("srv-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSync_RemovedDocumentIsRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRemote(t, f.store, mocks.SamplePenalty("srv-9", "emma", domain.TypeRed, 7))
	require.NoError(t, f.engine.Connect(ctx))

	_, err := f.engine.EndPenalty(ctx, "srv-9", "sorry")
	require.NoError(t, err)
	f.store.Remove(domain.PenaltiesCollection, "srv-9")

	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, []string{"srv-9"}, f.store.UpdateCalls)
	assert.Zero(t, f.engine.PendingCount())

	got, err := f.engine.Get("srv-9")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, domain.SyncSynced, got.SyncState)
	assert.False(t, got.Active)

	docs := f.store.Documents(domain.PenaltiesCollection)
	require.Len(t, docs, 1)
	assert.Equal(t, "srv-9", docs[0].Data[domain.FieldLocalID])
	assert.Equal(t, false, docs[0].Data["active"])
}
