package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

// SyncFailure is a per-record push failure. The record keeps its pending
// state and is retried on the next pass.
type SyncFailure struct {
	PenaltyID string
	Err       error
}

func (f SyncFailure) Error() string {
	return fmt.Sprintf("sync %s: %v", f.PenaltyID, f.Err)
}

func (f SyncFailure) Unwrap() []error {
	return []error{domain.ErrSyncFailure, f.Err}
}

type SyncReport struct {
	Created  int
	Updated  int
	Failures []SyncFailure
}

type SyncStatus struct {
	Connected       bool   `json:"connected"`
	Pending         int    `json:"pending"`
	LastError       string `json:"lastError,omitempty"`
	Subscribed      bool   `json:"subscribed"`
	StoreConfigured bool   `json:"storeConfigured"`
}

// Connect subscribes to the remote collection. When the store cannot be
// reached it returns ErrConnectionUnavailable and the engine keeps working
// offline.
func (e *Engine) Connect(ctx context.Context) error {
	if e.store == nil {
		return domain.ErrConnectionUnavailable
	}
	if !e.store.CheckConnection(ctx) {
		e.logger.Warn("document store unreachable, running offline")
		return domain.ErrConnectionUnavailable
	}

	unsub, err := e.store.ListenToCollection(ctx, domain.PenaltiesCollection, func(docs []ports.Document, err error) {
		if err != nil {
			e.logger.Warn("realtime update failed", slog.Any("error", err))
			return
		}
		e.ApplySnapshot(docs)
	}, ports.ListenOptions{OrderBy: "startTime", Descending: true})
	if err != nil {
		e.logger.Warn("subscribe failed, running offline", slog.Any("error", err))
		return fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
	}

	e.mu.Lock()
	prev := e.unsubscribe
	e.unsubscribe = unsub
	e.mu.Unlock()
	if prev != nil {
		prev()
	}
	e.logger.Info("subscribed to document store", slog.String("collection", domain.PenaltiesCollection))
	return nil
}

// ApplySnapshot replaces every server-known record with the store's copy.
// Records with unpushed local changes are kept as they are until they sync.
func (e *Engine) ApplySnapshot(docs []ports.Document) {
	remote := make(map[string]*domain.Penalty, len(docs))
	// server id by offline id, for creates whose acknowledgement is still in flight
	confirmed := make(map[string]string)
	for _, doc := range docs {
		p, err := domain.PenaltyFromFields(doc.ID, doc.Data)
		if err != nil {
			e.logger.Warn("skipping undecodable document", slog.String("id", doc.ID), slog.Any("error", err))
			continue
		}
		remote[doc.ID] = &p
		if localID, ok := doc.Data[domain.FieldLocalID].(string); ok && localID != "" {
			confirmed[localID] = doc.ID
		}
	}

	now := e.clock.Now()
	var changes []Change

	e.mu.Lock()
	for id := range remote {
		delete(e.unechoed, id)
	}
	next := remote
	for id, cur := range e.penalties {
		switch cur.SyncState {
		case domain.SyncLocal:
			if serverID, ok := confirmed[id]; ok {
				delete(next, serverID)
			}
			next[id] = cur
		case domain.SyncModified:
			next[id] = cur
		default:
			if r, ok := next[id]; ok {
				r.Revision = cur.Revision
			} else if _, ok := e.unechoed[id]; ok {
				// Confirmed by a push after this snapshot was read.
				next[id] = cur
			}
		}
	}
	for _, p := range next {
		if !p.Active {
			continue
		}
		r := p.RemainingAt(now, e.unit)
		if r == 0 {
			p.Complete(now, "")
			touch(p)
			changes = append(changes, changeOf(ChangeCompleted, p))
			continue
		}
		p.Remaining = r
	}
	e.penalties = next
	e.mu.Unlock()

	e.observeCounts()
	e.emit(append([]Change{{Kind: ChangeSnapshot}}, changes...)...)
	if len(changes) > 0 {
		e.requestSync()
	}
}

type pushItem struct {
	penalty domain.Penalty
	fields  map[string]any
}

func (e *Engine) pendingItems() []pushItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]pushItem, 0)
	for _, p := range e.penalties {
		if !p.SyncState.Pending() {
			continue
		}
		c := p.Clone()
		fields, err := domain.PenaltyFields(c)
		if err != nil {
			e.logger.Error("cannot encode penalty", slog.String("id", c.ID), slog.Any("error", err))
			continue
		}
		items = append(items, pushItem{penalty: c, fields: fields})
	}
	return items
}

// Sync pushes every pending record to the store. Each record either becomes
// fully server-confirmed or stays fully pending; failures are reported and
// retried on the next call. Whatever is still pending afterwards is saved to
// the pending cache, also when the store is unreachable.
func (e *Engine) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	defer e.persistPending(ctx)

	if e.store == nil {
		return report, domain.ErrConnectionUnavailable
	}

	if !e.store.CheckConnection(ctx) {
		syncRuns.WithLabelValues("offline").Inc()
		e.setLastSyncErr(domain.ErrConnectionUnavailable)
		return report, fmt.Errorf("sync: %w", domain.ErrConnectionUnavailable)
	}

	for _, item := range e.pendingItems() {
		if err := ctx.Err(); err != nil {
			break
		}
		p := item.penalty
		if p.SyncState == domain.SyncModified {
			err := e.store.UpdateDocument(ctx, domain.PenaltiesCollection, p.ID, item.fields)
			switch {
			case err == nil:
				syncPushes.WithLabelValues("update", "ok").Inc()
				e.confirmUpdate(p)
				report.Updated++
				continue
			case errors.Is(err, domain.ErrNotFound):
				syncPushes.WithLabelValues("update", "missing").Inc()
				recreate, ok := e.demoteToLocal(p.ID)
				if !ok {
					continue
				}
				item, p = recreate, recreate.penalty
			default:
				report.Failures = append(report.Failures, e.pushFailed("update", p.ID, err))
				continue
			}
		}

		doc, err := e.store.CreateDocument(ctx, domain.PenaltiesCollection, item.fields)
		if err != nil {
			report.Failures = append(report.Failures, e.pushFailed("create", p.ID, err))
			continue
		}
		syncPushes.WithLabelValues("create", "ok").Inc()
		e.confirmCreate(p, doc.ID)
		report.Created++
	}

	var lastErr error
	if len(report.Failures) > 0 {
		lastErr = report.Failures[len(report.Failures)-1]
		syncRuns.WithLabelValues("partial").Inc()
	} else {
		syncRuns.WithLabelValues("ok").Inc()
	}
	e.setLastSyncErr(lastErr)
	e.observeCounts()
	return report, nil
}

func (e *Engine) pushFailed(op, id string, err error) SyncFailure {
	syncPushes.WithLabelValues(op, "error").Inc()
	e.logger.Warn("sync push failed, will retry",
		slog.String("op", op), slog.String("id", id), slog.Any("error", err))
	return SyncFailure{PenaltyID: id, Err: err}
}

// demoteToLocal turns a record whose document was removed from the store
// back into an unsynced create. Its current id becomes the localId of the
// new document.
func (e *Engine) demoteToLocal(id string) (pushItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.penalties[id]
	if !ok {
		return pushItem{}, false
	}
	cur.SyncState = domain.SyncLocal
	c := cur.Clone()
	fields, err := domain.PenaltyFields(c)
	if err != nil {
		e.logger.Error("cannot encode penalty", slog.String("id", c.ID), slog.Any("error", err))
		return pushItem{}, false
	}
	e.logger.Warn("document removed from store, re-creating", slog.String("id", id))
	return pushItem{penalty: c, fields: fields}, true
}

// confirmCreate re-keys an offline record under its server id. A write that
// landed while the push was in flight keeps the record pending.
func (e *Engine) confirmCreate(pushed domain.Penalty, serverID string) {
	e.mu.Lock()
	cur, ok := e.penalties[pushed.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.penalties, pushed.ID)
	cur.ID = serverID
	if cur.Revision == pushed.Revision {
		cur.SyncState = domain.SyncSynced
	} else {
		cur.SyncState = domain.SyncModified
	}
	e.penalties[serverID] = cur
	if pushed.ID != serverID {
		e.aliases[pushed.ID] = serverID
		for from, to := range e.aliases {
			if to == pushed.ID {
				e.aliases[from] = serverID
			}
		}
	}
	e.unechoed[serverID] = struct{}{}
	c := changeOf(ChangeSynced, cur)
	e.mu.Unlock()

	e.emit(c)
}

func (e *Engine) confirmUpdate(pushed domain.Penalty) {
	e.mu.Lock()
	cur, ok := e.penalties[pushed.ID]
	if !ok || cur.Revision != pushed.Revision {
		e.mu.Unlock()
		return
	}
	cur.SyncState = domain.SyncSynced
	c := changeOf(ChangeSynced, cur)
	e.mu.Unlock()

	e.emit(c)
}

func (e *Engine) setLastSyncErr(err error) {
	e.mu.Lock()
	e.lastSyncErr = err
	e.mu.Unlock()
}

func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.penalties {
		if p.SyncState.Pending() {
			n++
		}
	}
	return n
}

// Pending returns copies of records not yet acknowledged by the store.
func (e *Engine) Pending() []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return p.SyncState.Pending() })
}

func (e *Engine) SyncStatus(ctx context.Context) SyncStatus {
	st := SyncStatus{StoreConfigured: e.store != nil}
	if e.store != nil {
		st.Connected = e.store.CheckConnection(ctx)
	}
	e.mu.Lock()
	st.Subscribed = e.unsubscribe != nil
	if e.lastSyncErr != nil {
		st.LastError = e.lastSyncErr.Error()
	}
	e.mu.Unlock()
	st.Pending = e.PendingCount()
	return st
}

func (e *Engine) persistPending(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SavePending(ctx, e.Pending()); err != nil {
		e.logger.Warn("failed to persist pending penalties", slog.Any("error", err))
	}
}

// RestorePending loads unsynced records saved by an earlier process. Ids
// already present are left alone.
func (e *Engine) RestorePending(ctx context.Context) (int, error) {
	if e.cache == nil {
		return 0, nil
	}
	saved, err := e.cache.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore pending: %w", err)
	}

	restored := 0
	e.mu.Lock()
	for _, p := range saved {
		if !p.SyncState.Pending() {
			continue
		}
		if _, exists := e.penalties[p.ID]; exists {
			continue
		}
		c := p.Clone()
		e.penalties[c.ID] = &c
		restored++
	}
	e.mu.Unlock()

	if restored > 0 {
		e.logger.Info("restored pending penalties", slog.Int("count", restored))
		e.observeCounts()
		e.requestSync()
	}
	return restored, nil
}

// IsSyncFailure reports whether err came from a record push.
func IsSyncFailure(err error) bool {
	return errors.Is(err, domain.ErrSyncFailure)
}
