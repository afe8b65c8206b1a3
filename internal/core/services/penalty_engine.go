package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
	"github.com/google/uuid"
)

const (
	DefaultDurationUnit = 24 * time.Hour

	notificationTimeout = 10 * time.Second
)

type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeEnded      ChangeKind = "ended"
	ChangeCompleted  ChangeKind = "completed"
	ChangeAdjusted   ChangeKind = "adjusted"
	ChangeReflection ChangeKind = "reflection_added"
	ChangeSynced     ChangeKind = "synced"
	ChangeSnapshot   ChangeKind = "snapshot"
)

type Change struct {
	Kind      ChangeKind      `json:"kind"`
	PenaltyID string          `json:"penaltyId,omitempty"`
	Penalty   *domain.Penalty `json:"penalty,omitempty"`
}

// NewPenalty is the input to CreatePenalty. Duration is required for the
// fixed method. For the random method it is either the value the roulette
// already showed or nil to draw one here.
type NewPenalty struct {
	MemberID  string                 `json:"memberId"`
	Reason    string                 `json:"reason"`
	Category  domain.Category        `json:"category"`
	Type      domain.PenaltyType     `json:"penaltyType"`
	Method    domain.SelectionMethod `json:"selectionMethod"`
	Duration  *int                   `json:"duration,omitempty"`
	CreatedBy string                 `json:"createdBy"`
}

// Engine owns the in-memory penalty collection. All operations are atomic
// with respect to each other; I/O never happens under mu.
type Engine struct {
	mu        sync.Mutex
	penalties map[string]*domain.Penalty
	// aliases maps offline ids to the canonical server id after sync.
	aliases map[string]string
	// unechoed holds server ids confirmed by a push but not yet seen in a
	// snapshot.
	unechoed map[string]struct{}

	cfg      domain.DurationConfig
	selector *DurationSelector
	clock    ports.Clock
	unit     time.Duration
	logger   *slog.Logger

	store    ports.DocumentStore
	notifier ports.NotificationScheduler
	cache    ports.PendingCache

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObs   int

	syncMu      sync.Mutex
	kick        chan struct{}
	unsubscribe func()
	lastSyncErr error

	wg sync.WaitGroup
}

type EngineOption func(*Engine)

func WithClock(c ports.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithRandom(r ports.RandomSource) EngineOption {
	return func(e *Engine) { e.selector = NewDurationSelector(e.cfg, r) }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithDurationUnit sets the length of one duration unit (a day by default).
func WithDurationUnit(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.unit = d
		}
	}
}

func WithStore(s ports.DocumentStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

func WithNotifier(n ports.NotificationScheduler) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

func WithPendingCache(c ports.PendingCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

func NewEngine(cfg domain.DurationConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		penalties: make(map[string]*domain.Penalty),
		aliases:   make(map[string]string),
		unechoed:  make(map[string]struct{}),
		cfg:       cfg,
		clock:     ports.SystemClock{},
		unit:      DefaultDurationUnit,
		logger:    slog.Default(),
		observers: make(map[int]func(Change)),
		kick:      make(chan struct{}, 1),
	}
	e.selector = NewDurationSelector(cfg, nil)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "penalty-engine"))
	return e
}

func (e *Engine) Config() domain.DurationConfig { return e.cfg }

func (e *Engine) Selector() *DurationSelector { return e.selector }

func (e *Engine) Spin(t domain.PenaltyType) (Spin, error) { return e.selector.Spin(t) }

// Subscribe registers fn for every change. fn runs outside the engine lock.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	e.obsMu.RLock()
	fns := make([]func(Change), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func changeOf(kind ChangeKind, p *domain.Penalty) Change {
	c := p.Clone()
	return Change{Kind: kind, PenaltyID: p.ID, Penalty: &c}
}

// SyncRequested fires after local writes so a Syncer can push promptly.
func (e *Engine) SyncRequested() <-chan struct{} { return e.kick }

func (e *Engine) requestSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// lookup resolves id, following offline aliases. Caller holds mu.
func (e *Engine) lookup(id string) (*domain.Penalty, error) {
	if p, ok := e.penalties[id]; ok {
		return p, nil
	}
	if canonical, ok := e.aliases[id]; ok {
		if p, ok := e.penalties[canonical]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

// touch records a local mutation. Caller holds mu.
func touch(p *domain.Penalty) {
	p.Revision++
	if p.SyncState == domain.SyncSynced {
		p.SyncState = domain.SyncModified
	}
}

func (e *Engine) resolveDuration(req NewPenalty) (int, error) {
	switch req.Method {
	case domain.MethodFixed:
		if req.Duration == nil {
			return 0, &domain.ValidationError{Field: "duration", Cause: domain.ErrInvalidDuration, Msg: "fixed selection needs a duration"}
		}
		return e.selector.SelectFixed(req.Type, *req.Duration)
	case domain.MethodRandom:
		if req.Duration != nil {
			// The value the roulette presented; it must come from the same option set.
			return e.selector.SelectFixed(req.Type, *req.Duration)
		}
		return e.selector.SelectRandom(req.Type)
	default:
		return 0, &domain.ValidationError{Field: "method", Cause: domain.ErrValidation, Msg: fmt.Sprintf("unknown selection method %q", req.Method)}
	}
}

func (e *Engine) CreatePenalty(ctx context.Context, req NewPenalty) (domain.Penalty, error) {
	if !req.Category.Valid() {
		return domain.Penalty{}, &domain.ValidationError{Field: "category", Cause: domain.ErrInvalidCategory, Msg: fmt.Sprintf("unknown category %q", req.Category)}
	}
	duration, err := e.resolveDuration(req)
	if err != nil {
		return domain.Penalty{}, err
	}

	now := e.clock.Now()
	p := &domain.Penalty{
		ID:              uuid.NewString(),
		MemberID:        req.MemberID,
		Reason:          req.Reason,
		Category:        req.Category,
		Type:            req.Type,
		Method:          req.Method,
		Duration:        duration,
		Remaining:       duration,
		StartTime:       now,
		EndsAt:          now.Add(time.Duration(duration) * e.unit),
		Active:          true,
		Reflections:     []domain.Reflection{},
		TimeAdjustments: []domain.TimeAdjustment{},
		CreatedBy:       req.CreatedBy,
		SyncState:       domain.SyncLocal,
		Revision:        1,
	}
	if err := domain.Validate(*p, e.cfg); err != nil {
		return domain.Penalty{}, err
	}

	e.mu.Lock()
	e.penalties[p.ID] = p
	out := p.Clone()
	e.mu.Unlock()

	penaltiesCreated.WithLabelValues(string(p.Type), string(p.Method)).Inc()
	e.observeCounts()
	e.logger.Info("penalty created",
		slog.String("id", out.ID),
		slog.String("member", out.MemberID),
		slog.String("type", string(out.Type)),
		slog.Int("duration", out.Duration))

	e.scheduleNotification(ctx, out)
	e.emit(Change{Kind: ChangeCreated, PenaltyID: out.ID, Penalty: &out})
	e.requestSync()
	return out, nil
}

func (e *Engine) scheduleNotification(ctx context.Context, p domain.Penalty) {
	if e.notifier == nil {
		return
	}
	n := ports.PenaltyNotification{
		ID:           p.ID,
		Type:         p.Type,
		AssignedTo:   p.MemberID,
		DurationDays: p.Duration,
		Reasons:      []string{p.Reason},
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
		defer cancel()
		if err := e.notifier.SchedulePenaltyNotification(nctx, n); err != nil {
			e.logger.Warn("failed to schedule penalty notification",
				slog.String("id", n.ID), slog.Any("error", err))
		}
	}()
}

// EndPenalty terminates a penalty early. Ending a completed penalty is a
// no-op that returns the stored record, so a manual end racing the expiry
// tick never fails.
func (e *Engine) EndPenalty(ctx context.Context, id, reflection string) (domain.Penalty, error) {
	e.mu.Lock()
	p, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return domain.Penalty{}, err
	}
	if !p.Complete(e.clock.Now(), reflection) {
		out := p.Clone()
		e.mu.Unlock()
		return out, nil
	}
	touch(p)
	out := p.Clone()
	e.mu.Unlock()

	penaltiesCompleted.WithLabelValues("ended").Inc()
	e.observeCounts()
	e.logger.Info("penalty ended", slog.String("id", out.ID), slog.Bool("reflection", reflection != ""))
	e.emit(Change{Kind: ChangeEnded, PenaltyID: out.ID, Penalty: &out})
	e.requestSync()
	return out, nil
}

// AdjustTime shifts both duration and remaining by delta units, floored at
// zero. Reaching zero completes the penalty without a reflection.
func (e *Engine) AdjustTime(ctx context.Context, id string, delta int) (domain.Penalty, error) {
	if delta == 0 {
		return domain.Penalty{}, &domain.ValidationError{Field: "delta", Cause: domain.ErrValidation, Msg: "adjustment must be non-zero"}
	}

	e.mu.Lock()
	p, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return domain.Penalty{}, err
	}
	if !p.Active {
		e.mu.Unlock()
		return domain.Penalty{}, fmt.Errorf("%w: %s", domain.ErrNotActive, id)
	}

	now := e.clock.Now()
	p.Remaining = max(0, p.Remaining+delta)
	p.Duration = max(0, p.Duration+delta)
	p.EndsAt = p.EndsAt.Add(time.Duration(delta) * e.unit)
	p.TimeAdjustments = append(p.TimeAdjustments, domain.TimeAdjustment{Delta: delta, AppliedAt: now})
	kind := ChangeAdjusted
	if p.Remaining == 0 {
		p.Complete(now, "")
		kind = ChangeCompleted
	}
	touch(p)
	out := p.Clone()
	e.mu.Unlock()

	if kind == ChangeCompleted {
		penaltiesCompleted.WithLabelValues("adjusted").Inc()
	}
	e.observeCounts()
	e.logger.Info("penalty adjusted",
		slog.String("id", out.ID), slog.Int("delta", delta), slog.Int("remaining", out.Remaining))
	e.emit(Change{Kind: kind, PenaltyID: out.ID, Penalty: &out})
	e.requestSync()
	return out, nil
}

// AddReflection appends; earlier reflections are never overwritten.
func (e *Engine) AddReflection(ctx context.Context, id, text string) (domain.Penalty, error) {
	if text == "" {
		return domain.Penalty{}, &domain.ValidationError{Field: "text", Cause: domain.ErrValidation, Msg: "reflection is empty"}
	}

	e.mu.Lock()
	p, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return domain.Penalty{}, err
	}
	p.Reflections = append(p.Reflections, domain.Reflection{Text: text, CreatedAt: e.clock.Now()})
	touch(p)
	out := p.Clone()
	e.mu.Unlock()

	e.emit(Change{Kind: ChangeReflection, PenaltyID: out.ID, Penalty: &out})
	e.requestSync()
	return out, nil
}

// Tick recomputes remaining time from each active penalty's deadline and
// completes those that reached zero. Remaining never increases and a
// completed penalty is never touched again, so repeating a tick is harmless.
// It returns the ids completed by this call.
func (e *Engine) Tick(now time.Time) []string {
	var completed []Change

	e.mu.Lock()
	for _, p := range e.penalties {
		if !p.Active {
			continue
		}
		r := p.RemainingAt(now, e.unit)
		if r >= p.Remaining {
			continue
		}
		p.Remaining = r
		if r == 0 {
			p.Complete(now, "")
			touch(p)
			completed = append(completed, changeOf(ChangeCompleted, p))
		}
	}
	e.mu.Unlock()

	if len(completed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(completed))
	for _, c := range completed {
		ids = append(ids, c.PenaltyID)
	}
	penaltiesCompleted.WithLabelValues("expired").Add(float64(len(ids)))
	e.observeCounts()
	e.logger.Info("penalties expired", slog.Int("count", len(ids)))
	e.emit(completed...)
	e.requestSync()
	return ids
}

func (e *Engine) Get(id string) (domain.Penalty, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.lookup(id)
	if err != nil {
		return domain.Penalty{}, err
	}
	return p.Clone(), nil
}

func (e *Engine) filter(keep func(*domain.Penalty) bool) []domain.Penalty {
	e.mu.Lock()
	out := make([]domain.Penalty, 0, len(e.penalties))
	for _, p := range e.penalties {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Penalty) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (e *Engine) All() []domain.Penalty {
	return e.filter(func(*domain.Penalty) bool { return true })
}

func (e *Engine) Active() []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return p.Active })
}

func (e *Engine) Completed() []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return !p.Active })
}

func (e *Engine) ByMember(memberID string) []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return p.MemberID == memberID })
}

func (e *Engine) ByType(t domain.PenaltyType) []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return p.Type == t })
}

func (e *Engine) ByCategory(c domain.Category) []domain.Penalty {
	return e.filter(func(p *domain.Penalty) bool { return p.Category == c })
}

func (e *Engine) Stats() domain.Stats {
	return domain.ComputeStats(e.All())
}

func (e *Engine) StatsForMember(memberID string) domain.Stats {
	return domain.ComputeStats(e.ByMember(memberID))
}

// Close stops the realtime subscription and waits for in-flight
// notifications.
func (e *Engine) Close() {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.wg.Wait()
}
