package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/middleware"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/services"
)

// PenaltyService is what the HTTP surface needs from the engine.
type PenaltyService interface {
	CreatePenalty(ctx context.Context, req services.NewPenalty) (domain.Penalty, error)
	EndPenalty(ctx context.Context, id, reflection string) (domain.Penalty, error)
	AdjustTime(ctx context.Context, id string, delta int) (domain.Penalty, error)
	AddReflection(ctx context.Context, id, text string) (domain.Penalty, error)
	Get(id string) (domain.Penalty, error)
	All() []domain.Penalty
	Stats() domain.Stats
	StatsForMember(memberID string) domain.Stats
	Spin(t domain.PenaltyType) (services.Spin, error)
	Config() domain.DurationConfig
	SyncStatus(ctx context.Context) services.SyncStatus
	Subscribe(fn func(services.Change)) (unsubscribe func())
}

type PenaltyHandler struct {
	penalties PenaltyService
}

func NewPenaltyHandler(penalties PenaltyService) *PenaltyHandler {
	return &PenaltyHandler{penalties: penalties}
}

// Register mounts the penalty API. Fixed paths are registered before
// /penalties/{id} so they are not captured as ids.
func (h *PenaltyHandler) Register(r *mux.Router, auth *middleware.AuthMiddleware, stream http.HandlerFunc) {
	parents := []domain.Role{domain.RoleParent}
	members := middleware.AnyMember

	r.HandleFunc("/penalties", auth.RequireRole(parents, h.Create)).Methods(http.MethodPost)
	r.HandleFunc("/penalties", auth.RequireRole(members, h.List)).Methods(http.MethodGet)
	r.HandleFunc("/penalties/stats", auth.RequireRole(members, h.Stats)).Methods(http.MethodGet)
	r.HandleFunc("/penalties/types", auth.RequireRole(members, h.Types)).Methods(http.MethodGet)
	r.HandleFunc("/penalties/spin", auth.RequireRole(parents, h.Spin)).Methods(http.MethodPost)
	if stream != nil {
		r.HandleFunc("/penalties/stream", auth.RequireRole(members, stream)).Methods(http.MethodGet)
	}
	r.HandleFunc("/penalties/{id}", auth.RequireRole(members, h.Get)).Methods(http.MethodGet)
	r.HandleFunc("/penalties/{id}/end", auth.RequireRole(parents, h.End)).Methods(http.MethodPost)
	r.HandleFunc("/penalties/{id}/adjust", auth.RequireRole(parents, h.Adjust)).Methods(http.MethodPost)
	r.HandleFunc("/penalties/{id}/reflections", auth.RequireRole(members, h.AddReflection)).Methods(http.MethodPost)
	r.HandleFunc("/sync/status", auth.RequireRole(parents, h.SyncStatus)).Methods(http.MethodGet)
}

type CreatePenaltyRequest struct {
	MemberID string                 `json:"memberId"`
	Reason   string                 `json:"reason"`
	Category domain.Category        `json:"category"`
	Type     domain.PenaltyType     `json:"penaltyType"`
	Method   domain.SelectionMethod `json:"selectionMethod"`
	Duration *int                   `json:"duration,omitempty"`
}

func (h *PenaltyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePenaltyRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	createdBy, _ := middleware.MemberID(r.Context())

	p, err := h.penalties.CreatePenalty(r.Context(), services.NewPenalty{
		MemberID:  req.MemberID,
		Reason:    req.Reason,
		Category:  req.Category,
		Type:      req.Type,
		Method:    req.Method,
		Duration:  req.Duration,
		CreatedBy: createdBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// List filters by member, type, category and state (active or completed).
// Children and teens only see their own penalties.
func (h *PenaltyHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keep := make([]func(domain.Penalty) bool, 0, 4)

	member := q.Get("member")
	if self, restricted := ownPenaltiesOnly(r.Context()); restricted {
		member = self
	}
	if member != "" {
		keep = append(keep, func(p domain.Penalty) bool { return p.MemberID == member })
	}
	if v := q.Get("type"); v != "" {
		var t domain.PenaltyType
		if err := t.UnmarshalText([]byte(v)); err != nil {
			writeError(w, &domain.ValidationError{Field: "type", Cause: err})
			return
		}
		keep = append(keep, func(p domain.Penalty) bool { return p.Type == t })
	}
	if v := q.Get("category"); v != "" {
		var c domain.Category
		if err := c.UnmarshalText([]byte(v)); err != nil {
			writeError(w, &domain.ValidationError{Field: "category", Cause: err})
			return
		}
		keep = append(keep, func(p domain.Penalty) bool { return p.Category == c })
	}
	switch q.Get("state") {
	case "":
	case "active":
		keep = append(keep, func(p domain.Penalty) bool { return p.Active })
	case "completed":
		keep = append(keep, func(p domain.Penalty) bool { return !p.Active })
	default:
		writeError(w, &domain.ValidationError{Field: "state", Cause: domain.ErrValidation, Msg: "state must be active or completed"})
		return
	}

	out := make([]domain.Penalty, 0)
	for _, p := range h.penalties.All() {
		matched := true
		for _, fn := range keep {
			if !fn(p) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PenaltyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.visible(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type EndPenaltyRequest struct {
	Reflection string `json:"reflection,omitempty"`
}

func (h *PenaltyHandler) End(w http.ResponseWriter, r *http.Request) {
	var req EndPenaltyRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.penalties.EndPenalty(r.Context(), mux.Vars(r)["id"], req.Reflection)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type AdjustTimeRequest struct {
	Delta int `json:"delta"`
}

func (h *PenaltyHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustTimeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.penalties.AdjustTime(r.Context(), mux.Vars(r)["id"], req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type ReflectionRequest struct {
	Text string `json:"text"`
}

// AddReflection lets parents reflect on any penalty and everyone else on
// their own.
func (h *PenaltyHandler) AddReflection(w http.ResponseWriter, r *http.Request) {
	var req ReflectionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	target, err := h.visible(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.penalties.AddReflection(r.Context(), target.ID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *PenaltyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	member := r.URL.Query().Get("member")
	if self, restricted := ownPenaltiesOnly(r.Context()); restricted {
		member = self
	}
	if member == "" {
		writeJSON(w, http.StatusOK, h.penalties.Stats())
		return
	}
	writeJSON(w, http.StatusOK, h.penalties.StatsForMember(member))
}

func (h *PenaltyHandler) Types(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.penalties.Config())
}

type SpinRequest struct {
	Type domain.PenaltyType `json:"penaltyType"`
}

func (h *PenaltyHandler) Spin(w http.ResponseWriter, r *http.Request) {
	var req SpinRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	spin, err := h.penalties.Spin(req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spin)
}

func (h *PenaltyHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.penalties.SyncStatus(r.Context()))
}

// visible loads the {id} penalty. Penalties of other members are reported as
// not found to non-parents.
func (h *PenaltyHandler) visible(r *http.Request) (domain.Penalty, error) {
	p, err := h.penalties.Get(mux.Vars(r)["id"])
	if err != nil {
		return domain.Penalty{}, err
	}
	if self, restricted := ownPenaltiesOnly(r.Context()); restricted && p.MemberID != self {
		return domain.Penalty{}, domain.ErrNotFound
	}
	return p, nil
}

func ownPenaltiesOnly(ctx context.Context) (string, bool) {
	role, _ := middleware.RoleFrom(ctx)
	if role == domain.RoleParent {
		return "", false
	}
	self, _ := middleware.MemberID(ctx)
	return self, true
}
