package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	streamBuffer   = 64
	maxClientFrame = 512
)

// StreamMessage is one frame of the change feed. The first frame is a
// snapshot of every visible penalty.
type StreamMessage struct {
	Kind      services.ChangeKind `json:"kind"`
	PenaltyID string              `json:"penaltyId,omitempty"`
	Penalty   *domain.Penalty     `json:"penalty,omitempty"`
	Penalties []domain.Penalty    `json:"penalties,omitempty"`
}

type StreamHandler struct {
	penalties PenaltyService
	upgrader  websocket.Upgrader
}

func NewStreamHandler(penalties PenaltyService, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		penalties: penalties,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Stream upgrades to a websocket and forwards engine changes. A client that
// cannot keep up is disconnected rather than blocking the engine.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	self, restricted := ownPenaltiesOnly(r.Context())
	visible := func(p *domain.Penalty) bool {
		return !restricted || p == nil || p.MemberID == self
	}

	changes := make(chan services.Change, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := h.penalties.Subscribe(func(c services.Change) {
		select {
		case changes <- c:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	snapshot := h.visibleAll(restricted, self)
	if err := h.write(conn, StreamMessage{Kind: services.ChangeSnapshot, Penalties: snapshot}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxClientFrame)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-overflow:
			slog.Info("closing slow change feed client")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"), time.Now().Add(writeWait))
			return
		case c := <-changes:
			if !visible(c.Penalty) {
				continue
			}
			msg := StreamMessage{Kind: c.Kind, PenaltyID: c.PenaltyID, Penalty: c.Penalty}
			if c.Kind == services.ChangeSnapshot {
				msg.Penalties = h.visibleAll(restricted, self)
			}
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) visibleAll(restricted bool, self string) []domain.Penalty {
	out := make([]domain.Penalty, 0)
	for _, p := range h.penalties.All() {
		if !restricted || p.MemberID == self {
			out = append(out, p)
		}
	}
	return out
}

func (h *StreamHandler) write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
