package runtime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/auth"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator authenticates the bearer token carried by a websocket
// upgrade request. Grounded on the teacher's session/hub.go TokenValidator
// interface.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub is the process-wide registry of active rooms: it authenticates and
// upgrades incoming websocket connections, spins up a Participant task per
// connection, and tracks active participants per room so it can tell a
// departing participant whether it was the last one out (see leave()).
type Hub struct {
	validator TokenValidator
	cache     *cache.Gateway
	bus       *bus.Gateway
	registry  *modhost.Registry
	log       *zap.Logger

	allowedOrigins []string

	mu           sync.Mutex
	participants map[ids.SignalingRoomId]map[ids.ParticipantId]*Participant
}

// NewHub builds a Hub ready to serve websocket upgrades.
func NewHub(validator TokenValidator, c *cache.Gateway, b *bus.Gateway, registry *modhost.Registry, allowedOrigins []string, log *zap.Logger) *Hub {
	return &Hub{
		validator:      validator,
		cache:          c,
		bus:            b,
		registry:       registry,
		log:            log,
		allowedOrigins: allowedOrigins,
		participants:   make(map[ids.SignalingRoomId]map[ids.ParticipantId]*Participant),
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// ServeWs authenticates the websocket upgrade request and, on success, hands
// the connection off to a fresh Participant task. On failure it rejects
// with a 401 before ever upgrading, matching the teacher's ServeWs shape.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	roomIDParam := c.Param("roomId")
	roomID, err := ids.ParseRoomId(roomIDParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}
	room := ids.NewSignalingRoomId(roomID)

	upgrader.CheckOrigin = h.checkOrigin
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	participantID := ids.NewParticipantId()
	role := modhost.RoleFromScope(claims.Scope)

	p := newParticipant(h, conn, room, participantID, role)
	h.register(room, participantID, p)

	metrics.RoomParticipants.WithLabelValues(room.String()).Inc()
	go func() {
		defer metrics.RoomParticipants.WithLabelValues(room.String()).Dec()
		p.Run(c.Request.Context())
	}()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

func (h *Hub) register(room ids.SignalingRoomId, id ids.ParticipantId, p *Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.participants[room]; !ok {
		h.participants[room] = make(map[ids.ParticipantId]*Participant)
		metrics.ActiveRooms.Inc()
	}
	h.participants[room][id] = p
}

func (h *Hub) unregister(room ids.SignalingRoomId, id ids.ParticipantId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomParticipants, ok := h.participants[room]
	if !ok {
		return
	}
	delete(roomParticipants, id)
	if len(roomParticipants) == 0 {
		delete(h.participants, room)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(room.String())
	}
}

// Shutdown signals every locally-hosted participant task to run its leave
// sequence and waits up to shutdownDeadline total for them to finish.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	var tasks []*Participant
	for _, roomParticipants := range h.participants {
		for _, p := range roomParticipants {
			tasks = append(tasks, p)
		}
	}
	h.mu.Unlock()

	for _, p := range tasks {
		close(p.shutdown)
	}

	deadline := time.NewTimer(shutdownDeadline)
	defer deadline.Stop()
	for _, p := range tasks {
		select {
		case <-p.done:
		case <-deadline.C:
			h.log.Warn("shutdown deadline exceeded, abandoning remaining runtimes")
			return
		case <-ctx.Done():
			return
		}
	}
}
