package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/metrics"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// roomLockLease bounds how long a participant may hold the room lock while
// mutating the participant set; join/leave bookkeeping is fast, so this is
// generous headroom rather than a tight budget.
const roomLockLease = 5 * time.Second

// shutdownDeadline bounds how long a runtime's leave sequence is given to
// run during a process-wide shutdown before the task is abandoned.
const shutdownDeadline = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the participant task needs,
// abstracted so tests can substitute a fake connection. Grounded directly on
// the teacher's session/client.go wsConnection interface.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Participant is the per-participant task: it owns the websocket and
// multiplexes over inbound websocket frames, room bus deliveries,
// module-scheduled external events, a shutdown signal, and a reload signal.
type Participant struct {
	conn wsConnection
	send chan []byte

	hub   *Hub
	room  ids.SignalingRoomId
	id    ids.ParticipantId
	role  modhost.Role
	log   *zap.Logger

	modules  *modhost.Instance
	external chan modhost.ExternalEvent

	busDeliveries <-chan bus.Delivery

	shutdown chan struct{}
	reload   chan struct{}
	done     chan struct{}
}

func newParticipant(hub *Hub, conn wsConnection, room ids.SignalingRoomId, id ids.ParticipantId, role modhost.Role) *Participant {
	return &Participant{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      hub,
		room:     room,
		id:       id,
		role:     role,
		log:      hub.log.With(zap.String("room", room.String()), zap.String("participant", id.String())),
		external: make(chan modhost.ExternalEvent, 64),
		shutdown: make(chan struct{}),
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run drives the participant task to completion: join sequence, steady
// state multiplexing, leave sequence. It returns once the leave sequence has
// finished (websocket closed, shutdown requested, or an unrecoverable
// transport error).
func (p *Participant) Run(ctx context.Context) {
	defer close(p.done)
	defer p.conn.Close()
	defer metrics.ActiveWebSocketConnections.Dec()

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	p.busDeliveries = p.hub.bus.Subscribe(busCtx, "runtime-"+p.id.String(), roomExchangeName(p.room), "")

	wsIn := make(chan []byte, 32)
	wsErr := make(chan error, 1)
	go p.readLoop(wsIn, wsErr)
	go p.writeLoop()

	if err := p.join(ctx); err != nil {
		p.log.Warn("join sequence failed", zap.Error(err))
		p.closeWithError(err)
		return
	}
	metrics.ActiveWebSocketConnections.Inc()

	p.steadyState(ctx, wsIn, wsErr)

	leaveCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	p.leave(leaveCtx)
}

// steadyState is the 5-source multiplexer: inbound websocket frames, room
// bus deliveries, module-scheduled external events, the shutdown signal,
// and the reload signal. Every branch runs to completion before the next
// select iteration, which is what gives module callbacks serialization for
// this participant (spec's steady-state guarantee).
func (p *Participant) steadyState(ctx context.Context, wsIn <-chan []byte, wsErr <-chan error) {
	for {
		select {
		case data, ok := <-wsIn:
			if !ok {
				return
			}
			p.handleWSFrame(ctx, data)

		case <-wsErr:
			return

		case delivery, ok := <-p.busDeliveries:
			if !ok {
				return
			}
			p.handleBusDelivery(ctx, delivery)

		case ev := <-p.external:
			p.modules.DispatchExternal(ctx, ev)

		case <-p.shutdown:
			return

		case <-p.reload:
			p.handleReload(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (p *Participant) readLoop(out chan<- []byte, errOut chan<- error) {
	defer close(out)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			errOut <- err
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		out <- data
	}
}

func (p *Participant) writeLoop() {
	const writeWait = 10 * time.Second
	for message := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			p.log.Warn("write failed, closing connection", zap.Error(err))
			return
		}
	}
	_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (p *Participant) sendEnvelope(namespace modhost.Namespace, payload any) {
	data, err := encodeEnvelope(namespace, payload)
	if err != nil {
		p.log.Error("failed to encode outbound envelope", zap.Error(err))
		return
	}
	select {
	case p.send <- data:
	default:
		p.log.Warn("send channel full, dropping frame", zap.String("namespace", string(namespace)))
	}
}

func (p *Participant) closeWithError(err error) {
	p.sendEnvelope(controlNamespace, errorPayload{Text: err.Error()})
	close(p.send)
}

func (p *Participant) handleWSFrame(ctx context.Context, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		p.sendEnvelope(controlNamespace, errorPayload{Text: "malformed envelope"})
		return
	}

	if env.Namespace == controlNamespace {
		p.handleControlFrame(ctx, env.Payload)
		return
	}

	resp, ok, err := p.modules.DispatchWS(ctx, env.Namespace, env.Payload)
	if err != nil {
		p.log.Warn("module rejected ws message", zap.String("namespace", string(env.Namespace)), zap.Error(err))
		p.sendEnvelope(env.Namespace, errorPayload{Text: err.Error()})
		return
	}
	if !ok {
		p.sendEnvelope(controlNamespace, errorPayload{Text: fmt.Sprintf("unknown namespace %q", env.Namespace)})
		return
	}
	if resp != nil {
		p.sendEnvelope(env.Namespace, resp)
	}
}

type controlCommand struct {
	Action string `json:"action"`
}

func (p *Participant) handleControlFrame(ctx context.Context, payload json.RawMessage) {
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.sendEnvelope(controlNamespace, errorPayload{Text: "malformed control command"})
		return
	}
	switch cmd.Action {
	case "raise_hand":
		p.modules.RaiseHand(ctx)
	case "lower_hand":
		p.modules.LowerHand(ctx)
	default:
		p.sendEnvelope(controlNamespace, errorPayload{Text: fmt.Sprintf("unknown control action %q", cmd.Action)})
	}
}

// handleBusDelivery routes a room-exchange delivery to either the control
// dispatcher (participant lifecycle events) or the module that owns its
// namespace, by the convention that a bus delivery is itself an Envelope.
func (p *Participant) handleBusDelivery(ctx context.Context, d bus.Delivery) {
	defer d.Ack()
	var env Envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		p.log.Warn("failed to decode bus envelope", zap.Error(err))
		return
	}

	switch env.Namespace {
	case participantJoinedNamespace:
		p.onPeerJoined(ctx, env.Payload)
	case participantLeftNamespace:
		p.onPeerLeft(ctx, env.Payload)
	case invalidateNamespace:
		p.onPeerInvalidate(ctx, env.Payload)
	default:
		p.modules.DispatchBus(ctx, env.Namespace, env.Payload)
	}
}

func (p *Participant) handleReload(ctx context.Context) {
	// A reload signal is only logged: no module hook exists for it, so this
	// fifth multiplexer leg does nothing else.
	p.log.Debug("reload signal received")
}

// roomExchangeName mirrors modhost's room-exchange derivation so the
// runtime and the module host agree on where room events are published.
func roomExchangeName(room ids.SignalingRoomId) string {
	return "room." + room.String()
}

const (
	participantJoinedNamespace modhost.Namespace = "participant-joined"
	participantLeftNamespace   modhost.Namespace = "participant-left"
	invalidateNamespace        modhost.Namespace = "participant-updated"
)

func publishControl(ctx context.Context, b *bus.Gateway, room ids.SignalingRoomId, namespace modhost.Namespace, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal control payload: %w", err)
	}
	env := Envelope{Namespace: namespace, Payload: data}
	return b.Publish(ctx, roomExchangeName(room), "all", env, "")
}
