package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const (
	keepaliveInterval = 30 * time.Second
	pingWriteWait     = 5 * time.Second
)

// managerConn is one authenticated manager control-channel connection. A
// new one supersedes any existing connected channel.
type managerConn struct {
	generation string // ulid, sortable id for log correlation across handovers
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closed     chan struct{}
	closeOnce  sync.Once

	pongPending atomic.Bool
}

func (mc *managerConn) teardown() {
	mc.closeOnce.Do(func() {
		close(mc.closed)
		_ = mc.conn.Close()
	})
}

func (mc *managerConn) writeFrame(f *Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	return mc.conn.WriteMessage(websocket.TextMessage, b)
}

// ManagerState is the lifecycle state of the manager control channel.
type ManagerState int32

const (
	StateAbsent ManagerState = iota
	StateConnected
	StateClosing
)

func (s ManagerState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "absent"
	}
}

// Manager owns the single authenticated manager control channel: it
// serializes outbound writes, dispatches inbound frames to the pending
// decision table and connection registry, and runs the keepalive that
// detects a dead channel.
type Manager struct {
	pending  *PendingTable
	registry *ConnectionRegistry
	metrics  *Metrics

	decisionTimeout    time.Duration
	keepaliveTolerance int // missed probes tolerated before declaring dead; default 1

	mu      sync.RWMutex
	state   ManagerState
	current *managerConn
}

// NewManager wires a Manager to its supporting tables. keepaliveTolerance
// <= 0 is normalized to 1, the default literal behavior where a single
// missed probe kills the channel. A tolerance > 1 is an opt-in relaxation
// for deployments that see occasional missed pongs under load.
func NewManager(pending *PendingTable, registry *ConnectionRegistry, decisionTimeout time.Duration, keepaliveTolerance int, metrics *Metrics) *Manager {
	if keepaliveTolerance <= 0 {
		keepaliveTolerance = 1
	}
	return &Manager{
		pending:            pending,
		registry:           registry,
		decisionTimeout:    decisionTimeout,
		keepaliveTolerance: keepaliveTolerance,
		metrics:            metrics,
		state:              StateAbsent,
	}
}

// State reports the current ManagerState.
func (m *Manager) State() ManagerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetDecisionTimeout updates the review-RPC deadline applied to new calls,
// for config hot-reload. In-flight waiters keep their original deadline.
func (m *Manager) SetDecisionTimeout(d time.Duration) {
	m.mu.Lock()
	m.decisionTimeout = d
	m.mu.Unlock()
}

// Adopt installs conn as the current manager channel. If a channel is
// already connected, its teardown runs to completion, failing every
// in-flight RPC with ErrManagerDisconnected, before the new one is
// accepted. A fresh request must never be matched against a stale waiter
// id from the channel being replaced.
func (m *Manager) Adopt(conn *websocket.Conn) {
	mc := &managerConn{
		generation: ulid.Make().String(),
		conn:       conn,
		closed:     make(chan struct{}),
	}

	m.mu.Lock()
	previous := m.current
	m.mu.Unlock()

	if previous != nil {
		log.Info().Str("previous_generation", previous.generation).Msg("superseding existing manager channel")
		m.teardown(previous, ErrManagerDisconnected)
	}

	m.mu.Lock()
	m.current = mc
	m.state = StateConnected
	m.mu.Unlock()

	log.Info().Str("generation", mc.generation).Msg("manager channel connected")
	if m.metrics != nil {
		m.metrics.ManagerConnected.Set(1)
	}

	go m.pingLoop(mc)
	m.readLoop(mc)
}

// teardown closes mc's transport and, if mc is still the current channel,
// marks the manager absent, fails every pending RPC, and closes every
// registered client connection. Safe to call more than once and
// concurrently with readLoop observing the same close.
func (m *Manager) teardown(mc *managerConn, reason error) {
	m.mu.Lock()
	wasCurrent := m.current == mc
	if wasCurrent {
		m.current = nil
		m.state = StateAbsent
	}
	m.mu.Unlock()

	mc.teardown()
	if !wasCurrent {
		return
	}
	m.pending.FailAll(reason)
	m.registry.CloseAll()

	if m.metrics != nil {
		m.metrics.ManagerConnected.Set(0)
	}
	log.Warn().Str("generation", mc.generation).Err(reason).Msg("manager channel torn down")
}

// readLoop blocks reading inbound frames until the transport errs or closes.
func (m *Manager) readLoop(mc *managerConn) {
	defer m.teardown(mc, ErrManagerDisconnected)

	for {
		_, data, err := mc.conn.ReadMessage()
		if err != nil {
			log.Debug().Str("generation", mc.generation).Err(err).Msg("manager read loop exiting")
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			log.Warn().Str("generation", mc.generation).Err(err).Msg("dropping malformed frame from manager")
			continue
		}

		m.dispatch(mc, frame)
	}
}

// dispatch routes one inbound frame from the manager channel by type.
func (m *Manager) dispatch(mc *managerConn, f *Frame) {
	switch f.Type {
	case FrameDecision, FrameResponseReview:
		if !m.pending.Complete(f.ID, f) {
			log.Debug().Str("id", f.ID).Msg("no pending waiter for reply, dropping")
		}

	case FrameData:
		socket, ok := m.registry.Lookup(f.ID)
		if !ok {
			log.Debug().Str("id", f.ID).Msg("data frame for unknown connection, dropping")
			return
		}
		payload, err := decodeBase64(f.Data)
		if err != nil {
			log.Warn().Str("id", f.ID).Err(err).Msg("data frame has invalid base64 payload, dropping")
			return
		}
		if _, err := socket.Write(payload); err != nil {
			log.Debug().Str("id", f.ID).Err(err).Msg("failed writing manager data to client socket")
		}

	case FrameEnd:
		socket, ok := m.registry.Lookup(f.ID)
		if !ok {
			return
		}
		if hc, ok := socket.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = socket.Close()
		}
		m.registry.Unregister(f.ID)

	default:
		log.Debug().Str("type", string(f.Type)).Msg("ignoring unexpected frame type from manager")
	}
}

// pingLoop runs the channel's keepalive. A heartbeat ticks every 30s; if
// keepaliveTolerance consecutive probes go unacknowledged, the channel is
// declared dead.
func (m *Manager) pingLoop(mc *managerConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	mc.conn.SetPongHandler(func(string) error {
		mc.pongPending.Store(false)
		return nil
	})

	for {
		select {
		case <-mc.closed:
			return
		case <-ticker.C:
			if mc.pongPending.Load() {
				missed++
				if missed >= m.keepaliveTolerance {
					log.Error().Str("generation", mc.generation).Int("missed", missed).Msg("manager channel appears dead, no pong received")
					m.teardown(mc, ErrManagerDisconnected)
					return
				}
			} else {
				missed = 0
			}

			mc.pongPending.Store(true)
			mc.writeMu.Lock()
			err := mc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			mc.writeMu.Unlock()
			if err != nil {
				log.Warn().Str("generation", mc.generation).Err(err).Msg("failed to send keepalive ping")
				m.teardown(mc, ErrManagerDisconnected)
				return
			}
		}
	}
}

// SendReview is the only RPC surface to the manager channel. It assigns a
// RequestId if f.ID is empty, registers a waiter with the configured
// deadline, writes the frame, and blocks for the reply. Fails immediately
// with ErrManagerNotConnected if no channel is connected.
func (m *Manager) SendReview(ctx context.Context, f *Frame) (*Frame, error) {
	m.mu.RLock()
	mc := m.current
	state := m.state
	timeout := m.decisionTimeout
	m.mu.RUnlock()

	if state != StateConnected || mc == nil {
		return nil, ErrManagerNotConnected
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	start := time.Now()
	reply, err := m.pending.Await(ctx, f.ID, timeout, func() error {
		return mc.writeFrame(f)
	})
	if m.metrics != nil {
		m.metrics.observeReview(f.Type, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("review rpc %s: %w", f.ID, err)
	}
	return reply, nil
}

// SendData writes a data frame for an established relayed-mode CONNECT
// tunnel. Returns ErrManagerNotConnected if there is no current channel;
// callers treat that as the tunnel being gone, same as a target error.
func (m *Manager) SendData(id, host, port string, payload []byte) error {
	m.mu.RLock()
	mc := m.current
	state := m.state
	m.mu.RUnlock()
	if state != StateConnected || mc == nil {
		return ErrManagerNotConnected
	}
	return mc.writeFrame(&Frame{
		Type: FrameData,
		ID:   id,
		Host: host,
		Port: port,
		Data: encodeBase64(payload),
	})
}

// SendEnd notifies the manager that a relayed-mode tunnel's client side
// has closed.
func (m *Manager) SendEnd(id string) error {
	m.mu.RLock()
	mc := m.current
	state := m.state
	m.mu.RUnlock()
	if state != StateConnected || mc == nil {
		return ErrManagerNotConnected
	}
	return mc.writeFrame(&Frame{Type: FrameEnd, ID: id})
}
