package connection

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/repository"
	"chatrelay/internal/vault"
)

// credentialKey is the singleton CredentialVaultRepository row holding the
// account's session credentials.
const credentialKey = "creds"

// State is the Connection Manager's externally visible lifecycle state.
type State string

const (
	StatePairing      State = "pairing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// disconnect policy classes, keyed by the upstream protocol's numeric code.
const (
	codePermanentLoggedOut     = 401
	codeReplacedByAnotherClient = 440
	codeRestartRequired        = 515
	codeForbidden              = 403
)

// OnConnectedHook is invoked on the manager's control loop every time a
// new socket reaches the connected state, including after a reconnect.
type OnConnectedHook func(socket Socket)

// DeliveryAckHook is invoked on the manager's control loop for every
// DeliveryAckEvent the current stream emits. Registered once; unlike
// OnConnectedHook it does not need re-registration across reconnects, since
// the manager is the sole reader of the stream's event channel and fans
// each ack out to every registered hook itself.
type DeliveryAckHook func(ack DeliveryAckEvent)

// BackoffConfig tunes the TransientDefault reconnect policy.
type BackoffConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxRetryWindow time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = time.Minute
	}
	if c.MaxRetryWindow == 0 {
		c.MaxRetryWindow = 30 * time.Minute
	}
	return c
}

type command struct {
	gen int
}

type streamEventEnvelope struct {
	gen int
	evt StreamEvent
}

// Manager is the Connection Manager. All socket-mutating operations occur
// on its single control-loop goroutine; external callers interact only
// through OnConnected registration and GetSocket.
type Manager struct {
	vaultRepo repository.CredentialVaultRepository
	crypt     *vault.Vault
	bus       *eventbus.Bus
	logger    *zap.Logger
	newStream StreamFactory
	backoff   BackoffConfig
	rng       *rand.Rand

	mu                sync.RWMutex
	state             State
	socket            Socket
	connectedAt       *time.Time
	lastDisconnect    *eventbus.DisconnectInfo
	reconnectAttempts int
	retryStartedAt    time.Time
	accountPhone      string
	accountName       string

	hooksMu sync.Mutex
	hooks   []OnConnectedHook

	ackHooksMu sync.Mutex
	ackHooks   []DeliveryAckHook

	gen           int
	curStream     ConnectionStream
	curStreamDone chan struct{}
	streamEvtCh   chan streamEventEnvelope
	commands      chan command

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager. newStream builds a fresh, unconnected stream
// for each (re)connect attempt.
func New(vaultRepo repository.CredentialVaultRepository, crypt *vault.Vault, bus *eventbus.Bus, logger *zap.Logger, newStream StreamFactory, backoff BackoffConfig) *Manager {
	return &Manager{
		vaultRepo:   vaultRepo,
		crypt:       crypt,
		bus:         bus,
		logger:      logger,
		newStream:   newStream,
		backoff:     backoff.withDefaults(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		state:       StatePairing,
		streamEvtCh: make(chan streamEventEnvelope, 16),
		commands:    make(chan command, 4),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// OnConnected registers a hook invoked on the control loop whenever the
// socket becomes connected.
func (m *Manager) OnConnected(hook OnConnectedHook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hooksMu.Unlock()
}

// OnDeliveryAck registers a hook invoked on the control loop whenever the
// current stream emits a DeliveryAckEvent. The manager is the only goroutine
// that ever reads a stream's event channel, so this is the sole path by
// which delivery acknowledgements reach the Delivery Listener.
func (m *Manager) OnDeliveryAck(hook DeliveryAckHook) {
	m.ackHooksMu.Lock()
	m.ackHooks = append(m.ackHooks, hook)
	m.ackHooksMu.Unlock()
}

// GetSocket returns the live socket, or nil if the manager is not
// currently in the connected state.
func (m *Manager) GetSocket() Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.socket
}

// Status returns a ConnectionStatus snapshot for the Event Bus/health
// surface.
func (m *Manager) Status() eventbus.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var uptime time.Duration
	if m.connectedAt != nil {
		uptime = time.Since(*m.connectedAt)
	}
	return eventbus.ConnectionStatus{
		Status:            string(m.state),
		Uptime:            uptime,
		ConnectedAt:       m.connectedAt,
		LastDisconnect:    m.lastDisconnect,
		ReconnectAttempts: m.reconnectAttempts,
		AccountPhone:      m.accountPhone,
		AccountName:       m.accountName,
	}
}

// Start launches the control loop and begins the initial connect attempt.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Destroy stops the control loop's timers and closes the current socket
// without clearing stored credentials, so a fresh Manager can resume the
// same session on the next Start.
func (m *Manager) Destroy() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.closeCurrentStream()

	m.beginConnect(ctx)

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case env := <-m.streamEvtCh:
			if env.gen != m.gen {
				continue // stale event from a superseded stream instance
			}
			m.handleStreamEvent(ctx, env.evt)
		case cmd := <-m.commands:
			if cmd.gen != m.gen {
				continue
			}
			m.beginConnect(ctx)
		}
	}
}

// beginConnect closes any existing socket, loads credentials from the
// vault, and starts a new stream, advancing the generation counter so
// stale events/commands from the superseded stream are ignored.
func (m *Manager) beginConnect(ctx context.Context) {
	m.closeCurrentStream()

	m.gen++
	myGen := m.gen

	m.mu.Lock()
	m.state = StateConnecting
	m.socket = nil
	m.mu.Unlock()

	creds, err := m.loadCredentials(ctx)
	if err != nil {
		m.logger.Warn("connection: credential load failed, pairing fresh", logging.Component("connection"), zap.Error(err))
		creds = nil
	}

	stream := m.newStream()
	streamDone := make(chan struct{})
	m.curStream = stream
	m.curStreamDone = streamDone

	go m.forwardEvents(myGen, stream, streamDone)

	if err := stream.Connect(ctx, creds); err != nil {
		m.logger.Warn("connection: stream connect failed", zap.Error(err))
		m.scheduleReconnect(myGen, m.backoffDelay())
	}
}

func (m *Manager) forwardEvents(gen int, s ConnectionStream, done <-chan struct{}) {
	for {
		select {
		case evt, ok := <-s.Events():
			if !ok {
				return
			}
			select {
			case m.streamEvtCh <- streamEventEnvelope{gen: gen, evt: evt}:
			case <-m.stop:
				return
			case <-done:
				return
			}
		case <-m.stop:
			return
		case <-done:
			return
		}
	}
}

func (m *Manager) closeCurrentStream() {
	if m.curStream != nil {
		m.curStream.Close()
		close(m.curStreamDone)
		m.curStream = nil
		m.curStreamDone = nil
	}
	m.mu.Lock()
	m.socket = nil
	m.mu.Unlock()
}

func (m *Manager) loadCredentials(ctx context.Context) ([]byte, error) {
	wire, ok, err := m.vaultRepo.Get(ctx, credentialKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return m.crypt.Decrypt(wire)
}

func (m *Manager) storeCredentials(ctx context.Context, blob []byte) error {
	wire, err := m.crypt.Encrypt(blob)
	if err != nil {
		return err
	}
	return m.vaultRepo.Put(ctx, credentialKey, wire)
}

func (m *Manager) clearCredentials(ctx context.Context) {
	if err := m.vaultRepo.DeleteAll(ctx); err != nil {
		m.logger.Warn("connection: failed to clear credentials", zap.Error(err))
	}
}

func (m *Manager) handleStreamEvent(ctx context.Context, evt StreamEvent) {
	switch e := evt.(type) {
	case PairingCodeEvent:
		m.handlePairingCode(e)
	case ConnectedEvent:
		m.handleConnected(e)
	case DisconnectedEvent:
		m.handleDisconnected(ctx, e)
	case CredentialUpdateEvent:
		if err := m.storeCredentials(ctx, e.Blob); err != nil {
			m.logger.Warn("connection: failed to persist credential update", zap.Error(err))
		}
	case DeliveryAckEvent:
		m.dispatchDeliveryAck(e)
	}
}

func (m *Manager) dispatchDeliveryAck(e DeliveryAckEvent) {
	m.ackHooksMu.Lock()
	hooks := append([]DeliveryAckHook(nil), m.ackHooks...)
	m.ackHooksMu.Unlock()
	for _, hook := range hooks {
		hook(e)
	}
}

func (m *Manager) handlePairingCode(e PairingCodeEvent) {
	m.mu.Lock()
	m.state = StatePairing
	m.mu.Unlock()

	terminal := renderPairingCodeTerminal(e.Code)
	dataURL := renderPairingCodeDataURL(e.Code)
	m.bus.PublishPairingCode(eventbus.PairingCode{
		Terminal: terminal,
		DataURL:  dataURL,
		At:       time.Now(),
	})
}

func (m *Manager) handleConnected(e ConnectedEvent) {
	now := time.Now()

	m.mu.Lock()
	m.state = StateConnected
	m.socket, _ = m.curStream.(Socket)
	m.connectedAt = &now
	m.reconnectAttempts = 0
	m.retryStartedAt = time.Time{}
	m.accountPhone = e.AccountPhone
	m.accountName = e.AccountName
	socket := m.socket
	m.mu.Unlock()

	m.hooksMu.Lock()
	hooks := append([]OnConnectedHook(nil), m.hooks...)
	m.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(socket)
	}

	m.bus.PublishConnectionStatus(m.Status())
}

func (m *Manager) handleDisconnected(ctx context.Context, e DisconnectedEvent) {
	now := time.Now()
	m.mu.Lock()
	m.state = StateDisconnected
	m.lastDisconnect = &eventbus.DisconnectInfo{Reason: e.Reason, Code: e.Code, At: now}
	m.socket = nil
	m.mu.Unlock()

	observability.Reconnects.WithLabelValues(strconv.Itoa(e.Code)).Inc()
	m.bus.PublishConnectionStatus(m.Status())

	switch e.Code {
	case codePermanentLoggedOut:
		m.clearCredentials(ctx)
		m.resetRetryCounters()
		m.mu.Lock()
		m.state = StatePairing
		m.mu.Unlock()
		m.scheduleReconnect(m.gen, 0)

	case codeReplacedByAnotherClient:
		// terminal: no reconnect.

	case codeRestartRequired:
		m.scheduleReconnect(m.gen, 0)

	case codeForbidden:
		m.clearCredentials(ctx)
		m.resetRetryCounters()
		m.mu.Lock()
		m.state = StatePairing
		m.mu.Unlock()
		m.scheduleReconnect(m.gen, 0)

	default:
		m.bumpRetryCounters()
		if m.retryWindowExceeded() {
			m.logger.Warn("connection: max retry window exceeded, resetting to pairing", logging.Component("connection"))
			m.clearCredentials(ctx)
			m.resetRetryCounters()
			m.mu.Lock()
			m.state = StatePairing
			m.mu.Unlock()
			m.scheduleReconnect(m.gen, 0)
			return
		}
		m.scheduleReconnect(m.gen, m.backoffDelay())
	}
}

func (m *Manager) resetRetryCounters() {
	m.mu.Lock()
	m.reconnectAttempts = 0
	m.retryStartedAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) bumpRetryCounters() {
	m.mu.Lock()
	if m.retryStartedAt.IsZero() {
		m.retryStartedAt = time.Now()
	}
	m.reconnectAttempts++
	m.mu.Unlock()
}

func (m *Manager) retryWindowExceeded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.retryStartedAt.IsZero() {
		return false
	}
	return time.Since(m.retryStartedAt) > m.backoff.MaxRetryWindow
}

// backoffDelay computes min(baseDelay * 2^n, maxDelay) * U(0.8, 1.2) for
// the current attempt count.
func (m *Manager) backoffDelay() time.Duration {
	m.mu.RLock()
	n := m.reconnectAttempts
	m.mu.RUnlock()

	delay := m.backoff.BaseDelay << n // BaseDelay * 2^n
	if delay <= 0 || delay > m.backoff.MaxDelay {
		delay = m.backoff.MaxDelay
	}
	jitter := 0.8 + m.rng.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

func (m *Manager) scheduleReconnect(gen int, delay time.Duration) {
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.stop:
				return
			}
		}
		select {
		case m.commands <- command{gen: gen}:
		case <-m.stop:
		}
	}()
}
