package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/dispatch"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/protocol"
	"github.com/matheus3301/chatcore/internal/status"
)

// ErrNotConnected is returned by Transmit when no confirmed socket is open.
var ErrNotConnected = errors.New("not connected")

var errConfirmTimeout = errors.New("no frame received before confirmation timeout")

// Config tunes the manager. Zero fields take the defaults below.
type Config struct {
	URL               string
	ConfirmTimeout    time.Duration
	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxJitter         time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	} else if c.MaxJitter == 0 {
		c.MaxJitter = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Enqueuer holds actions that could not be transmitted. While Busy reports
// true, Send queues new actions behind the pending ones instead of writing
// them directly.
type Enqueuer interface {
	Enqueue(a protocol.Action)
	Busy() bool
}

// Manager owns the single socket to the backend. Transport failures never
// surface as errors from its methods; they reach listeners through the
// dispatcher and drive reconnection.
type Manager struct {
	cfg     Config
	backoff Backoff
	dialer  Dialer
	disp    *dispatch.Dispatcher
	machine *status.Machine
	log     *zap.Logger
	metrics *metrics.Metrics

	// writeMu serializes frames onto the socket.
	writeMu sync.Mutex

	mu              sync.Mutex
	creds           Credentials
	shouldReconnect bool
	gen             uint64
	sock            Socket
	stopSock        context.CancelFunc
	confirmed       bool
	attempts        int
	confirmTimer    *time.Timer
	reconnectTimer  *time.Timer
	queue           Enqueuer
}

// New creates a manager. It does nothing until Connect is called.
func New(cfg Config, dialer Dialer, disp *dispatch.Dispatcher, machine *status.Machine, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if disp == nil {
		disp = dispatch.New(log, m)
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.MaxJitter},
		dialer:  dialer,
		disp:    disp,
		machine: machine,
		log:     log,
		metrics: m,
	}
}

// UseQueue sets where Send puts actions it cannot transmit.
func (m *Manager) UseQueue(q Enqueuer) {
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
}

// Connect stores creds and opens a socket in the background, replacing any
// current one. Listener registrations are kept.
func (m *Manager) Connect(creds Credentials) error {
	if _, err := endpoint(m.cfg.URL, creds); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	m.creds = creds
	m.shouldReconnect = true
	m.gen++
	gen := m.gen
	replaced := m.teardownLocked()
	m.stopReconnectLocked()
	m.mu.Unlock()

	if replaced {
		m.enter(status.Reconnecting)
		m.metrics.SetConnected(false)
	}
	go m.open(gen)
	return nil
}

// Close disables reconnection, cancels every timer, closes the socket and
// drops listener registrations. Queued actions are kept for the next Connect.
func (m *Manager) Close() {
	m.mu.Lock()
	m.shouldReconnect = false
	m.gen++
	wasConfirmed := m.confirmed
	m.teardownLocked()
	m.stopReconnectLocked()
	m.mu.Unlock()

	m.enter(status.Closed)
	m.metrics.SetConnected(false)
	if wasConfirmed {
		m.disp.Disconnected("closed")
	}
	m.disp.Clear()
	m.log.Info("connection closed")
}

// Connected reports whether a socket is open and confirmed by an inbound frame.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock != nil && m.confirmed
}

// State returns the lifecycle state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Attempts returns the number of reconnects scheduled since the last confirmed connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Send transmits a now, or hands it to the queue and returns false. Actions
// go to the queue while it still holds or replays older ones.
func (m *Manager) Send(ctx context.Context, a protocol.Action) bool {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q != nil && q.Busy() {
		m.log.Debug("queueing action behind pending replay", zap.String("action", a.Name()))
		q.Enqueue(a)
		return false
	}
	err := m.Transmit(ctx, a)
	if err == nil {
		return true
	}
	if q == nil {
		m.log.Warn("dropping action, no queue configured", zap.String("action", a.Name()), zap.Error(err))
		return false
	}
	m.log.Debug("queueing action", zap.String("action", a.Name()), zap.Error(err))
	q.Enqueue(a)
	return false
}

// Transmit writes a onto the confirmed socket. It returns ErrNotConnected
// without touching the queue when there is none.
func (m *Manager) Transmit(ctx context.Context, a protocol.Action) error {
	m.mu.Lock()
	sock, gen, ok := m.sock, m.gen, m.sock != nil && m.confirmed
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := m.write(ctx, sock, a); err != nil {
		m.fail(gen, err)
		return fmt.Errorf("transmit %s: %w", a.Name(), err)
	}
	return nil
}

func (m *Manager) write(ctx context.Context, sock Socket, a protocol.Action) error {
	frame, err := protocol.Encode(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	m.writeMu.Lock()
	err = sock.Write(ctx, frame)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}
	m.metrics.FrameSent(a.Name())
	return nil
}

// open dials and, on success, starts reading and sends the connection test frame.
func (m *Manager) open(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect {
		m.mu.Unlock()
		return
	}
	target, err := endpoint(m.cfg.URL, m.creds)
	m.mu.Unlock()
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.enter(status.Connecting)
	dialCtx, cancelDial := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	sock, err := m.dialer.Dial(dialCtx, target)
	cancelDial()
	if err != nil {
		m.fail(gen, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect {
		m.mu.Unlock()
		cancel()
		_ = sock.Close("superseded")
		return
	}
	m.sock = sock
	m.stopSock = cancel
	m.confirmed = false
	m.confirmTimer = time.AfterFunc(m.cfg.ConfirmTimeout, func() {
		m.fail(gen, errConfirmTimeout)
	})
	m.mu.Unlock()

	m.enter(status.Confirming)
	m.log.Info("socket open, awaiting first frame", zap.String("url", m.cfg.URL))

	go m.readLoop(ctx, gen, sock)

	if err := m.write(ctx, sock, protocol.Ping{ConnectionTest: true}); err != nil {
		m.fail(gen, err)
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, sock Socket) {
	for {
		frame, err := sock.Read(ctx)
		if err != nil {
			m.fail(gen, err)
			return
		}
		m.onFrame(ctx, gen, sock, frame)
	}
}

// onFrame confirms the connection on the first inbound frame, then dispatches it.
func (m *Manager) onFrame(ctx context.Context, gen uint64, sock Socket, frame []byte) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	first := !m.confirmed
	if first {
		m.confirmed = true
		m.attempts = 0
		if m.confirmTimer != nil {
			m.confirmTimer.Stop()
			m.confirmTimer = nil
		}
	}
	m.mu.Unlock()

	if first {
		m.enter(status.Connected)
		m.metrics.SetConnected(true)
		m.log.Info("connection confirmed")
		go m.heartbeat(ctx, gen, sock)
		m.disp.Connected()
	}
	m.disp.HandleFrame(frame)
}

func (m *Manager) heartbeat(ctx context.Context, gen uint64, sock Socket) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(ctx, sock, protocol.Ping{}); err != nil {
				m.fail(gen, err)
				return
			}
		}
	}
}

// fail tears down the socket of generation gen and schedules a reconnect.
// Calls for a stale generation are ignored.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	wasConfirmed := m.confirmed
	m.teardownLocked()
	m.gen++
	next := m.gen

	var delay time.Duration
	schedule := m.shouldReconnect && m.creds.Valid()
	if schedule {
		delay = m.backoff.Next(m.attempts)
		m.attempts++
		m.stopReconnectLocked()
		m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(next) })
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.metrics.SetConnected(false)
	if schedule {
		m.enter(status.Reconnecting)
		m.metrics.Reconnect()
		m.log.Warn("connection lost, reconnect scheduled",
			zap.Error(cause),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
	} else {
		m.enter(status.Closed)
		m.log.Warn("connection lost", zap.Error(cause))
	}

	reason := cause.Error()
	if wasConfirmed {
		m.disp.Disconnected(reason)
	}
	if !errors.Is(cause, ErrSocketClosed) {
		m.disp.ConnectionFailed(reason)
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	ok := gen == m.gen && m.shouldReconnect && m.sock == nil
	m.mu.Unlock()
	if ok {
		m.open(gen)
	}
}

// teardownLocked closes the current socket and its timers. It reports
// whether a socket was open.
func (m *Manager) teardownLocked() bool {
	if m.confirmTimer != nil {
		m.confirmTimer.Stop()
		m.confirmTimer = nil
	}
	if m.stopSock != nil {
		m.stopSock()
		m.stopSock = nil
	}
	m.confirmed = false
	if m.sock == nil {
		return false
	}
	sock := m.sock
	m.sock = nil
	go func() { _ = sock.Close("") }()
	return true
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// enter moves the state machine, ignoring moves the table does not allow.
func (m *Manager) enter(s status.State) {
	if m.machine.Current() == s {
		return
	}
	if err := m.machine.Transition(s); err != nil {
		m.log.Debug("state transition skipped", zap.Error(err))
	}
}
