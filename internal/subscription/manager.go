package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/models"
	"github.com/stanstork/fieldnotify/internal/notification"
	"github.com/stanstork/fieldnotify/internal/relay"
)

type State string

const (
	StateDisabled     State = "disabled"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal until the auth or realtime toggle changes.
	StateFailed State = "failed"
)

var (
	ErrNotInitialized = errors.New("subscription manager not initialized")
	ErrDisabled       = errors.New("realtime connection disabled")
	ErrGaveUp         = errors.New("realtime connection failed, refresh to retry")
	ErrNotConnected   = errors.New("realtime connection not open")
	ErrUnauthorized   = errors.New("relay rejected session")
)

const (
	writeWait         = 10 * time.Second
	maxMessageSize    = 64 * 1024
	messageBufferSize = 64
	subscriberBuffer  = 16
)

// StateChange is published to subscribers on every transition.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
	At      time.Time
}

type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:3001/ws.
	URL          string
	Audience     models.Audience
	UserID       string
	SessionToken string
	EmployeeID   *int64

	HeartbeatInterval time.Duration
	MinInterval       time.Duration
	MaxAttempts       int
	Backoff           notification.Backoff
}

// Manager owns one relay connection for one audience. It connects only while
// the user is authenticated and realtime delivery is enabled for the audience.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	ctl sync.Mutex

	mu            sync.Mutex
	root          context.Context
	authenticated bool
	realtime      bool
	state         State
	failures      int
	lastAttempt   time.Time
	lastAck       time.Time
	conn          *websocket.Conn
	cancel        context.CancelFunc
	done          chan struct{}
	subs          map[int]chan StateChange
	nextSub       int

	writeMu  sync.Mutex
	messages chan relay.Envelope
}

func NewManager(opts Options, logger zerolog.Logger) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("relay URL is required")
	}
	if opts.UserID == "" || opts.SessionToken == "" {
		return nil, errors.New("user id and session token are required")
	}
	if !opts.Audience.Valid() {
		return nil, errors.Errorf("invalid audience %q", opts.Audience)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = notification.Backoff{Base: time.Second, Multiplier: 2, Max: 30 * time.Second}
	}

	return &Manager{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With().Str("component", "subscription").Str("audience", string(opts.Audience)).Logger(),
		now:      time.Now,
		sleep:    sleepContext,
		state:    StateDisabled,
		subs:     make(map[int]chan StateChange),
		messages: make(chan relay.Envelope, messageBufferSize),
	}, nil
}

// Init binds the manager to the application lifetime. Connections are
// opened as soon as the auth and realtime conditions hold.
func (m *Manager) Init(ctx context.Context) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	if m.root != nil {
		m.mu.Unlock()
		return
	}
	m.root = ctx
	m.mu.Unlock()
	m.reconcile()
}

// GetOrCreate starts the connection if it should be open and waits until it
// is connected or has given up.
func (m *Manager) GetOrCreate(ctx context.Context) error {
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.ctl.Lock()
	m.mu.Lock()
	initialized := m.root != nil
	m.mu.Unlock()
	if !initialized {
		m.ctl.Unlock()
		return ErrNotInitialized
	}
	m.reconcile()
	m.ctl.Unlock()

	for {
		switch m.State() {
		case StateConnected:
			return nil
		case StateFailed:
			return ErrGaveUp
		case StateDisabled:
			return ErrDisabled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Teardown closes the connection and detaches the manager from its root
// context. Init must be called again before it reconnects.
func (m *Manager) Teardown() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	m.root = nil
	m.mu.Unlock()
	m.reconcile()
}

func (m *Manager) SetAuthenticated(ok bool) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	changed := m.authenticated != ok
	m.authenticated = ok
	m.mu.Unlock()
	if changed {
		m.reconcile()
	}
}

func (m *Manager) SetRealtimeEnabled(enabled bool) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	changed := m.realtime != enabled
	m.realtime = enabled
	m.mu.Unlock()
	if changed {
		m.reconcile()
	}
}

// SetSettings applies the realtime toggle for the manager's audience.
func (m *Manager) SetSettings(s models.Settings) {
	m.SetRealtimeEnabled(s.RealtimeEnabled(m.opts.Audience))
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastHeartbeatAck is when the relay last acknowledged a heartbeat.
func (m *Manager) LastHeartbeatAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

// Subscribe returns a channel of state changes and a function that
// unsubscribes and closes it. Slow subscribers miss changes.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan StateChange, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Messages yields every relay event other than heartbeat acks. The channel
// is never closed; frames are dropped while it is full.
func (m *Manager) Messages() <-chan relay.Envelope {
	return m.messages
}

// Send writes one event to the relay.
func (m *Manager) Send(event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, event, data)
}

// reconcile opens or closes the connection to match the current
// conditions. Callers hold ctl.
func (m *Manager) reconcile() {
	m.mu.Lock()
	want := m.root != nil && m.authenticated && m.realtime
	running := m.done != nil

	if want {
		if !running && m.state != StateFailed {
			m.startLocked()
		}
		m.mu.Unlock()
		return
	}

	if running {
		m.cancel()
		done := m.done
		m.cancel, m.done = nil, nil
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	m.failures = 0
	m.setStateLocked(StateDisabled, nil)
	m.mu.Unlock()
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(m.root)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.failures = 0
	m.setStateLocked(StateConnecting, nil)
	go m.run(ctx, done)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		rootEnded := ctx.Err() != nil
		m.mu.Lock()
		if m.done == done {
			// Exited on its own: gave up, or the root context ended.
			// A loop that gave up keeps StateFailed.
			m.cancel()
			m.cancel, m.done = nil, nil
			if rootEnded {
				m.setStateLocked(StateDisabled, nil)
			}
		}
		m.mu.Unlock()
		close(done)
	}()

	for {
		if err := m.sleep(ctx, m.nextDelay()); err != nil {
			return
		}

		m.mu.Lock()
		m.lastAttempt = m.now()
		m.mu.Unlock()

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || m.fail(err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.failures = 0
		m.setStateLocked(StateConnected, nil)
		m.mu.Unlock()
		m.logger.Info().Msg("connected to relay")

		err = m.session(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if ctx.Err() != nil || m.fail(err) {
			return
		}
	}
}

// nextDelay is the backoff for the current failure count, stretched so that
// attempts are at least MinInterval apart.
func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait := m.opts.Backoff.Delay(m.failures)
	if !m.lastAttempt.IsZero() {
		earliest := m.lastAttempt.Add(m.opts.MinInterval)
		if gap := earliest.Sub(m.now()); gap > wait {
			wait = gap
		}
	}
	return wait
}

// fail records a failed attempt and reports whether the manager gave up.
func (m *Manager) fail(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	if errors.Is(err, ErrUnauthorized) || m.failures >= m.opts.MaxAttempts {
		m.logger.Error().Err(err).Int("attempts", m.failures).Msg("giving up on relay connection")
		m.setStateLocked(StateFailed, err)
		return true
	}
	m.logger.Warn().Err(err).Int("attempt", m.failures).Msg("relay connection lost, reconnecting")
	m.setStateLocked(StateReconnecting, err)
	return false
}

func (m *Manager) setStateLocked(to State, err error) {
	if to == m.state && err == nil {
		return
	}
	change := StateChange{From: m.state, To: to, Attempt: m.failures, Err: err, At: m.now()}
	m.state = to
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse relay url")
	}
	q := u.Query()
	q.Set("userId", m.opts.UserID)
	q.Set("sessionToken", m.opts.SessionToken)
	q.Set("isAdmin", strconv.FormatBool(m.opts.Audience == models.AudienceAdmin))
	if m.opts.EmployeeID != nil {
		q.Set("employeeId", strconv.FormatInt(*m.opts.EmployeeID, 10))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "dial relay")
	}
	return conn, nil
}

// session pumps one connection until it drops or ctx ends.
func (m *Manager) session(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(conn) }()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			m.writeMu.Unlock()
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			conn.Close()
			return err
		case <-ticker.C:
			err := m.write(conn, relay.EventHeartbeat, map[string]int64{"timestamp": m.now().UnixMilli()})
			if err != nil {
				conn.Close()
				<-readErr
				return errors.Wrap(err, "send heartbeat")
			}
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env relay.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		if env.Event == relay.EventHeartbeatAck {
			m.mu.Lock()
			m.lastAck = m.now()
			m.mu.Unlock()
			continue
		}

		select {
		case m.messages <- env:
		default:
			m.logger.Warn().Str("event", env.Event).Msg("message buffer full, dropping frame")
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode event data")
	}
	frame, err := json.Marshal(relay.Envelope{Event: event, Data: payload})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
