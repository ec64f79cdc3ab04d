package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/observability"
)

// Kind names the two engine connections.
type Kind string

const (
	// KindPublic carries market data and needs no authentication.
	KindPublic Kind = "public"
	// KindPrivate carries account and execution events behind the auth handshake.
	KindPrivate Kind = "private"
)

const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultBackoffBase       = 5 * time.Second
	defaultBackoffMultiplier = 1.5
	defaultMaxAttempts       = 10
	// The exchange throttles control operations; pace subscribe/auth/ping
	// sends to stay under its per-connection limit.
	controlSendInterval = 250 * time.Millisecond
)

// Config parameterises one managed connection.
type Config struct {
	URL               string
	Topics            []string
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxAttempts       int
	Auth              *Authenticator
	Handler           func(raw []byte)
	Dial              Dialer
}

func (c Config) normalize() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Dial == nil {
		c.Dial = DialWebsocket
	}
	return c
}

// Manager owns one connection end to end: it dials, authenticates when
// configured, replays the full desired topic set after every connect, runs
// the heartbeat timer, and schedules reconnects with exponential backoff.
// After MaxAttempts consecutive failures it stops and surfaces a fatal
// signal exactly once.
type Manager struct {
	kind    Kind
	cfg     Config
	log     observability.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan error
	fatalOnce sync.Once

	lastHeartbeatSent atomic.Int64
}

// NewManager constructs a manager for the connection kind. Start must be
// called to begin connecting.
func NewManager(kind Kind, cfg Config, log observability.Logger) *Manager {
	if log == nil {
		log = observability.Log()
	}
	m := new(Manager)
	m.kind = kind
	m.cfg = cfg.normalize()
	m.log = log
	m.limiter = rate.NewLimiter(rate.Every(controlSendInterval), 1)
	m.done = make(chan struct{})
	m.ready = make(chan struct{})
	m.fatal = make(chan error, 1)
	return m
}

// Start launches the connection loop. It returns immediately; callers block
// on Ready or Fatal.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.run()
}

// Ready is closed once the initial connect, handshake, and subscription have
// all completed.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Fatal delivers at most one error, raised when reconnect attempts are
// exhausted.
func (m *Manager) Fatal() <-chan error { return m.fatal }

// Done is closed when the connection loop has fully stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// State reports the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Kind reports which connection this manager owns.
func (m *Manager) Kind() Kind { return m.kind }

// LastHeartbeat reports when the most recent liveness probe was sent, or the
// zero time if none has been sent yet.
func (m *Manager) LastHeartbeat() time.Time {
	ms := m.lastHeartbeatSent.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Topics returns the immutable desired topic set replayed on every connect.
func (m *Manager) Topics() []string {
	out := make([]string, len(m.cfg.Topics))
	copy(out, m.cfg.Topics)
	return out
}

// Close stops the loop, cancels any pending backoff timer, and waits for the
// connection to shut down. It is idempotent.
func (m *Manager) Close() {
	if m.cancel == nil {
		return
	}
	m.state.Store(int32(StateClosing))
	m.cancel()
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.state.Store(int32(StateClosed))

	expo := m.newBackoff()
	failures := 0
	var lastErr error

	for {
		if m.ctx.Err() != nil {
			return
		}

		established, err := m.session()
		if m.ctx.Err() != nil {
			return
		}
		if established {
			failures = 0
			expo.Reset()
		}
		failures++
		lastErr = err

		if failures > m.cfg.MaxAttempts {
			m.raiseFatal(errs.New(string(m.kind), errs.CodeNetwork,
				errs.WithAttempt(failures-1),
				errs.WithMessage("reconnect attempts exhausted"),
				errs.WithCause(lastErr)))
			return
		}

		wait := expo.NextBackOff()
		m.log.Warn("connection lost, reconnect scheduled",
			observability.F("conn", string(m.kind)),
			observability.F("attempt", failures),
			observability.F("delay", wait.String()),
			observability.F("error", errString(err)))
		observability.Telemetry().IncCounter("ws_reconnects_total", 1, map[string]string{"conn": string(m.kind)})

		timer := time.NewTimer(wait)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection lifetime. The boolean reports whether the
// session reached Ready (connect, handshake, and subscribe all succeeded),
// which resets the failure budget.
func (m *Manager) session() (bool, error) {
	m.state.Store(int32(StateConnecting))
	wire, err := m.cfg.Dial(m.ctx, m.cfg.URL)
	if err != nil {
		m.log.Warn("dial failed",
			observability.F("conn", string(m.kind)),
			observability.F("url", m.cfg.URL),
			observability.F("error", err.Error()))
		return false, errs.New(string(m.kind), errs.CodeNetwork, errs.WithMessage("dial"), errs.WithCause(err))
	}
	defer func() { _ = wire.Close("session ended") }()
	m.state.Store(int32(StateOpen))

	if m.cfg.Auth != nil {
		m.state.Store(int32(StateAuthenticating))
		connID, err := m.cfg.Auth.Handshake(m.ctx, wire)
		if err != nil {
			// Close and retry fresh through the controller; the signature
			// has expired by the time a failure ack arrives.
			m.log.Warn("auth handshake failed",
				observability.F("conn", string(m.kind)),
				observability.F("error", err.Error()))
			return false, err
		}
		m.log.Info("private channel authenticated",
			observability.F("conn", string(m.kind)),
			observability.F("conn_id", connID))
	}

	if err := m.subscribe(wire); err != nil {
		m.log.Warn("subscribe failed",
			observability.F("conn", string(m.kind)),
			observability.F("error", err.Error()))
		return false, err
	}

	m.state.Store(int32(StateReady))
	m.readyOnce.Do(func() { close(m.ready) })
	m.log.Info("connection ready",
		observability.F("conn", string(m.kind)),
		observability.F("topics", len(m.cfg.Topics)))

	heartbeatCtx, stopHeartbeat := context.WithCancel(m.ctx)
	go m.heartbeatLoop(heartbeatCtx, wire)
	defer stopHeartbeat()

	return true, m.readLoop(wire)
}

// subscribe issues a single subscribe operation carrying the full desired
// topic set. The set is immutable for the engine's lifetime, so replaying it
// verbatim after every reconnect is idempotent.
func (m *Manager) subscribe(wire Wire) error {
	if len(m.cfg.Topics) == 0 {
		return nil
	}
	if err := m.limiter.Wait(m.ctx); err != nil {
		return errs.New(string(m.kind), errs.CodeNetwork, errs.WithMessage("pace subscribe"), errs.WithCause(err))
	}
	args := make([]any, len(m.cfg.Topics))
	for i, topic := range m.cfg.Topics {
		args[i] = topic
	}
	op := operation{ReqID: uuid.NewString(), Op: "subscribe", Args: args}
	if err := writeOperation(m.ctx, wire, op); err != nil {
		return errs.New(string(m.kind), errs.CodeNetwork, errs.WithMessage("subscribe"), errs.WithCause(err))
	}
	return nil
}

// heartbeatLoop sends a liveness probe on a fixed interval while the session
// is Ready. A missing reply is not independently fatal: liveness is inferred
// from the transport's own close, because the exchange answers probes
// asynchronously and unordered relative to data frames.
func (m *Manager) heartbeatLoop(ctx context.Context, wire Wire) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			op := operation{ReqID: uuid.NewString(), Op: "ping"}
			if err := writeOperation(ctx, wire, op); err != nil {
				if ctx.Err() == nil {
					m.log.Warn("heartbeat send failed",
						observability.F("conn", string(m.kind)),
						observability.F("error", err.Error()))
				}
				return
			}
			m.lastHeartbeatSent.Store(time.Now().UnixMilli())
		}
	}
}

func (m *Manager) readLoop(wire Wire) error {
	for {
		raw, err := wire.Read(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return nil
			}
			return errs.New(string(m.kind), errs.CodeNetwork, errs.WithMessage("stream closed"), errs.WithCause(err))
		}
		if m.cfg.Handler != nil {
			m.cfg.Handler(raw)
		}
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.BackoffBase
	expo.Multiplier = m.cfg.BackoffMultiplier
	expo.RandomizationFactor = 0
	expo.MaxInterval = 5 * time.Minute
	expo.Reset()
	return expo
}

func (m *Manager) raiseFatal(err error) {
	m.fatalOnce.Do(func() {
		m.log.Error("connection abandoned",
			observability.F("conn", string(m.kind)),
			observability.F("error", err.Error()))
		m.fatal <- err
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
