// Package engine assembles the synchronization pipeline: two managed
// connections feeding the dispatcher, the market registry, and the event bus.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/bus"
	"github.com/harwell/tidemark/internal/dispatch"
	"github.com/harwell/tidemark/internal/market"
	"github.com/harwell/tidemark/internal/observability"
	"github.com/harwell/tidemark/internal/schema"
	"github.com/harwell/tidemark/internal/ws"
)

// Config parameterises one engine instance. URLs and symbols are required;
// everything else falls back to the connection-layer defaults.
type Config struct {
	PublicURL  string
	PrivateURL string

	Symbols   []string
	Intervals []string
	Depth     int

	KlineCap   int
	StrictBook bool

	APIKey    string
	APISecret string

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxAttempts       int

	BusBufferSize int

	// Dial overrides the websocket dialer, used by tests to run the full
	// pipeline over in-memory wires.
	Dial ws.Dialer
}

const defaultBookDepth = 50

// Validate reports the first configuration fault.
func (c Config) Validate() error {
	if c.PublicURL == "" {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("public stream url is required"))
	}
	if len(c.Symbols) == 0 {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("at least one symbol is required"))
	}
	for _, symbol := range c.Symbols {
		if symbol == "" {
			return errs.New("engine", errs.CodeInvalid, errs.WithMessage("empty symbol"))
		}
	}
	if c.Depth < 0 {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("depth must be positive"))
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("api key and secret must be set together"))
	}
	if c.APIKey != "" && c.PrivateURL == "" {
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("private stream url is required with credentials"))
	}
	return nil
}

func (c Config) privateEnabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Engine owns the full pipeline lifecycle. Construct with New, start with
// InitConnections, consume through Bus, and stop with CloseAll.
type Engine struct {
	cfg Config
	log observability.Logger

	registry   *market.Registry
	events     bus.Bus
	dispatcher *dispatch.Dispatcher

	public  *ws.Manager
	private *ws.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	fatal     chan error
	closeOnce sync.Once
}

// New wires the pipeline without connecting anywhere.
func New(cfg Config, log observability.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = observability.Log()
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := market.NewRegistry(market.Config{KlineCap: cfg.KlineCap, StrictBook: cfg.StrictBook})
	events := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: cfg.BusBufferSize})
	dispatcher := dispatch.New(ctx, registry, events, log)

	e := &Engine{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		events:     events,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		fatal:      make(chan error, 2),
	}

	e.public = ws.NewManager(ws.KindPublic, ws.Config{
		URL:               cfg.PublicURL,
		Topics:            e.publicTopics(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxAttempts:       cfg.MaxAttempts,
		Handler:           dispatcher.Dispatch,
		Dial:              cfg.Dial,
	}, log)

	if cfg.privateEnabled() {
		e.private = ws.NewManager(ws.KindPrivate, ws.Config{
			URL:               cfg.PrivateURL,
			Topics:            privateTopics(),
			HeartbeatInterval: cfg.HeartbeatInterval,
			BackoffBase:       cfg.BackoffBase,
			BackoffMultiplier: cfg.BackoffMultiplier,
			MaxAttempts:       cfg.MaxAttempts,
			Auth:              ws.NewAuthenticator(cfg.APIKey, cfg.APISecret),
			Handler:           dispatcher.Dispatch,
			Dial:              cfg.Dial,
		}, log)
	} else {
		log.Info("private channel disabled, no credentials configured")
	}

	return e, nil
}

// publicTopics expands the configured symbols into the full public topic set.
// Every symbol gets depth and ticker streams plus one kline stream per
// interval.
func (e *Engine) publicTopics() []string {
	depth := e.cfg.Depth
	if depth <= 0 {
		depth = defaultBookDepth
	}
	topics := make([]string, 0, len(e.cfg.Symbols)*(2+len(e.cfg.Intervals)))
	for _, symbol := range e.cfg.Symbols {
		topics = append(topics, schema.Topic{Kind: schema.TopicOrderbook, Symbol: symbol, Depth: depth}.String())
		for _, interval := range e.cfg.Intervals {
			topics = append(topics, schema.Topic{Kind: schema.TopicKline, Symbol: symbol, Interval: interval}.String())
		}
		topics = append(topics, schema.Topic{Kind: schema.TopicTicker, Symbol: symbol}.String())
	}
	return topics
}

func privateTopics() []string {
	return []string{
		schema.Topic{Kind: schema.TopicExecution}.String(),
		schema.Topic{Kind: schema.TopicPosition}.String(),
		schema.Topic{Kind: schema.TopicOrder}.String(),
	}
}

// Bus exposes the engine's only output surface.
func (e *Engine) Bus() bus.Bus { return e.events }

// Registry exposes the reconstructed market state for read-side consumers.
func (e *Engine) Registry() *market.Registry { return e.registry }

// Fatal delivers connection-abandonment errors after reconnect budgets are
// exhausted. The engine keeps the surviving connection running; the caller
// decides whether to shut down.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// InitConnections starts both managed connections and blocks until each has
// connected, authenticated where applicable, and subscribed. ctx bounds the
// wait; the connections keep reconnecting in the background afterwards.
func (e *Engine) InitConnections(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.public.Start(e.ctx)
	e.watch(e.public)
	if e.private != nil {
		e.private.Start(e.ctx)
		e.watch(e.private)
	}

	if err := e.awaitReady(ctx, e.public); err != nil {
		return err
	}
	if e.private != nil {
		if err := e.awaitReady(ctx, e.private); err != nil {
			return err
		}
	}
	e.log.Info("engine connections established",
		observability.F("symbols", len(e.cfg.Symbols)),
		observability.F("private", e.private != nil))
	return nil
}

func (e *Engine) awaitReady(ctx context.Context, m *ws.Manager) error {
	select {
	case <-m.Ready():
		return nil
	case err := <-m.Fatal():
		// Refill so callers watching Fatal still observe the abandonment.
		e.raiseFatal(err)
		return err
	case err := <-e.fatal:
		// The watch goroutine may win the race for the manager's signal.
		e.raiseFatal(err)
		return err
	case <-ctx.Done():
		return errs.New(string(m.Kind()), errs.CodeUnavailable,
			errs.WithMessage("connection not ready before deadline"), errs.WithCause(ctx.Err()))
	case <-e.ctx.Done():
		return errs.New(string(m.Kind()), errs.CodeUnavailable, errs.WithMessage("engine closed"))
	}
}

// watch forwards the manager's fatal signal onto the engine channel.
func (e *Engine) watch(m *ws.Manager) {
	e.wg.Go(func() {
		select {
		case err := <-m.Fatal():
			e.raiseFatal(err)
		case <-e.ctx.Done():
		}
	})
}

func (e *Engine) raiseFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// CloseAll tears the pipeline down in order: connections first so no new
// frames arrive, then the bus so subscribers observe channel close. It is
// idempotent and safe to call concurrently with a fatal signal.
func (e *Engine) CloseAll() {
	e.closeOnce.Do(func() {
		e.public.Close()
		if e.private != nil {
			e.private.Close()
		}
		e.cancel()
		e.wg.Wait()
		e.events.Close()
		e.registry.Reset()
		e.log.Info("engine closed")
	})
}
