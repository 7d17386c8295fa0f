package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Ranack/twit-sentiments/internal/logger"
)

var (
	ErrNotReady   = errors.New("model is not ready")
	ErrLoadFailed = errors.New("model load failed")
)

// State is the model lifecycle: Unloaded -> Loading -> Ready | Failed.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoadMode decides when the model is loaded.
type LoadMode string

const (
	// LoadEager loads before the server starts listening.
	LoadEager LoadMode = "eager"
	// LoadBackground loads on its own goroutine at startup.
	LoadBackground LoadMode = "background"
	// LoadLazy loads on the first request that needs the model.
	LoadLazy LoadMode = "lazy"
)

func ParseLoadMode(s string) (LoadMode, error) {
	switch m := LoadMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return LoadBackground, nil
	case LoadEager, LoadBackground, LoadLazy:
		return m, nil
	default:
		return "", fmt.Errorf("unknown load mode %q (want eager, background or lazy)", s)
	}
}

// LoadFunc produces a ready engine.
type LoadFunc func(ctx context.Context) (Engine, error)

// Func adapts l to a LoadFunc for the model in dir.
func (l Loader) Func(dir string) LoadFunc {
	return func(ctx context.Context) (Engine, error) {
		res, err := l.Load(ctx, dir)
		if err != nil {
			return nil, err
		}
		return res.Engine, nil
	}
}

type ManagerOptions struct {
	Mode LoadMode
	// SkipWarmup disables the throwaway prediction after load.
	SkipWarmup bool
	Logger     logger.Logger
	// OnStateChange is called with the new state after every transition.
	OnStateChange func(State)
}

// Status is a snapshot of the manager.
type Status struct {
	State State
	Mode  LoadMode
	Since time.Time
	Err   error
}

// Manager owns the single shared engine and its load lifecycle. The
// engine is read-only once Ready.
type Manager struct {
	load LoadFunc
	opts ManagerOptions
	log  logger.Logger

	mu     sync.RWMutex
	state  State
	since  time.Time
	engine Engine
	err    error

	once    sync.Once
	started chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func NewManager(load LoadFunc, opts ManagerOptions) *Manager {
	if opts.Mode == "" {
		opts.Mode = LoadBackground
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		load:    load,
		opts:    opts,
		log:     log,
		since:   time.Now(),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins loading according to the mode. In eager mode it blocks
// until the load finishes and returns its error.
func (m *Manager) Start(ctx context.Context) error {
	switch m.opts.Mode {
	case LoadEager:
		return m.Load(ctx)
	case LoadBackground:
		m.once.Do(func() {
			loadCtx := m.begin(ctx)
			go m.run(loadCtx)
		})
		return nil
	default:
		return nil
	}
}

// Load runs the load exactly once and waits for it. Later calls return
// the outcome of the first.
func (m *Manager) Load(ctx context.Context) error {
	m.once.Do(func() {
		m.run(m.begin(ctx))
	})
	if err := m.Wait(ctx); err != nil {
		return err
	}
	st := m.Status()
	if st.State == StateFailed {
		return fmt.Errorf("%w: %w", ErrLoadFailed, st.Err)
	}
	return nil
}

// begin detaches the load from ctx cancellation; Close cancels it.
func (m *Manager) begin(ctx context.Context) context.Context {
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	close(m.started)
	m.setState(StateLoading, nil, nil)
	return loadCtx
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	start := time.Now()

	engine, err := m.safeLoad(ctx)
	if err == nil && !m.opts.SkipWarmup {
		if werr := engine.Warmup(ctx); werr != nil {
			err = errors.Join(fmt.Errorf("warm-up: %w", werr), engine.Close())
			engine = nil
		}
	}
	if err != nil {
		m.log.Error("model load failed", "error", err, "duration", time.Since(start).Round(time.Millisecond))
		m.setState(StateFailed, nil, err)
		return
	}
	m.log.Info("model ready", "duration", time.Since(start).Round(time.Millisecond))
	m.setState(StateReady, engine, nil)
}

func (m *Manager) safeLoad(ctx context.Context) (engine Engine, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in load: %v", rec)
		}
	}()
	engine, err = m.load(ctx)
	if err == nil && engine == nil {
		err = fmt.Errorf("loader returned no engine")
	}
	return engine, err
}

func (m *Manager) setState(s State, engine Engine, err error) {
	m.mu.Lock()
	m.state = s
	m.since = time.Now()
	if engine != nil {
		m.engine = engine
	}
	m.err = err
	m.mu.Unlock()
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

// Wait blocks until a started load finishes or ctx is done. It returns
// immediately when no load has started.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.started:
	default:
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire returns the engine when Ready. In lazy mode the first call
// loads the model and concurrent callers wait for it.
func (m *Manager) Acquire(ctx context.Context) (Engine, error) {
	st := m.Status()
	if m.opts.Mode == LoadLazy && (st.State == StateUnloaded || st.State == StateLoading) {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		st = m.Status()
	}
	switch st.State {
	case StateReady:
		if e := m.Engine(); e != nil {
			return e, nil
		}
		return nil, ErrNotReady
	case StateFailed:
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, st.Err)
	default:
		return nil, ErrNotReady
	}
}

// Engine returns the loaded engine or nil.
func (m *Manager) Engine() Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady {
		return nil
	}
	return m.engine
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{State: m.state, Mode: m.opts.Mode, Since: m.since, Err: m.err}
}

// Close cancels an in-flight load, waits for it and closes the engine.
func (m *Manager) Close() error {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
		<-m.done
	}

	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	wasReady := m.state == StateReady
	if wasReady {
		m.state = StateUnloaded
		m.since = time.Now()
	}
	m.mu.Unlock()
	if wasReady && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(StateUnloaded)
	}
	if engine == nil {
		return nil
	}
	return engine.Close()
}
