package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/switchboard/internal/ack"
	"github.com/Iron-Ham/switchboard/internal/audit"
	"github.com/Iron-Ham/switchboard/internal/config"
	"github.com/Iron-Ham/switchboard/internal/consensus"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/event"
	"github.com/Iron-Ham/switchboard/internal/filelock"
	"github.com/Iron-Ham/switchboard/internal/logging"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
	"github.com/Iron-Ham/switchboard/internal/registry"
	"github.com/Iron-Ham/switchboard/internal/tmux"
)

// internalLocksDir holds the locks that serialize registry edits and rate
// window updates. They are kept apart from agents' locks so a broad glob
// lock never blocks registration or sending.
const internalLocksDir = "internal.locks"

// Hub wires every coordination component for one state directory.
type Hub struct {
	cfg *config.Config

	logger     *logging.Logger
	ownsLogger bool
	bus        *event.Bus

	locks      *filelock.Manager
	registry   *registry.File
	deliveries *mailbox.DeliveryLog
	transport  mailbox.Transport
	substrate  *mailbox.Substrate
	tracker    *ack.Tracker
	archive    *audit.Store
	engine     *consensus.Engine
	scheduler  *Scheduler

	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a Hub from cfg. The state directory is created if
// needed. Close releases the audit database and log file.
func NewHub(cfg *config.Config, opts ...Option) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("coordination: config is required")
	}
	var hc hubConfig
	for _, opt := range opts {
		opt(&hc)
	}

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordination: create state directory: %w", err)
	}

	h := &Hub{cfg: cfg, logger: hc.logger}
	if h.logger == nil {
		logger, err := newLogger(cfg)
		if err != nil {
			return nil, err
		}
		h.logger, h.ownsLogger = logger, true
	}
	h.bus = event.NewBus(h.logger)

	if err := h.build(cfg, hc); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewFileLogger(cfg.StateDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

func (h *Hub) build(cfg *config.Config, hc hubConfig) error {
	now := hc.clock()

	lockStore, err := filelock.NewOSStore(cfg.LocksDir())
	if err != nil {
		return err
	}
	h.locks = filelock.NewManager(lockStore,
		filelock.WithRoot(cfg.LockRoot()),
		filelock.WithStaleAfter(cfg.Locks.StaleAfter),
		filelock.WithLogger(h.logger),
		filelock.WithBus(h.bus),
		filelock.WithClock(now),
	)

	internalStore, err := filelock.NewOSStore(filepath.Join(cfg.StateDir(), internalLocksDir))
	if err != nil {
		return err
	}
	internalLocks := filelock.NewManager(internalStore,
		filelock.WithRoot(cfg.StateDir()),
		filelock.WithLogger(h.logger),
	)
	h.registry = registry.NewFile(afero.NewOsFs(), cfg.AgentsFile(), internalLocks)

	secret, err := LoadSecret(afero.NewOsFs(), cfg)
	if err != nil {
		return err
	}
	signer, err := mailbox.NewSigner(secret, cfg.Messaging.AllowUnsigned)
	if err != nil {
		return err
	}

	h.transport = hc.transport
	if h.transport == nil {
		h.transport = newTransport(cfg)
	}
	h.deliveries = mailbox.NewDeliveryLog(cfg.DeliveryLogPath())
	// Each CLI invocation builds its own Hub, so the sender window must
	// live in the state directory to limit across invocations.
	windows, err := mailbox.NewFileWindows(afero.NewOsFs(), cfg.RateWindowsDir(), internalLocks, filepath.Base(cfg.RateWindowsDir()))
	if err != nil {
		return err
	}
	limiter := mailbox.NewRateLimiter(cfg.Messaging.RateLimit, cfg.Messaging.RateWindow)
	limiter.SetClock(now)
	limiter.SetStore(windows)
	h.substrate = mailbox.NewSubstrate(h.registry, h.transport, signer,
		mailbox.WithRateLimiter(limiter),
		mailbox.WithDeliveryLog(h.deliveries),
		mailbox.WithLogger(h.logger),
		mailbox.WithBus(h.bus),
		mailbox.WithClock(now),
	)

	pending, err := ack.NewOSPendingStore(cfg.PendingDir())
	if err != nil {
		return err
	}
	h.tracker = ack.NewTracker(h.substrate, pending,
		ack.WithTimeout(cfg.Ack.Timeout),
		ack.WithMaxRetries(cfg.Ack.MaxRetries),
		ack.WithEscalation(cfg.Ack.Escalate),
		ack.WithLogger(h.logger),
		ack.WithBus(h.bus),
		ack.WithClock(now),
	)

	h.archive, err = audit.Open(cfg.AuditDBPath())
	if err != nil {
		return err
	}
	rounds, err := consensus.NewOSFileStore(cfg.RoundsDir())
	if err != nil {
		return err
	}
	strategy, err := consensus.ParseStrategy(cfg.Consensus.Strategy)
	if err != nil {
		return err
	}
	h.engine = consensus.NewEngine(h.substrate, rounds,
		consensus.WithStrategy(strategy),
		consensus.WithDefaultTimeout(cfg.Consensus.DefaultTimeout),
		consensus.WithPollInterval(cfg.Consensus.PollInterval),
		consensus.WithArchive(h.archive),
		consensus.WithLogger(h.logger),
		consensus.WithBus(h.bus),
		consensus.WithClock(now),
	)

	h.scheduler = NewScheduler(h.tracker, h.locks, h.engine, SchedulerConfig{
		RetryInterval: cfg.Scheduler.RetryInterval,
		SweepInterval: cfg.Scheduler.SweepInterval,
	}, h.logger)
	return nil
}

func newTransport(cfg *config.Config) mailbox.Transport {
	if cfg.Messaging.Transport == config.TransportTmux {
		return tmux.NewTransport(cfg.Messaging.TmuxSocket)
	}
	return mailbox.NewFileTransport(cfg.InboxDir())
}

// Config returns the configuration the hub was built from.
func (h *Hub) Config() *config.Config { return h.cfg }

// Logger returns the hub's logger.
func (h *Hub) Logger() *logging.Logger { return h.logger }

// Bus returns the event bus every component publishes to.
func (h *Hub) Bus() *event.Bus { return h.bus }

// Locks returns the lock manager.
func (h *Hub) Locks() *filelock.Manager { return h.locks }

// Registry returns the agent directory.
func (h *Hub) Registry() *registry.File { return h.registry }

// Transport returns the delivery transport.
func (h *Hub) Transport() mailbox.Transport { return h.transport }

// Inbox returns the file transport when messages are delivered to inbox
// files, and false for other transports.
func (h *Hub) Inbox() (*mailbox.FileTransport, bool) {
	ft, ok := h.transport.(*mailbox.FileTransport)
	return ft, ok
}

// Deliveries returns the delivery log.
func (h *Hub) Deliveries() *mailbox.DeliveryLog { return h.deliveries }

// Substrate returns the messaging substrate.
func (h *Hub) Substrate() *mailbox.Substrate { return h.substrate }

// Tracker returns the acknowledgment tracker.
func (h *Hub) Tracker() *ack.Tracker { return h.tracker }

// Engine returns the consensus engine.
func (h *Hub) Engine() *consensus.Engine { return h.engine }

// Archive returns the consensus result archive.
func (h *Hub) Archive() *audit.Store { return h.archive }

// Scheduler returns the maintenance scheduler.
func (h *Hub) Scheduler() *Scheduler { return h.scheduler }

// Start runs the scheduler in the background until Stop is called or ctx
// is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("coordination: hub already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = true
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		h.scheduler.Run(ctx)
	}()

	h.logger.Info("hub started", "state_dir", h.cfg.StateDir())
	return nil
}

// Stop stops the scheduler and waits for it to exit. It is idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.cancel()
	<-h.done
	h.started = false
	h.logger.Info("hub stopped")
	return nil
}

// Running returns whether the scheduler is running.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Close stops the hub and releases the audit database and the log file.
func (h *Hub) Close() error {
	err := h.Stop()
	if h.archive != nil {
		err = errors.Join(err, h.archive.Close())
	}
	if h.ownsLogger {
		err = errors.Join(err, h.logger.Close())
	}
	return err
}
