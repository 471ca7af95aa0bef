// Package agenttask implements the agent task scheduler and lifecycle
// engine: it spawns child agent workspaces, drives their queued ->
// running -> awaiting_report -> reported state machine off gateway
// stream-end events, propagates completion reports to ancestors, and
// cleans reported tasks up leaf-first.
package agenttask

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agent"
	"github.com/kandev/agenttask/internal/agenttask/reportcache"
	"github.com/kandev/agenttask/internal/agenttask/waiter"
	"github.com/kandev/agenttask/internal/agenttask/watcher"
	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/common/keymutex"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/telemetry"
)

// Engine event type aliases, published on the bus per task.
const (
	eventTaskCreated      = events.AgentTaskCreated
	eventTaskStateChanged = events.AgentTaskStateChanged
	eventTaskTerminated   = events.AgentTaskTerminated
	eventTaskReported     = events.AgentTaskReported
)

// Dependencies are the collaborators the engine coordinates.
type Dependencies struct {
	Logger     *logger.Logger
	Bus        bus.EventBus
	Store      ConfigStore
	Workspaces WorkspaceService
	Gateway    Gateway
	History    HistoryStore
	Artifacts  *artifacts.Store
	Runtime    RuntimeProvider
	Catalog    *agent.Catalog
}

// serviceStats holds the engine's atomic operation counters.
type serviceStats struct {
	created          atomic.Uint64
	queuedAdmissions atomic.Uint64
	reportsFinalized atomic.Uint64
	fallbackReports  atomic.Uint64
	terminations     atomic.Uint64
	autoResumes      atomic.Uint64
}

// Service is the agent task engine façade.
type Service struct {
	cfg        Config
	logger     *logger.Logger
	bus        bus.EventBus
	store      ConfigStore
	workspaces WorkspaceService
	gateway    Gateway
	history    HistoryStore
	artifacts  *artifacts.Store
	runtime    RuntimeProvider
	catalog    *agent.Catalog

	waiters  *waiter.Registry
	reports  *reportcache.Cache
	streamMu *keymutex.Map
	watcher  *watcher.Watcher
	tracer   trace.Tracer

	// opMu is the service-wide mutex: held across create, terminate, and
	// queue drain, including their IO.
	opMu sync.Mutex

	// flagMu guards the process-local sticky state below. It resets on
	// restart; recovery re-derives conservative defaults.
	flagMu             sync.Mutex
	interruptedParents map[string]bool
	autoResumes        map[string]int
	handoffInProgress  map[string]bool
	reminded           map[string]bool
	foregroundAwaits   map[string]int

	runMu   sync.Mutex
	running bool

	stats serviceStats
}

// NewService wires the engine. Start must be called before events are
// consumed.
func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.ReportCacheSize <= 0 {
		cfg.ReportCacheSize = DefaultConfig().ReportCacheSize
	}
	if cfg.ReportWaitTimeout <= 0 {
		cfg.ReportWaitTimeout = DefaultConfig().ReportWaitTimeout
	}
	if cfg.AutoResumeLimit <= 0 {
		cfg.AutoResumeLimit = DefaultConfig().AutoResumeLimit
	}

	cache, err := reportcache.New(cfg.ReportCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		logger:     deps.Logger,
		bus:        deps.Bus,
		store:      deps.Store,
		workspaces: deps.Workspaces,
		gateway:    deps.Gateway,
		history:    deps.History,
		artifacts:  deps.Artifacts,
		runtime:    deps.Runtime,
		catalog:    deps.Catalog,

		waiters:  waiter.NewRegistry(),
		reports:  cache,
		streamMu: keymutex.New(),
		tracer:   telemetry.Tracer("agenttask"),

		interruptedParents: make(map[string]bool),
		autoResumes:        make(map[string]int),
		handoffInProgress:  make(map[string]bool),
		reminded:           make(map[string]bool),
		foregroundAwaits:   make(map[string]int),
	}

	s.watcher = watcher.New(deps.Bus, watcher.EventHandlers{
		OnStreamEnd: s.HandleStreamEnd,
		OnUserMessage: func(ctx context.Context, data watcher.UserMessageData) {
			if !data.Synthetic {
				s.NoteUserMessage(data.WorkspaceID)
			}
		},
	}, deps.Logger)

	return s, nil
}

// Start subscribes the engine to the event bus.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}
	if err := s.watcher.Start(); err != nil {
		return err
	}
	s.running = true
	s.logger.Info("Agent task engine started",
		zap.Int("max_parallel", s.cfg.MaxParallelAgentTasks),
		zap.Int("max_depth", s.cfg.MaxTaskNestingDepth))
	return nil
}

// Stop unsubscribes the engine. In-flight operations complete on their
// own goroutines.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return ErrServiceNotRunning
	}
	s.watcher.Stop()
	s.running = false
	s.logger.Info("Agent task engine stopped")
	return nil
}

// Stats returns a snapshot of the engine counters.
func (s *Service) Stats() Stats {
	return Stats{
		Created:          s.stats.created.Load(),
		QueuedAdmissions: s.stats.queuedAdmissions.Load(),
		ReportsFinalized: s.stats.reportsFinalized.Load(),
		FallbackReports:  s.stats.fallbackReports.Load(),
		Terminations:     s.stats.terminations.Load(),
		AutoResumes:      s.stats.autoResumes.Load(),
	}
}

// MarkParentInterrupted sets the sticky hard-interrupt flag for a
// workspace: neither it nor new reports resume it until the next real
// user message clears the flag.
func (s *Service) MarkParentInterrupted(workspaceID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	s.interruptedParents[workspaceID] = true
}

// NoteUserMessage records a non-synthetic user message to a workspace: it
// clears the hard-interrupt flag and resets the consecutive auto-resume
// counter.
func (s *Service) NoteUserMessage(workspaceID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	delete(s.interruptedParents, workspaceID)
	delete(s.autoResumes, workspaceID)
}

func (s *Service) isInterrupted(workspaceID string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	return s.interruptedParents[workspaceID]
}

// bumpAutoResume increments the consecutive auto-resume counter and
// reports whether the workspace is still under the flood cap.
func (s *Service) bumpAutoResume(workspaceID string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	if s.autoResumes[workspaceID] >= s.cfg.AutoResumeLimit {
		return false
	}
	s.autoResumes[workspaceID]++
	return true
}

func (s *Service) markReminded(taskID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	s.reminded[taskID] = true
}

func (s *Service) wasReminded(taskID string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	return s.reminded[taskID]
}

func (s *Service) setHandoffInProgress(taskID string, v bool) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	if v {
		s.handoffInProgress[taskID] = true
	} else {
		delete(s.handoffInProgress, taskID)
	}
}

func (s *Service) isHandoffInProgress(taskID string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	return s.handoffInProgress[taskID]
}

// enterForegroundAwait bumps the workspace's foreground-await counter. A
// counter rather than a boolean so nested foreground waits compose.
func (s *Service) enterForegroundAwait(workspaceID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	s.foregroundAwaits[workspaceID]++
}

func (s *Service) exitForegroundAwait(workspaceID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	if s.foregroundAwaits[workspaceID] <= 1 {
		delete(s.foregroundAwaits, workspaceID)
		return
	}
	s.foregroundAwaits[workspaceID]--
}

func (s *Service) inForegroundAwait(workspaceID string) bool {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	return s.foregroundAwaits[workspaceID] > 0
}

// clearTaskFlags drops all sticky state of a removed task.
func (s *Service) clearTaskFlags(taskID string) {
	s.flagMu.Lock()
	defer s.flagMu.Unlock()
	delete(s.interruptedParents, taskID)
	delete(s.autoResumes, taskID)
	delete(s.handoffInProgress, taskID)
	delete(s.reminded, taskID)
	delete(s.foregroundAwaits, taskID)
}

// publishTaskEvent emits a typed engine event on the bus. Publish
// failures are logged; engine state never depends on event delivery.
func (s *Service) publishTaskEvent(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["taskId"] = taskID
	ev := bus.NewEvent(eventType, "agenttask-engine", data)
	if err := s.bus.Publish(ctx, events.BuildAgentTaskSubject(eventType, taskID), ev); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
