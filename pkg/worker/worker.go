// Package worker runs one single-threaded worker per active session. Workers
// are spawned on demand, drain a bounded queue, and exit after an idle
// period. The scheduler owns the spawn/retire lifecycle under one lock so a
// message is never enqueued against a worker that has already decided to
// exit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/llm"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/plan"
	"github.com/kiso-project/kiso/pkg/roles"
	"github.com/kiso-project/kiso/pkg/secrets"
	"github.com/kiso-project/kiso/pkg/store"
)

// ErrQueueFull is returned when a session's message queue is at capacity.
var ErrQueueFull = errors.New("session queue is full")

// Scheduler owns the per-session workers and cancel flags.
type Scheduler struct {
	Store   *store.Store
	Runtime *plan.Runtime
	// Gateway is the shared provider client; each message wraps it in a
	// token counter.
	Gateway llm.Gateway
	Cfg     func() *config.Config

	mu      sync.Mutex
	workers map[string]*Worker
	cancels map[string]*atomic.Bool
	base    context.Context
	wg      sync.WaitGroup
}

// NewScheduler returns an empty scheduler. Call Start before Submit.
func NewScheduler(s *store.Store, rt *plan.Runtime, gw llm.Gateway, cfg func() *config.Config) *Scheduler {
	return &Scheduler{
		Store:   s,
		Runtime: rt,
		Gateway: gw,
		Cfg:     cfg,
		workers: map[string]*Worker{},
		cancels: map[string]*atomic.Bool{},
	}
}

// Start runs crash recovery and re-enqueues messages that were accepted but
// never processed. ctx bounds the lifetime of every worker goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.base = ctx

	if err := s.Store.RecoverAfterCrash(ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	msgs, err := s.Store.UnprocessedTrusted(ctx)
	if err != nil {
		return fmt.Errorf("failed to load unprocessed messages: %w", err)
	}
	for _, msg := range msgs {
		if err := s.dispatch(msg); err != nil {
			slog.Error("Failed to re-enqueue message",
				"session", msg.Session, "message_id", msg.ID, "error", err)
		}
	}
	if len(msgs) > 0 {
		slog.Info("Re-enqueued unprocessed messages", "count", len(msgs))
	}
	return nil
}

// Wait blocks until every worker goroutine has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Submit stores an inbound message and, when it is trusted, hands it to the
// session's worker. Untrusted messages are stored for later paraphrasing and
// never wake a worker.
func (s *Scheduler) Submit(ctx context.Context, msg *models.Message) (int64, error) {
	id, err := s.Store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, err
	}
	msg.ID = id
	if !msg.Trusted {
		return id, nil
	}
	return id, s.dispatch(msg)
}

// Cancel flags the session's in-flight work for cancellation. Returns the
// running plan's id when one exists; a worker that is merely lingering idle
// reports cancelled=false. Safe to call repeatedly.
func (s *Scheduler) Cancel(ctx context.Context, session string) (string, bool) {
	s.mu.Lock()
	w, ok := s.workers[session]
	flag := s.flagLocked(session)
	s.mu.Unlock()

	busy := ok && w.busy.Load()
	if busy {
		flag.Store(true)
	}
	p, err := s.Store.LatestPlan(ctx, session)
	if err == nil && p.Status == models.PlanStatusRunning {
		return p.ID, true
	}
	return "", busy
}

// Status reports whether a worker is running for the session and how many
// messages are queued behind the one being processed.
func (s *Scheduler) Status(session string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[session]
	if !ok {
		return false, 0
	}
	return true, len(w.queue)
}

// dispatch appends the message to the session queue, spawning the worker if
// none is running. Spawn and enqueue happen under one lock: there is no
// window in which a retiring worker can strand a queued message.
func (s *Scheduler) dispatch(msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[msg.Session]
	if !ok {
		w = &Worker{
			session: msg.Session,
			queue:   make(chan *models.Message, s.queueSize()),
			cancel:  s.flagLocked(msg.Session),
			sched:   s,
		}
		s.workers[msg.Session] = w
		s.wg.Add(1)
		go w.run(s.base)
		slog.Info("Worker spawned", "session", msg.Session)
	}

	select {
	case w.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// retire removes the worker unless a message arrived since the idle timer
// fired. Called with the scheduler lock NOT held.
func (s *Scheduler) retire(w *Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	if s.workers[w.session] == w {
		delete(s.workers, w.session)
	}
	return true
}

// drop removes the worker unconditionally, for shutdown.
func (s *Scheduler) drop(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[w.session] == w {
		delete(s.workers, w.session)
	}
}

func (s *Scheduler) flagLocked(session string) *atomic.Bool {
	f, ok := s.cancels[session]
	if !ok {
		f = &atomic.Bool{}
		s.cancels[session] = f
	}
	return f
}

func (s *Scheduler) queueSize() int {
	if n := s.Cfg().Limits.QueueSize; n > 0 {
		return n
	}
	return 64
}

// Worker consumes one session's messages sequentially.
type Worker struct {
	session string
	queue   chan *models.Message
	cancel  *atomic.Bool
	sched   *Scheduler
	// busy is set while a message is being processed, so Cancel can tell
	// in-flight work from an idle worker waiting out its timeout.
	busy atomic.Bool
}

func (w *Worker) run(ctx context.Context) {
	defer w.sched.wg.Done()
	idle := w.sched.Cfg().Limits.WorkerIdleTimeout()

	for {
		select {
		case msg := <-w.queue:
			w.process(ctx, msg)
		case <-time.After(idle):
			if w.sched.retire(w) {
				slog.Info("Worker idle, exiting", "session", w.session)
				return
			}
		case <-ctx.Done():
			w.sched.drop(w)
			return
		}
	}
}

// process runs the full plan lifecycle for one message plus the maintenance
// hooks. The message is marked processed before any LLM work so a crash
// never replays it.
func (w *Worker) process(ctx context.Context, msg *models.Message) {
	log := slog.With("session", w.session, "message_id", msg.ID)
	w.busy.Store(true)
	defer w.busy.Store(false)
	w.cancel.Store(false)

	if err := w.sched.Store.MarkMessageProcessed(ctx, msg.ID); err != nil {
		log.Error("Failed to mark message processed", "error", err)
		return
	}

	cfg := w.sched.Cfg()
	counter := &llm.Counter{Inner: w.sched.Gateway}
	runner := &roles.Runner{
		Gateway:    counter,
		Models:     cfg.LLM.Models,
		PromptDir:  cfg.Paths.RolesDir(),
		MaxRetries: cfg.Limits.MaxValidationRetries,
	}
	env := &plan.Env{
		Msg:       msg,
		UserName:  msg.User,
		Cancel:    w.cancel,
		Budget:    llm.NewBudget(cfg.Limits.MaxLLMCallsPerMessage),
		Ephemeral: secrets.NewEphemeral(),
		Roles:     runner,
	}

	res, err := w.sched.Runtime.ProcessMessage(ctx, env)
	if err != nil {
		log.Error("Message processing failed", "error", err)
	}
	if res == nil {
		return
	}

	if res.FinalPlan != nil {
		if err := w.sched.Store.RecordPlanUsage(ctx, res.FinalPlan.ID,
			counter.InputTokens, counter.OutputTokens, cfg.LLM.Models.Planner); err != nil {
			log.Warn("Failed to record plan usage", "error", err)
		}
	}

	w.sched.maintain(ctx, w.session, env, res)
}
