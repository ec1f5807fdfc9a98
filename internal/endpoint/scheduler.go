package endpoint

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/handler"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

// EnvelopeSender delivers an outbound envelope to the hub connection. It is
// satisfied by *WebSocketClient; kept as an interface so the scheduler can
// be exercised without a live socket.
type EnvelopeSender interface {
	SendEnvelope(env *protocol.Envelope) error
}

// Scheduler is the cooperative single-threaded command loop of spec §4.4:
// Cooperative handlers run inline on its own goroutine; Blocking handlers
// are submitted to a bounded worker pool so one slow syscall never stalls
// every other command.
type Scheduler struct {
	reg              *handler.Registry
	sender           EnvelopeSender
	log              zerolog.Logger
	defaultTimeoutNS atomic.Int64 // time.Duration, live-updatable by config reload
	workers          chan struct{} // semaphore sized to the worker pool

	inflight chan *protocol.Envelope
}

// NewScheduler builds a Scheduler backed by reg, submitting handler
// responses to sender. workerPoolSize bounds concurrent Blocking handler
// executions; defaultTimeout is the global fallback of the timeout
// precedence in spec §4.4.
func NewScheduler(reg *handler.Registry, sender EnvelopeSender, workerPoolSize int, defaultTimeout time.Duration, log zerolog.Logger) *Scheduler {
	if workerPoolSize <= 0 {
		workerPoolSize = 1
	}
	s := &Scheduler{
		reg:      reg,
		sender:   sender,
		log:      log.With().Str("component", "scheduler").Logger(),
		workers:  make(chan struct{}, workerPoolSize),
		inflight: make(chan *protocol.Envelope, 256),
	}
	s.defaultTimeoutNS.Store(int64(defaultTimeout))
	return s
}

// DefaultTimeout returns the current global timeout fallback.
func (s *Scheduler) DefaultTimeout() time.Duration {
	return time.Duration(s.defaultTimeoutNS.Load())
}

// SetDefaultTimeout changes the global timeout fallback without restarting
// the scheduler, applied on config hot reload (spec §4.11.2).
func (s *Scheduler) SetDefaultTimeout(d time.Duration) {
	s.defaultTimeoutNS.Store(int64(d))
}

// Submit enqueues a command envelope for dispatch. Non-blocking: a full
// queue drops the command and reports HANDLER_FAILED back to the hub
// immediately, since an unbounded queue would let a slow hub pile up
// unbounded work on the endpoint.
func (s *Scheduler) Submit(env *protocol.Envelope) {
	select {
	case s.inflight <- env:
	default:
		s.log.Warn().Str("id", env.ID).Msg("command queue full, rejecting")
		s.reply(env, protocol.FromError("", fmt.Errorf("command queue full"), 0))
	}
}

// Run drains the inflight queue until stop is closed. This is the single
// cooperative loop: only one command is pulled off the queue and acted on
// at a time, though a Blocking command's actual work happens in a pool
// goroutine so the loop can move on to the next envelope immediately.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-s.inflight:
			s.dispatch(env)
		}
	}
}

func (s *Scheduler) dispatch(env *protocol.Envelope) {
	var cmd protocol.CommandPayload
	if err := env.ParsePayload(&cmd); err != nil {
		s.reply(env, protocol.Failure("", protocol.CodeInvalidParams, "malformed command payload", "", nil, 0))
		return
	}

	// An explicit timeout_s=0 resolves as an immediate TIMEOUT without ever
	// looking up or invoking the handler (spec §8 Boundary); this is
	// distinct from an absent timeout_s, which falls through to the
	// handler/global default below.
	if cmd.TimeoutS != nil && *cmd.TimeoutS <= 0 {
		s.reply(env, protocol.Failure(cmd.Command, protocol.CodeTimeout,
			"timeout_s=0 resolves as an immediate timeout", "", nil, 0))
		return
	}

	h := s.reg.Lookup(cmd.Command)
	if h == nil {
		s.reply(env, protocol.Failure(cmd.Command, protocol.CodeUnknownCommand, "no such command: "+cmd.Command, "", nil, 0))
		return
	}

	timeout := handler.EffectiveTimeout(cmd.TimeoutS, h.DefaultTimeoutS, s.DefaultTimeout())

	switch h.Kind {
	case handler.Cooperative:
		s.invoke(env, h, cmd, timeout)
	case handler.Blocking:
		s.dispatchBlocking(env, h, cmd, timeout)
	}
}

// dispatchBlocking queues a Blocking command for a worker-pool slot rather
// than rejecting it when the pool is full: an (N+1)-th command waits for a
// slot to free, its deadline counting from the moment it was dispatched (so
// queue wait counts against the timeout) while its reported execution_time
// only starts once invoke actually begins running the handler.
func (s *Scheduler) dispatchBlocking(env *protocol.Envelope, h *handler.Handler, cmd protocol.CommandPayload, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	go func() {
		select {
		case s.workers <- struct{}{}:
		case <-time.After(time.Until(deadline)):
			s.reply(env, protocol.Failure(cmd.Command, protocol.CodeTimeout,
				fmt.Sprintf("command exceeded %s timeout while queued for a worker", timeout), "", nil, 0))
			return
		}
		defer func() { <-s.workers }()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.reply(env, protocol.Failure(cmd.Command, protocol.CodeTimeout,
				fmt.Sprintf("command exceeded %s timeout while queued for a worker", timeout), "", nil, 0))
			return
		}
		s.invoke(env, h, cmd, remaining)
	}()
}

type invokeResult struct {
	data any
	err  error
}

// invoke runs a single handler to completion or timeout, producing exactly
// one Response. The handler's own goroutine is never killed on timeout —
// Go gives no such primitive — it is abandoned: its eventual result is
// discarded by the race below, and Context.Done signals it to stop
// cooperating.
func (s *Scheduler) invoke(env *protocol.Envelope, h *handler.Handler, cmd protocol.CommandPayload, timeout time.Duration) {
	start := time.Now()
	done := make(chan struct{})
	resultCh := make(chan invokeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- invokeResult{nil, fmt.Errorf("handler panic: %v", r)}
			}
		}()
		data, err := h.Invoke(handler.Context{Command: cmd.Command, Params: cmd.Params, Done: done})
		resultCh <- invokeResult{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		elapsed := time.Since(start)
		if res.err != nil {
			s.reply(env, protocol.FromError(cmd.Command, res.err, elapsed))
			return
		}
		s.reply(env, protocol.Success(cmd.Command, res.data, "", elapsed))
	case <-timer.C:
		close(done)
		s.reply(env, protocol.Failure(cmd.Command, protocol.CodeTimeout,
			fmt.Sprintf("command exceeded %s timeout", timeout), "", nil, time.Since(start)))
	}
}

func (s *Scheduler) reply(env *protocol.Envelope, resp *protocol.Response) {
	out, err := protocol.NewEnvelope(protocol.TypeResponse, env.ID, resp)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build response envelope")
		return
	}
	if err := s.sender.SendEnvelope(out); err != nil {
		s.log.Debug().Err(err).Msg("failed to send response")
	}
}
