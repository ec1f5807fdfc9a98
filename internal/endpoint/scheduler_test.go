package endpoint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/handler"
	"github.com/markus-barta/sessionfabric/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan *protocol.Envelope, 16)}
}

func (f *fakeSender) SendEnvelope(env *protocol.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	f.ch <- env
	return nil
}

func (f *fakeSender) waitResponse(t *testing.T) protocol.Response {
	t.Helper()
	select {
	case env := <-f.ch:
		var resp protocol.Response
		if err := env.ParsePayload(&resp); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
		return protocol.Response{}
	}
}

// commandEnvelope builds a command envelope. A negative timeoutS means "no
// timeout_s field at all" (falls through to the handler/global default); a
// non-negative value is sent as an explicit timeout_s, including 0.
func commandEnvelope(t *testing.T, id, command string, timeoutS float64) *protocol.Envelope {
	t.Helper()
	payload := protocol.CommandPayload{Command: command}
	if timeoutS >= 0 {
		payload.TimeoutS = &timeoutS
	}
	env, err := protocol.NewEnvelope(protocol.TypeCommand, id, payload)
	if err != nil {
		t.Fatalf("build command envelope: %v", err)
	}
	return env
}

func runScheduler(s *Scheduler) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(stop)
		close(done)
	}()
	return func() {
		close(stop)
		<-done
	}
}

func TestSchedulerCooperativeSuccess(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("echo", handler.Cooperative, func(ctx handler.Context) (any, error) {
		return "pong", nil
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 2, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "echo", -1))
	resp := sender.waitResponse(t)
	if !resp.Success || resp.Data != "pong" {
		t.Fatalf("expected a successful pong response, got %+v", resp)
	}
}

func TestSchedulerUnknownCommand(t *testing.T) {
	reg := handler.NewRegistry()
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "nope", -1))
	resp := sender.waitResponse(t)
	if resp.Success || resp.Error.Code != protocol.CodeUnknownCommand {
		t.Fatalf("expected UNKNOWN_COMMAND, got %+v", resp)
	}
}

func TestSchedulerHandlerTimeout(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("slow", handler.Blocking, func(ctx handler.Context) (any, error) {
		<-ctx.Done
		return nil, nil
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "slow", 0.01))
	resp := sender.waitResponse(t)
	if resp.Success || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", resp)
	}
}

func TestSchedulerHandlerPanicBecomesFailure(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("boom", handler.Cooperative, func(ctx handler.Context) (any, error) {
		panic("kaboom")
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "boom", -1))
	resp := sender.waitResponse(t)
	if resp.Success {
		t.Fatal("expected a failure response for a panicking handler")
	}
}

func TestSchedulerBlockingWorkerPoolQueuesRatherThanRejects(t *testing.T) {
	reg := handler.NewRegistry()
	release := make(chan struct{})
	reg.Register("hold", handler.Blocking, func(ctx handler.Context) (any, error) {
		<-release
		return "done", nil
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "hold", 5))
	s.Submit(commandEnvelope(t, "2", "hold", 5))

	// Neither command is rejected for lack of a free worker: the second
	// waits for a slot instead of being dropped.
	select {
	case <-sender.ch:
		t.Fatal("expected the queued second command to wait, not reply, before the first releases")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	first := sender.waitResponse(t)
	second := sender.waitResponse(t)
	if !first.Success || !second.Success {
		t.Fatalf("expected both queued commands to eventually succeed, got %+v and %+v", first, second)
	}
}

func TestSchedulerBlockingWorkerPoolQueueTimesOutWithoutRunning(t *testing.T) {
	reg := handler.NewRegistry()
	release := make(chan struct{})
	defer close(release)
	ran := make(chan struct{}, 2)
	reg.Register("hold", handler.Blocking, func(ctx handler.Context) (any, error) {
		ran <- struct{}{}
		<-release
		return nil, nil
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "hold", 5))
	s.Submit(commandEnvelope(t, "2", "hold", 0.05))

	resp := sender.waitResponse(t)
	if resp.Success || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected the queued second command to time out without a slot, got %+v", resp)
	}

	// Exactly one invocation (the first, already-running command) should
	// have reached the handler body; the timed-out second must not.
	<-ran
	select {
	case <-ran:
		t.Fatal("expected the timed-out queued command to never invoke its handler")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSchedulerExplicitZeroTimeoutSkipsInvocation(t *testing.T) {
	reg := handler.NewRegistry()
	invoked := false
	reg.Register("echo", handler.Cooperative, func(ctx handler.Context) (any, error) {
		invoked = true
		return "pong", nil
	}, 0)
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	stop := runScheduler(s)
	defer stop()

	s.Submit(commandEnvelope(t, "1", "echo", 0))
	resp := sender.waitResponse(t)
	if resp.Success || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected an explicit timeout_s=0 to resolve as TIMEOUT, got %+v", resp)
	}
	if invoked {
		t.Fatal("expected timeout_s=0 to never invoke the handler")
	}
}

func TestSchedulerSubmitDropsWhenQueueFull(t *testing.T) {
	reg := handler.NewRegistry()
	sender := newFakeSender()
	s := NewScheduler(reg, sender, 1, 5*time.Second, zerolog.Nop())
	// Deliberately never run Run(), so the queue fills and the next Submit
	// must fall back to an immediate rejection instead of blocking.
	for i := 0; i < cap(s.inflight); i++ {
		s.Submit(commandEnvelope(t, fmt.Sprintf("%d", i), "x", -1))
	}
	s.Submit(commandEnvelope(t, "overflow", "x", -1))
	resp := sender.waitResponse(t)
	if resp.Success {
		t.Fatal("expected the overflow submission to be rejected")
	}
}
