package mqhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/model"
)

type runnerCall struct {
	userID string
	day    time.Time
}

type fakeRunner struct {
	err   error
	calls []runnerCall
}

func (f *fakeRunner) Run(_ context.Context, userID string, day time.Time) error {
	f.calls = append(f.calls, runnerCall{userID, day})
	return f.err
}

type fakeDeduper struct {
	duplicate bool
	acquired  []string
	released  []string
}

func (f *fakeDeduper) AcquireOnce(_ context.Context, handler, runKey string) bool {
	f.acquired = append(f.acquired, handler+":"+runKey)
	return !f.duplicate
}

func (f *fakeDeduper) Release(_ context.Context, handler, runKey string) {
	f.released = append(f.released, handler+":"+runKey)
}

type fakeRetryCounter struct {
	counts map[string]int64
	resets []string
}

func newFakeRetryCounter() *fakeRetryCounter {
	return &fakeRetryCounter{counts: make(map[string]int64)}
}

func (f *fakeRetryCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRetryCounter) Reset(_ context.Context, key string) error {
	delete(f.counts, key)
	f.resets = append(f.resets, key)
	return nil
}

type parkedMessage struct {
	routingKey string
	reason     string
}

type fakeDLQ struct {
	parked []parkedMessage
}

func (f *fakeDLQ) PublishToDLQ(routingKey string, _ []byte, originalError string) error {
	f.parked = append(f.parked, parkedMessage{routingKey, originalError})
	return nil
}

func newTestHandler(runner *fakeRunner, deduper Deduper, retries *fakeRetryCounter, dlq *fakeDLQ) *DigestRunHandler {
	return NewDigestRunHandler(runner, deduper, retries, dlq, 3, zap.NewNop())
}

// keyedDeduper mimics the Redis SetNX behaviour: the first acquire of a key
// wins, later acquires of the same key lose until it is released.
type keyedDeduper struct {
	held map[string]bool
}

func newKeyedDeduper() *keyedDeduper {
	return &keyedDeduper{held: make(map[string]bool)}
}

func (d *keyedDeduper) AcquireOnce(_ context.Context, handler, runKey string) bool {
	key := handler + ":" + runKey
	if d.held[key] {
		return false
	}
	d.held[key] = true
	return true
}

func (d *keyedDeduper) Release(_ context.Context, handler, runKey string) {
	delete(d.held, handler+":"+runKey)
}

const validBody = `{"run_id":"r-1","user_id":"u1","day":"2026-08-23","trace_id":"tr-1"}`

func TestHandleRunsAndAcks(t *testing.T) {
	runner := &fakeRunner{}
	deduper := &fakeDeduper{}
	retries := newFakeRetryCounter()
	h := newTestHandler(runner, deduper, retries, &fakeDLQ{})

	if err := h.Handle(context.Background(), []byte(validBody)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(deduper.acquired) != 1 || deduper.acquired[0] != "digest_run:r-1" {
		t.Errorf("dedup keys = %v, want the run id", deduper.acquired)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times", len(runner.calls))
	}
	call := runner.calls[0]
	if call.userID != "u1" {
		t.Errorf("userID = %q", call.userID)
	}
	if !call.day.Equal(time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day = %v", call.day)
	}
	if len(retries.resets) != 1 {
		t.Error("retry counter not reset after success")
	}
}

func TestHandleParksMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing user", `{"day":"2026-08-23"}`},
		{"bad day", `{"user_id":"u1","day":"23/08/2026"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			dlq := &fakeDLQ{}
			h := newTestHandler(runner, &fakeDeduper{}, newFakeRetryCounter(), dlq)

			if err := h.Handle(context.Background(), []byte(tt.body)); err != nil {
				t.Fatalf("Handle: %v, want ack after parking", err)
			}
			if len(runner.calls) != 0 {
				t.Error("runner invoked for a poisoned message")
			}
			if len(dlq.parked) != 1 {
				t.Fatalf("parked %d messages", len(dlq.parked))
			}
		})
	}
}

func TestHandleSkipsDuplicates(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, &fakeDeduper{duplicate: true}, newFakeRetryCounter(), &fakeDLQ{})

	if err := h.Handle(context.Background(), []byte(validBody)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Error("duplicate delivery reached the runner")
	}
}

func TestHandleSkipsRedeliveredTask(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, newKeyedDeduper(), newFakeRetryCounter(), &fakeDLQ{})

	// same message delivered twice, as after a broker redelivery
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), []byte(validBody)); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}
}

func TestHandleRunsDeliberateRerunOfSameDay(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, newKeyedDeduper(), newFakeRetryCounter(), &fakeDLQ{})

	// a backfill re-enqueues the same (user, day) under a fresh run id
	first := `{"run_id":"r-1","user_id":"u1","day":"2026-08-23"}`
	rerun := `{"run_id":"r-2","user_id":"u1","day":"2026-08-23"}`
	if err := h.Handle(context.Background(), []byte(first)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := h.Handle(context.Background(), []byte(rerun)); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("runner called %d times, want 2", len(runner.calls))
	}
}

func TestHandleDedupesOnDayWithoutRunID(t *testing.T) {
	runner := &fakeRunner{}
	h := newTestHandler(runner, newKeyedDeduper(), newFakeRetryCounter(), &fakeDLQ{})

	body := `{"user_id":"u1","day":"2026-08-23"}`
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), []byte(body)); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runner.calls))
	}
}

func TestHandleAcksFatalRunErrors(t *testing.T) {
	for _, sentinel := range []error{
		model.ErrCredentialMissing,
		model.ErrReauthRequired,
		model.ErrNoActiveSources,
	} {
		runner := &fakeRunner{err: sentinel}
		deduper := &fakeDeduper{}
		dlq := &fakeDLQ{}
		h := newTestHandler(runner, deduper, newFakeRetryCounter(), dlq)

		if err := h.Handle(context.Background(), []byte(validBody)); err != nil {
			t.Errorf("Handle with %v returned %v, want ack", sentinel, err)
		}
		if len(dlq.parked) != 0 {
			t.Errorf("fatal error %v parked in DLQ", sentinel)
		}
		// dedup lock is kept so the redelivery is skipped, not re-run
		if len(deduper.released) != 0 {
			t.Errorf("dedup lock released for fatal error %v", sentinel)
		}
	}
}

func TestHandleRequeuesRetryableErrors(t *testing.T) {
	runErr := &model.PersistenceError{Op: "commit", Err: errors.New("connection reset")}
	runner := &fakeRunner{err: runErr}
	deduper := &fakeDeduper{}
	retries := newFakeRetryCounter()
	h := newTestHandler(runner, deduper, retries, &fakeDLQ{})

	err := h.Handle(context.Background(), []byte(validBody))
	if err == nil {
		t.Fatal("expected error so the consumer nacks and requeues")
	}
	if len(deduper.released) != 1 {
		t.Error("dedup lock not released before requeue")
	}
}

func TestHandleParksAfterRetriesExhausted(t *testing.T) {
	runErr := &model.PersistenceError{Op: "commit", Err: errors.New("connection reset")}
	runner := &fakeRunner{err: runErr}
	retries := newFakeRetryCounter()
	dlq := &fakeDLQ{}
	h := newTestHandler(runner, &fakeDeduper{}, retries, dlq)

	// maxRetries is 3; the fourth attempt must park
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), []byte(validBody)); err == nil {
			t.Fatalf("attempt %d: expected requeue", i+1)
		}
	}
	if err := h.Handle(context.Background(), []byte(validBody)); err != nil {
		t.Fatalf("final attempt: %v, want ack after parking", err)
	}

	if len(dlq.parked) != 1 {
		t.Fatalf("parked %d messages", len(dlq.parked))
	}
	if len(retries.resets) != 1 {
		t.Error("retry counter not reset after parking")
	}
}
