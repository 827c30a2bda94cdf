package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/model"
)

type fakeSubjects struct {
	subjects []model.ActiveSubject
	err      error
}

func (f *fakeSubjects) ListActiveSubjects(_ context.Context) ([]model.ActiveSubject, error) {
	return f.subjects, f.err
}

type publishedMessage struct {
	routingKey string
	payload    any
}

type fakePublisher struct {
	published []publishedMessage
	failFor   map[string]bool // user ids whose publish fails
}

func (f *fakePublisher) PublishWithContext(_ context.Context, routingKey string, payload any) error {
	if p, ok := payload.(mqcontracts.DigestRunPayload); ok && f.failFor[p.UserID] {
		return errors.New("channel closed")
	}
	f.published = append(f.published, publishedMessage{routingKey, payload})
	return nil
}

func TestEnqueueAllFansOutPerUser(t *testing.T) {
	subjects := &fakeSubjects{subjects: []model.ActiveSubject{
		{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"},
	}}
	pub := &fakePublisher{}
	s := NewScheduler(subjects, pub, zap.NewNop())

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	if err := s.EnqueueAll(context.Background(), day); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}

	if len(pub.published) != 3 {
		t.Fatalf("published %d messages", len(pub.published))
	}
	seen := make(map[string]bool)
	traces := make(map[string]bool)
	runIDs := make(map[string]bool)
	for _, msg := range pub.published {
		if msg.routingKey != mqcontracts.RoutingKeyDigestRun {
			t.Errorf("routing key = %q", msg.routingKey)
		}
		p := msg.payload.(mqcontracts.DigestRunPayload)
		if p.Day != "2026-08-23" {
			t.Errorf("day = %q", p.Day)
		}
		if p.TraceID == "" {
			t.Error("missing trace id")
		}
		if p.RunID == "" {
			t.Error("missing run id")
		}
		seen[p.UserID] = true
		traces[p.TraceID] = true
		runIDs[p.RunID] = true
	}
	if len(seen) != 3 {
		t.Errorf("users enqueued = %v", seen)
	}
	if len(traces) != 3 {
		t.Error("trace ids not unique per task")
	}
	if len(runIDs) != 3 {
		t.Error("run ids not unique per task")
	}
}

func TestEnqueueAllIsolatesPublishFailures(t *testing.T) {
	subjects := &fakeSubjects{subjects: []model.ActiveSubject{
		{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"},
	}}
	pub := &fakePublisher{failFor: map[string]bool{"u2": true}}
	s := NewScheduler(subjects, pub, zap.NewNop())

	if err := s.EnqueueAll(context.Background(), time.Now()); err != nil {
		t.Fatalf("EnqueueAll: %v", err)
	}
	if len(pub.published) != 2 {
		t.Fatalf("published %d messages, want the other users unaffected", len(pub.published))
	}
}

func TestEnqueueAllListingFailure(t *testing.T) {
	s := NewScheduler(&fakeSubjects{err: errors.New("db down")}, &fakePublisher{}, zap.NewNop())

	if err := s.EnqueueAll(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error when subject listing fails")
	}
}

func TestEnqueuePayloadShape(t *testing.T) {
	pub := &fakePublisher{}
	s := NewScheduler(nil, pub, zap.NewNop())

	day := time.Date(2026, 8, 22, 18, 45, 0, 0, time.UTC)
	if err := s.Enqueue(context.Background(), "u9", day); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	raw, err := json.Marshal(pub.published[0].payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var p mqcontracts.DigestRunPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.UserID != "u9" || p.Day != "2026-08-22" {
		t.Errorf("payload = %+v", p)
	}
	if p.RunID == "" {
		t.Error("run id not carried over the wire")
	}
}

func TestEnqueueTwiceUsesFreshRunIDs(t *testing.T) {
	pub := &fakePublisher{}
	s := NewScheduler(nil, pub, zap.NewNop())

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(context.Background(), "u1", day); err != nil {
			t.Fatalf("Enqueue %d: %v", i+1, err)
		}
	}

	first := pub.published[0].payload.(mqcontracts.DigestRunPayload)
	second := pub.published[1].payload.(mqcontracts.DigestRunPayload)
	if first.RunID == "" || first.RunID == second.RunID {
		t.Errorf("run ids = %q, %q, want distinct so a rerun is not deduped away",
			first.RunID, second.RunID)
	}
}
