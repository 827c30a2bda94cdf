package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/model"
	"newsbrief/pkg/trace"
)

// SubjectLister enumerates every user eligible for a digest run.
type SubjectLister interface {
	ListActiveSubjects(ctx context.Context) ([]model.ActiveSubject, error)
}

// Publisher sends digest.run tasks to the events exchange.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Scheduler fans the daily digest out to one digest.run task per eligible
// user. A user failing to enqueue never blocks the rest of the fan-out.
type Scheduler struct {
	subjects  SubjectLister
	publisher Publisher
	logger    *zap.Logger
}

func NewScheduler(subjects SubjectLister, publisher Publisher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		subjects:  subjects,
		publisher: publisher,
		logger:    logger,
	}
}

// EnqueueAll publishes one digest.run task per user with active sources, each
// under a fresh trace id. Returns an error only when the subject listing
// itself fails.
func (s *Scheduler) EnqueueAll(ctx context.Context, day time.Time) error {
	subjects, err := s.subjects.ListActiveSubjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list digest subjects: %w", err)
	}

	enqueued := 0
	for _, subject := range subjects {
		if err := s.Enqueue(ctx, subject.UserID, day); err != nil {
			s.logger.Error("Failed to enqueue digest run",
				zap.String("user_id", subject.UserID),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	s.logger.Info("Daily digest fan-out completed",
		zap.String("day", day.Format("2006-01-02")),
		zap.Int("subjects", len(subjects)),
		zap.Int("enqueued", enqueued),
	)
	return nil
}

// Enqueue publishes a digest.run task for a single user and day.
func (s *Scheduler) Enqueue(ctx context.Context, userID string, day time.Time) error {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		traceID = trace.GenerateTraceID()
		ctx = trace.WithContext(ctx, traceID)
	}

	payload := mqcontracts.DigestRunPayload{
		RunID:   newRunID(),
		UserID:  userID,
		Day:     day.Format("2006-01-02"),
		TraceID: traceID,
	}
	return s.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyDigestRun, payload)
}

// newRunID returns a unique id for one enqueued task. Consumers dedupe on it,
// so re-enqueueing an already processed day produces a task that runs again.
func newRunID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
