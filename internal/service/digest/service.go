package digest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/collector"
	"newsbrief/internal/model"
	"newsbrief/internal/repository"
	pkglogger "newsbrief/pkg/logger"
	"newsbrief/pkg/metrics"
)

// TokenManager supplies a valid credential and persists collector-side
// refreshes.
type TokenManager interface {
	GetValid(ctx context.Context, userID string) (*model.Credential, error)
	PersistRefreshed(ctx context.Context, userID string, patch model.TokenPatch) error
}

// SourceLister returns the user's active monitored senders.
type SourceLister interface {
	ListActiveSources(ctx context.Context, userID string) ([]model.MonitoredSource, error)
}

// Fetcher retrieves and cleans a day of mail from the collector.
type Fetcher interface {
	Fetch(ctx context.Context, userID string, senders []string, cred *model.Credential, persist collector.PersistFunc) ([]model.CleanedEmail, error)
}

// Annotator is the per-email analysis step feeding Stage 1.
type Annotator interface {
	AnnotateAll(ctx context.Context, emails []model.CleanedEmail) []model.AnnotatedEmail
}

// Clusterer is Stage 1. It is total: it returns themes and the method used,
// never an error.
type Clusterer interface {
	Cluster(ctx context.Context, emails []model.AnnotatedEmail) ([]model.Theme, string)
}

// Synthesizer is Stage 2, the narrative enhancement over provisional themes.
type Synthesizer interface {
	Synthesize(emails []model.AnnotatedEmail, themes []model.Theme) []model.Theme
}

// RawStore persists the raw digest layer: the per-day digest and all of its
// source emails in one atomic overwrite. Returned ids are index-aligned with
// the records passed in.
type RawStore interface {
	CreateRawDigest(ctx context.Context, userID string, day time.Time, topicsIdentified int, emails []model.SourceEmail) (*model.RawDigest, []int64, error)
}

// ThematicStore persists the thematic digest layer.
type ThematicStore interface {
	CreateThematicDigest(ctx context.Context, userID string, day time.Time, rawDigestID int64, totalSourceEmails int, method string, sections []repository.SectionInput) (*model.ThematicDigest, error)
}

// Service runs the whole per-user digest pipeline for one calendar day:
// credential, fetch, annotate, cluster, synthesize, persist. One Run is one
// unit of work; reprocessing the same (user, day) overwrites the previous
// digest rather than duplicating it.
type Service struct {
	tokens      TokenManager
	sources     SourceLister
	fetcher     Fetcher
	annotator   Annotator
	clusterer   Clusterer
	synthesizer Synthesizer
	rawStore    RawStore
	thematic    ThematicStore
	logger      *zap.Logger
}

func NewService(
	tokens TokenManager,
	sources SourceLister,
	fetcher Fetcher,
	annotator Annotator,
	clusterer Clusterer,
	synthesizer Synthesizer,
	rawStore RawStore,
	thematic ThematicStore,
	logger *zap.Logger,
) *Service {
	return &Service{
		tokens:      tokens,
		sources:     sources,
		fetcher:     fetcher,
		annotator:   annotator,
		clusterer:   clusterer,
		synthesizer: synthesizer,
		rawStore:    rawStore,
		thematic:    thematic,
		logger:      logger,
	}
}

// Run generates the digest for one user and day. Sentinel errors
// (model.ErrCredentialMissing, model.ErrReauthRequired,
// model.ErrNoActiveSources) mean the user is skipped, not retried.
func (s *Service) Run(ctx context.Context, userID string, day time.Time) error {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	start := time.Now()
	status := "success"
	defer func() {
		metrics.RecordDigestRunDuration(status, time.Since(start))
	}()

	logger := pkglogger.WithTrace(ctx, s.logger).With(
		zap.String("user_id", userID),
		zap.String("day", day.Format("2006-01-02")),
	)

	cred, err := s.tokens.GetValid(ctx, userID)
	if err != nil {
		status = "error"
		return err
	}

	sources, err := s.sources.ListActiveSources(ctx, userID)
	if err != nil {
		status = "error"
		return fmt.Errorf("failed to list monitored sources: %w", err)
	}
	if len(sources) == 0 {
		status = "skipped"
		return model.ErrNoActiveSources
	}

	senders := make([]string, len(sources))
	for i, src := range sources {
		senders[i] = src.Address
	}

	emails, err := s.fetchStage(ctx, userID, senders, cred)
	if err != nil {
		status = "error"
		return fmt.Errorf("fetch failed: %w", err)
	}
	if len(emails) == 0 {
		// an empty day writes nothing; yesterday's digest stays visible
		status = "empty"
		logger.Info("No newsletter emails for day, skipping digest")
		return nil
	}

	annotated := s.annotateStage(ctx, emails)
	themes, method := s.clusterStage(ctx, annotated)
	final := s.synthesizeStage(annotated, themes)

	raw, sections, err := s.persistStage(ctx, userID, day, annotated, final, method)
	if err != nil {
		status = "error"
		metrics.IncrementEmailsProcessed("failed", len(annotated))
		return err
	}
	metrics.IncrementEmailsProcessed("processed", len(annotated))

	logger.Info("Digest run completed",
		zap.Int64("raw_digest_id", raw.ID),
		zap.Int("emails", len(annotated)),
		zap.Int("sections", sections),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *Service) fetchStage(ctx context.Context, userID string, senders []string, cred *model.Credential) ([]model.CleanedEmail, error) {
	start := time.Now()
	emails, err := s.fetcher.Fetch(ctx, userID, senders, cred, func(ctx context.Context, patch model.TokenPatch) error {
		return s.tokens.PersistRefreshed(ctx, userID, patch)
	})
	metrics.RecordStageLatency("fetch", stageStatus(err), time.Since(start))
	return emails, err
}

func (s *Service) annotateStage(ctx context.Context, emails []model.CleanedEmail) []model.AnnotatedEmail {
	start := time.Now()
	annotated := s.annotator.AnnotateAll(ctx, emails)
	metrics.RecordStageLatency("annotate", "success", time.Since(start))
	return annotated
}

func (s *Service) clusterStage(ctx context.Context, annotated []model.AnnotatedEmail) ([]model.Theme, string) {
	start := time.Now()
	themes, method := s.clusterer.Cluster(ctx, annotated)
	metrics.RecordStageLatency("cluster", "success", time.Since(start))
	return themes, method
}

func (s *Service) synthesizeStage(annotated []model.AnnotatedEmail, themes []model.Theme) []model.Theme {
	start := time.Now()
	final := s.synthesizer.Synthesize(annotated, themes)
	metrics.RecordStageLatency("synthesize", "success", time.Since(start))
	return final
}

// persistStage writes both digest layers and returns the raw digest and the
// section count.
func (s *Service) persistStage(ctx context.Context, userID string, day time.Time, annotated []model.AnnotatedEmail, themes []model.Theme, method string) (*model.RawDigest, int, error) {
	start := time.Now()

	raw, sections, err := s.persist(ctx, userID, day, annotated, themes, method)
	metrics.RecordStageLatency("persist", stageStatus(err), time.Since(start))
	return raw, sections, err
}

func (s *Service) persist(ctx context.Context, userID string, day time.Time, annotated []model.AnnotatedEmail, themes []model.Theme, method string) (*model.RawDigest, int, error) {
	records := make([]model.SourceEmail, len(annotated))
	for i, e := range annotated {
		records[i] = model.SourceEmail{
			Sender:       e.Sender,
			Subject:      e.Subject,
			ReceivedAt:   e.ReceivedAt,
			Summary:      e.Summary,
			Topics:       e.Topics,
			Keywords:     e.Keywords,
			OriginalLink: e.OriginalLink,
		}
	}
	raw, ids, err := s.rawStore.CreateRawDigest(ctx, userID, day, countDistinctTopics(annotated), records)
	if err != nil {
		return nil, 0, err
	}

	// matched back by (sender, subject); first insert wins on duplicates
	emailIDs := make(map[string]int64, len(annotated))
	for i, e := range annotated {
		key := linkKey(e.Sender, e.Subject)
		if _, ok := emailIDs[key]; !ok {
			emailIDs[key] = ids[i]
		}
	}

	sections := make([]repository.SectionInput, 0, len(themes))
	for _, t := range themes {
		links := make([]model.ThemeSourceLink, 0, len(t.Members))
		for _, m := range t.Members {
			if m < 0 || m >= len(annotated) {
				continue
			}
			id, ok := emailIDs[linkKey(annotated[m].Sender, annotated[m].Subject)]
			if !ok {
				// unmatched members are dropped, the section itself survives
				continue
			}
			links = append(links, model.ThemeSourceLink{
				SourceEmailID:  id,
				RelevanceScore: t.Confidence,
			})
		}
		sections = append(sections, repository.SectionInput{
			Theme:      t.Name,
			Summary:    t.Summary,
			Confidence: t.Confidence,
			Keywords:   t.Keywords,
			Links:      links,
		})
	}

	if _, err := s.thematic.CreateThematicDigest(ctx, userID, day, raw.ID, len(annotated), method, sections); err != nil {
		return nil, 0, err
	}

	return raw, len(sections), nil
}

func countDistinctTopics(annotated []model.AnnotatedEmail) int {
	seen := make(map[string]bool)
	for _, e := range annotated {
		for _, t := range e.Topics {
			seen[t] = true
		}
	}
	return len(seen)
}

func linkKey(sender, subject string) string {
	return sender + "\x00" + subject
}

func stageStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
