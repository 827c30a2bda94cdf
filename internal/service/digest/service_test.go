package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"newsbrief/internal/collector"
	"newsbrief/internal/model"
	"newsbrief/internal/repository"
)

type fakeTokens struct {
	cred      *model.Credential
	err       error
	persisted []model.TokenPatch
}

func (f *fakeTokens) GetValid(_ context.Context, _ string) (*model.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}

func (f *fakeTokens) PersistRefreshed(_ context.Context, _ string, patch model.TokenPatch) error {
	f.persisted = append(f.persisted, patch)
	return nil
}

type fakeSources struct {
	sources []model.MonitoredSource
	err     error
}

func (f *fakeSources) ListActiveSources(_ context.Context, _ string) ([]model.MonitoredSource, error) {
	return f.sources, f.err
}

type fakeFetcher struct {
	emails  []model.CleanedEmail
	err     error
	refresh *model.TokenPatch
	senders []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string, senders []string, _ *model.Credential, persist collector.PersistFunc) ([]model.CleanedEmail, error) {
	f.senders = senders
	if f.refresh != nil {
		if err := persist(ctx, *f.refresh); err != nil {
			return nil, err
		}
	}
	return f.emails, f.err
}

// fakeAnnotator copies each email through with its subject as summary and a
// fixed topic per index.
type fakeAnnotator struct {
	topics [][]string
}

func (f *fakeAnnotator) AnnotateAll(_ context.Context, emails []model.CleanedEmail) []model.AnnotatedEmail {
	out := make([]model.AnnotatedEmail, len(emails))
	for i, e := range emails {
		out[i] = model.AnnotatedEmail{CleanedEmail: e, Summary: e.Subject, Topics: f.topics[i]}
	}
	return out
}

type fakeClusterer struct {
	themes []model.Theme
	method string
}

func (f *fakeClusterer) Cluster(_ context.Context, _ []model.AnnotatedEmail) ([]model.Theme, string) {
	return f.themes, f.method
}

// passSynthesizer applies only the confidence boost, leaving summaries alone.
type passSynthesizer struct{}

func (passSynthesizer) Synthesize(_ []model.AnnotatedEmail, themes []model.Theme) []model.Theme {
	out := make([]model.Theme, len(themes))
	for i, t := range themes {
		t.Confidence += 10
		out[i] = t
	}
	return out
}

type fakeRawStore struct {
	raw      *model.RawDigest
	emails   []model.SourceEmail
	calls    int
	storeErr error
}

func (f *fakeRawStore) CreateRawDigest(_ context.Context, userID string, day time.Time, topicsIdentified int, emails []model.SourceEmail) (*model.RawDigest, []int64, error) {
	f.calls++
	if f.storeErr != nil {
		return nil, nil, f.storeErr
	}
	f.raw = &model.RawDigest{
		ID:               1,
		UserID:           userID,
		Day:              day,
		EmailsProcessed:  len(emails),
		TopicsIdentified: topicsIdentified,
	}
	ids := make([]int64, len(emails))
	for i := range emails {
		ids[i] = 100 + int64(i) + 1
		emails[i].ID = ids[i]
		emails[i].RawDigestID = f.raw.ID
	}
	f.emails = emails
	return f.raw, ids, nil
}

type thematicCall struct {
	userID            string
	day               time.Time
	rawDigestID       int64
	totalSourceEmails int
	method            string
	sections          []repository.SectionInput
}

type fakeThematicStore struct {
	call *thematicCall
}

func (f *fakeThematicStore) CreateThematicDigest(_ context.Context, userID string, day time.Time, rawDigestID int64, totalSourceEmails int, method string, sections []repository.SectionInput) (*model.ThematicDigest, error) {
	f.call = &thematicCall{userID, day, rawDigestID, totalSourceEmails, method, sections}
	return &model.ThematicDigest{ID: 2, UserID: userID, Day: day}, nil
}

func newTestService(tokens *fakeTokens, sources *fakeSources, fetcher *fakeFetcher, annotator Annotator, clusterer Clusterer, raw *fakeRawStore, thematic *fakeThematicStore) *Service {
	return NewService(tokens, sources, fetcher, annotator, clusterer, passSynthesizer{}, raw, thematic, zap.NewNop())
}

func activeSource(addr string) model.MonitoredSource {
	return model.MonitoredSource{UserID: "u1", Address: addr, Active: true}
}

func TestRunFullPipeline(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1", AccessToken: "at"}}
	sources := &fakeSources{sources: []model.MonitoredSource{
		activeSource("a@news.com"), activeSource("b@news.com"),
	}}
	fetcher := &fakeFetcher{emails: []model.CleanedEmail{
		{Sender: "a@news.com", Subject: "rates up"},
		{Sender: "a@news.com", Subject: "rates down"},
		{Sender: "b@news.com", Subject: "new model"},
	}}
	annotator := &fakeAnnotator{topics: [][]string{{"finance"}, {"finance"}, {"ai"}}}
	clusterer := &fakeClusterer{
		method: model.MethodAIClustering,
		themes: []model.Theme{
			{Name: "finance", Summary: "rates", Confidence: 60, Members: []int{0, 1}},
			{Name: "ai", Summary: "models", Confidence: 40, Members: []int{2}},
		},
	}
	raw := &fakeRawStore{}
	thematic := &fakeThematicStore{}

	svc := newTestService(tokens, sources, fetcher, annotator, clusterer, raw, thematic)
	day := time.Date(2026, 8, 23, 15, 30, 0, 0, time.UTC)
	if err := svc.Run(context.Background(), "u1", day); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fetcher.senders; len(got) != 2 || got[0] != "a@news.com" {
		t.Errorf("fetched senders = %v", got)
	}

	if raw.raw.EmailsProcessed != 3 {
		t.Errorf("EmailsProcessed = %d", raw.raw.EmailsProcessed)
	}
	if raw.raw.TopicsIdentified != 2 {
		t.Errorf("TopicsIdentified = %d, want 2 distinct topics", raw.raw.TopicsIdentified)
	}
	if !raw.raw.Day.Equal(time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Day = %v, want UTC midnight", raw.raw.Day)
	}
	if len(raw.emails) != 3 {
		t.Fatalf("stored %d source emails", len(raw.emails))
	}
	if raw.calls != 1 {
		t.Errorf("raw layer written in %d calls, want one atomic overwrite", raw.calls)
	}

	call := thematic.call
	if call == nil {
		t.Fatal("thematic digest not written")
	}
	if call.rawDigestID != 1 || call.totalSourceEmails != 3 || call.method != model.MethodAIClustering {
		t.Errorf("thematic call = %+v", call)
	}
	if len(call.sections) != 2 {
		t.Fatalf("got %d sections", len(call.sections))
	}

	// sections keep theme order, confidences carry the synthesis boost
	if call.sections[0].Theme != "finance" || call.sections[0].Confidence != 70 {
		t.Errorf("section 0 = %+v", call.sections[0])
	}
	if call.sections[1].Theme != "ai" || call.sections[1].Confidence != 50 {
		t.Errorf("section 1 = %+v", call.sections[1])
	}

	// links resolve to the stored source email ids, relevance = section confidence
	links := call.sections[0].Links
	if len(links) != 2 {
		t.Fatalf("finance links = %v", links)
	}
	if links[0].SourceEmailID != raw.emails[0].ID || links[1].SourceEmailID != raw.emails[1].ID {
		t.Errorf("link ids = %d, %d", links[0].SourceEmailID, links[1].SourceEmailID)
	}
	for _, l := range links {
		if l.RelevanceScore != 70 {
			t.Errorf("relevance = %d, want section confidence", l.RelevanceScore)
		}
	}
}

func TestRunNoActiveSources(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1"}}
	fetcher := &fakeFetcher{}
	raw := &fakeRawStore{}
	thematic := &fakeThematicStore{}

	svc := newTestService(tokens, &fakeSources{}, fetcher, &fakeAnnotator{}, &fakeClusterer{}, raw, thematic)
	err := svc.Run(context.Background(), "u1", time.Now())
	if !errors.Is(err, model.ErrNoActiveSources) {
		t.Fatalf("err = %v, want ErrNoActiveSources", err)
	}
	if fetcher.senders != nil {
		t.Error("fetch attempted without active sources")
	}
	if raw.raw != nil || thematic.call != nil {
		t.Error("persistence attempted without active sources")
	}
}

func TestRunEmptyDayWritesNothing(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1"}}
	sources := &fakeSources{sources: []model.MonitoredSource{activeSource("a@news.com")}}
	raw := &fakeRawStore{}
	thematic := &fakeThematicStore{}

	svc := newTestService(tokens, sources, &fakeFetcher{}, &fakeAnnotator{}, &fakeClusterer{}, raw, thematic)
	if err := svc.Run(context.Background(), "u1", time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if raw.raw != nil || thematic.call != nil {
		t.Error("empty day wrote digest rows")
	}
}

func TestRunCredentialErrorsPassThrough(t *testing.T) {
	for _, sentinel := range []error{model.ErrCredentialMissing, model.ErrReauthRequired} {
		tokens := &fakeTokens{err: sentinel}
		svc := newTestService(tokens, &fakeSources{}, &fakeFetcher{}, &fakeAnnotator{}, &fakeClusterer{}, &fakeRawStore{}, &fakeThematicStore{})

		if err := svc.Run(context.Background(), "u1", time.Now()); !errors.Is(err, sentinel) {
			t.Errorf("err = %v, want %v", err, sentinel)
		}
	}
}

func TestRunDropsUnmatchedMembers(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1"}}
	sources := &fakeSources{sources: []model.MonitoredSource{activeSource("a@news.com")}}
	fetcher := &fakeFetcher{emails: []model.CleanedEmail{{Sender: "a@news.com", Subject: "s"}}}
	clusterer := &fakeClusterer{
		method: model.MethodAIClustering,
		themes: []model.Theme{{Name: "t", Summary: "s", Confidence: 50, Members: []int{0, 7}}},
	}
	thematic := &fakeThematicStore{}

	svc := newTestService(tokens, sources, fetcher, &fakeAnnotator{topics: [][]string{{"x"}}}, clusterer, &fakeRawStore{}, thematic)
	if err := svc.Run(context.Background(), "u1", time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sections := thematic.call.sections
	if len(sections) != 1 {
		t.Fatalf("got %d sections", len(sections))
	}
	if len(sections[0].Links) != 1 {
		t.Errorf("links = %v, want the out-of-range member silently dropped", sections[0].Links)
	}
}

func TestRunPersistsCollectorRefreshedCredential(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1"}}
	sources := &fakeSources{sources: []model.MonitoredSource{activeSource("a@news.com")}}
	fetcher := &fakeFetcher{
		refresh: &model.TokenPatch{AccessToken: "at-new", ExpiresAt: time.Now().Add(time.Hour)},
	}

	svc := newTestService(tokens, sources, fetcher, &fakeAnnotator{}, &fakeClusterer{}, &fakeRawStore{}, &fakeThematicStore{})
	if err := svc.Run(context.Background(), "u1", time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tokens.persisted) != 1 || tokens.persisted[0].AccessToken != "at-new" {
		t.Errorf("persisted = %+v", tokens.persisted)
	}
}

func TestRunPersistenceFailureSurfaces(t *testing.T) {
	tokens := &fakeTokens{cred: &model.Credential{UserID: "u1"}}
	sources := &fakeSources{sources: []model.MonitoredSource{activeSource("a@news.com")}}
	fetcher := &fakeFetcher{emails: []model.CleanedEmail{{Sender: "a@news.com", Subject: "s"}}}
	raw := &fakeRawStore{storeErr: &model.PersistenceError{Op: "insert raw digest", Err: errors.New("down")}}
	clusterer := &fakeClusterer{method: model.MethodFrequencyFallback, themes: []model.Theme{{Name: "t", Members: []int{0}}}}

	svc := newTestService(tokens, sources, fetcher, &fakeAnnotator{topics: [][]string{{"x"}}}, clusterer, raw, &fakeThematicStore{})
	err := svc.Run(context.Background(), "u1", time.Now())

	var perr *model.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want a persistence error", err)
	}
}
