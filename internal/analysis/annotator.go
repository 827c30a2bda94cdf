package analysis

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"newsbrief/internal/model"
	"newsbrief/pkg/metrics"
)

type annotateClient interface {
	Annotate(ctx context.Context, req AnnotateRequest) (*AnnotateResponse, error)
}

// Annotator produces the per-email annotation (summary, topic tags, keywords)
// feeding Stage 1. Annotation is total: any provider failure falls back to a
// deterministic sender/subject-derived annotation, so it never blocks the
// pipeline.
type Annotator struct {
	client annotateClient
	logger *zap.Logger
}

func NewAnnotator(client annotateClient, logger *zap.Logger) *Annotator {
	return &Annotator{client: client, logger: logger}
}

// AnnotateAll annotates every cleaned email, one external call per email.
func (a *Annotator) AnnotateAll(ctx context.Context, emails []model.CleanedEmail) []model.AnnotatedEmail {
	annotated := make([]model.AnnotatedEmail, 0, len(emails))
	for _, e := range emails {
		annotated = append(annotated, a.annotate(ctx, e))
	}
	return annotated
}

func (a *Annotator) annotate(ctx context.Context, e model.CleanedEmail) model.AnnotatedEmail {
	resp, err := a.client.Annotate(ctx, AnnotateRequest{
		Sender:  e.Sender,
		Subject: e.Subject,
		Body:    e.Body,
	})
	if err != nil || resp == nil || resp.Summary == "" || len(resp.Topics) == 0 {
		a.logger.Warn("Annotation failed, using deterministic fallback",
			zap.String("sender", e.Sender),
			zap.Error(err),
		)
		metrics.IncrementFallback("annotate")
		return fallbackAnnotation(e)
	}

	return model.AnnotatedEmail{
		CleanedEmail: e,
		Summary:      resp.Summary,
		Topics:       normalizeTags(resp.Topics),
		Keywords:     resp.Keywords,
	}
}

// fallbackAnnotation derives a deterministic annotation from sender and
// subject alone.
func fallbackAnnotation(e model.CleanedEmail) model.AnnotatedEmail {
	return model.AnnotatedEmail{
		CleanedEmail: e,
		Summary:      e.Subject,
		Topics:       []string{senderTag(e.Sender)},
		Keywords:     subjectKeywords(e.Subject),
	}
}

// senderTag extracts a topic tag from a sender address:
// "news@stratechery.com" -> "stratechery".
func senderTag(sender string) string {
	at := strings.LastIndex(sender, "@")
	if at < 0 || at == len(sender)-1 {
		return "newsletter"
	}
	domain := sender[at+1:]
	if dot := strings.Index(domain, "."); dot > 0 {
		domain = domain[:dot]
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "newsletter"
	}
	return domain
}

// subjectKeywords extracts up to five keywords from a subject line.
func subjectKeywords(subject string) []string {
	words := strings.FieldsFunc(strings.ToLower(subject), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	keywords := make([]string, 0, 5)
	seen := make(map[string]bool)
	for _, w := range words {
		if len(w) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == 5 {
			break
		}
	}
	return keywords
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
