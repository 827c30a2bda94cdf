package analysis

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"newsbrief/internal/model"
	"newsbrief/pkg/metrics"
)

const maxThemes = 5

type clusterClient interface {
	Cluster(ctx context.Context, req ClusterRequest) (*ClusterResponse, error)
}

// Clusterer is Stage 1: it groups annotated emails into 0-5 provisional
// themes. The primary path is one batched external call; any error, timeout
// or schema mismatch routes to a deterministic frequency fallback, so Cluster
// never returns an error.
type Clusterer struct {
	client clusterClient
	logger *zap.Logger
}

func NewClusterer(client clusterClient, logger *zap.Logger) *Clusterer {
	return &Clusterer{client: client, logger: logger}
}

// Cluster returns the provisional themes and the processing method used.
func (c *Clusterer) Cluster(ctx context.Context, emails []model.AnnotatedEmail) ([]model.Theme, string) {
	if len(emails) == 0 {
		return nil, model.MethodFrequencyFallback
	}

	req := ClusterRequest{Emails: make([]ClusterEmail, len(emails))}
	for i, e := range emails {
		req.Emails[i] = ClusterEmail{
			Index:    i,
			Sender:   e.Sender,
			Subject:  e.Subject,
			Summary:  e.Summary,
			Topics:   e.Topics,
			Keywords: e.Keywords,
		}
	}

	resp, err := c.client.Cluster(ctx, req)
	if err != nil {
		c.logger.Warn("Clustering call failed, using frequency fallback", zap.Error(err))
		metrics.IncrementFallback("cluster")
		return frequencyCluster(emails), model.MethodFrequencyFallback
	}

	themes, err := validateThemes(resp, emails)
	if err != nil {
		// dynamically shaped provider output is never partially trusted
		c.logger.Warn("Clustering response failed validation, using frequency fallback", zap.Error(err))
		metrics.IncrementFallback("cluster")
		return frequencyCluster(emails), model.MethodFrequencyFallback
	}

	return themes, model.MethodAIClustering
}

// validateThemes checks the raw response against the expected schema before
// any of it is used.
func validateThemes(resp *ClusterResponse, emails []model.AnnotatedEmail) ([]model.Theme, error) {
	if resp == nil || len(resp.Themes) == 0 {
		return nil, fmt.Errorf("no themes in response")
	}
	if len(resp.Themes) > maxThemes {
		return nil, fmt.Errorf("too many themes: %d", len(resp.Themes))
	}

	themes := make([]model.Theme, 0, len(resp.Themes))
	for i, t := range resp.Themes {
		if t.Name == "" {
			return nil, fmt.Errorf("theme %d has no name", i)
		}
		if t.Confidence < 0 || t.Confidence > 100 {
			return nil, fmt.Errorf("theme %q confidence out of range: %d", t.Name, t.Confidence)
		}
		if len(t.Members) == 0 {
			return nil, fmt.Errorf("theme %q has no members", t.Name)
		}
		for _, m := range t.Members {
			if m < 0 || m >= len(emails) {
				return nil, fmt.Errorf("theme %q member index out of range: %d", t.Name, m)
			}
		}

		keywords := t.Keywords
		if len(keywords) == 0 {
			keywords = memberKeywords(emails, t.Members)
		}

		themes = append(themes, model.Theme{
			Name:       t.Name,
			Summary:    t.Summary,
			Confidence: t.Confidence,
			Members:    t.Members,
			Keywords:   keywords,
		})
	}

	return themes, nil
}

// frequencyCluster is the deterministic Stage 1 fallback: tally topic-tag
// occurrences and keep the top 5 tags, confidence = min(90, members*20).
// Given a non-empty input it always yields at least one theme.
func frequencyCluster(emails []model.AnnotatedEmail) []model.Theme {
	tally := make(map[string][]int)
	for i, e := range emails {
		seen := make(map[string]bool)
		for _, tag := range e.Topics {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tally[tag] = append(tally[tag], i)
		}
	}

	// an email with no tags at all still lands somewhere
	if len(tally) == 0 {
		members := make([]int, len(emails))
		for i := range emails {
			members[i] = i
		}
		return []model.Theme{{
			Name:       "newsletters",
			Summary:    fmt.Sprintf("%d emails from your newsletters", len(emails)),
			Confidence: confidenceFor(len(emails)),
			Members:    members,
		}}
	}

	tags := make([]string, 0, len(tally))
	for tag := range tally {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(a, b int) bool {
		if len(tally[tags[a]]) != len(tally[tags[b]]) {
			return len(tally[tags[a]]) > len(tally[tags[b]])
		}
		return tags[a] < tags[b]
	})

	if len(tags) > maxThemes {
		tags = tags[:maxThemes]
	}

	themes := make([]model.Theme, 0, len(tags))
	for _, tag := range tags {
		members := tally[tag]
		themes = append(themes, model.Theme{
			Name:       tag,
			Summary:    fmt.Sprintf("%d emails about %s", len(members), tag),
			Confidence: confidenceFor(len(members)),
			Members:    members,
			Keywords:   memberKeywords(emails, members),
		})
	}

	return themes
}

func confidenceFor(memberCount int) int {
	conf := memberCount * 20
	if conf > 90 {
		return 90
	}
	return conf
}

// memberKeywords unions the members' keywords, capped at 10.
func memberKeywords(emails []model.AnnotatedEmail, members []int) []string {
	out := make([]string, 0, 10)
	seen := make(map[string]bool)
	for _, m := range members {
		for _, kw := range emails[m].Keywords {
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			out = append(out, kw)
			if len(out) == 10 {
				return out
			}
		}
	}
	return out
}
