package analysis

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"newsbrief/internal/model"
	"newsbrief/pkg/metrics"
)

const (
	synthesisBoost = 10
	confidenceCap  = 95
)

// Synthesizer is Stage 2: it rewrites each provisional theme summary into
// reader-facing narrative prose from deterministic templates. Enhancement is
// per-theme and best-effort; a theme whose members cannot be resolved keeps
// its Stage 1 summary unchanged. A successfully enhanced theme gains a
// confidence boost, capped at 95 so synthesized prose never outranks a
// directly observed grouping.
type Synthesizer struct {
	logger *zap.Logger
}

func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	return &Synthesizer{logger: logger}
}

// Synthesize returns the themes with narrative summaries. Theme count, order
// and membership are preserved exactly.
func (s *Synthesizer) Synthesize(emails []model.AnnotatedEmail, themes []model.Theme) []model.Theme {
	out := make([]model.Theme, len(themes))
	for i, t := range themes {
		out[i] = s.enhance(emails, t)
	}
	return out
}

func (s *Synthesizer) enhance(emails []model.AnnotatedEmail, theme model.Theme) model.Theme {
	members := make([]model.AnnotatedEmail, 0, len(theme.Members))
	for _, m := range theme.Members {
		if m < 0 || m >= len(emails) {
			s.logger.Warn("Theme member out of range, keeping provisional summary",
				zap.String("theme", theme.Name),
				zap.Int("member", m),
			)
			metrics.IncrementFallback("synthesize")
			return theme
		}
		members = append(members, emails[m])
	}
	if len(members) == 0 {
		metrics.IncrementFallback("synthesize")
		return theme
	}

	if len(members) == 1 {
		theme.Summary = fmt.Sprintf("%s: %s wrote about %s", theme.Name, members[0].Sender, members[0].Summary)
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "%s, covered by %d newsletters:", theme.Name, len(members))
		for _, m := range members {
			fmt.Fprintf(&b, "\n- %s: %s", m.Sender, m.Summary)
		}
		theme.Summary = b.String()
	}

	theme.Confidence += synthesisBoost
	if theme.Confidence > confidenceCap {
		theme.Confidence = confidenceCap
	}
	return theme
}
