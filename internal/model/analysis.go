package model

import "time"

// Processing methods recorded on a ThematicDigest.
const (
	MethodAIClustering      = "ai-clustering"
	MethodFrequencyFallback = "frequency-fallback"
)

// CleanedEmail is one record returned by the email collector: already fetched,
// decoded and stripped to text.
type CleanedEmail struct {
	Sender       string    `json:"sender"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
	OriginalLink string    `json:"original_link,omitempty"`
}

// AnnotatedEmail is a cleaned email plus its per-email analysis annotation.
type AnnotatedEmail struct {
	CleanedEmail
	Summary  string
	Topics   []string
	Keywords []string
}

// Theme is a provisional cluster of annotated emails (Stage 1 output,
// rewritten in place by Stage 2).
type Theme struct {
	Name       string
	Summary    string
	Confidence int   // 0-100
	Members    []int // indices into the annotated email slice
	Keywords   []string
}
