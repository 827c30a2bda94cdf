package model

import "time"

// RawDigest is the per-day container of individually analyzed emails, before
// thematic grouping. At most one exists per (user, day); a new write
// supersedes the old row and all its children.
type RawDigest struct {
	ID               int64
	UserID           string
	Day              time.Time // calendar day, UTC midnight
	EmailsProcessed  int
	TopicsIdentified int
	CreatedAt        time.Time
}

// SourceEmail is an immutable child of a RawDigest.
type SourceEmail struct {
	ID           int64
	RawDigestID  int64
	Sender       string
	Subject      string
	ReceivedAt   time.Time
	Summary      string
	Topics       []string
	Keywords     []string
	OriginalLink string
	CreatedAt    time.Time
}

// ThematicDigest is the per-day narrative grouping of a RawDigest's emails.
type ThematicDigest struct {
	ID                int64
	UserID            string
	Day               time.Time
	RawDigestID       int64
	SectionsCount     int
	TotalSourceEmails int
	ProcessingMethod  string
	CreatedAt         time.Time
}

// ThematicSection is one ordered theme within a ThematicDigest.
type ThematicSection struct {
	ID               int64
	ThematicDigestID int64
	Theme            string
	Summary          string
	Confidence       int // 0-100
	Keywords         []string
	OrderIndex       int
}

// ThemeSourceLink records that a source email contributed to a section.
// Modeled as an explicit join row keyed by opaque ids; entities never embed
// references to each other.
type ThemeSourceLink struct {
	SectionID      int64
	SourceEmailID  int64
	RelevanceScore int // 0-100
}
