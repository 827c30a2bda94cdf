package model

// MonitoredSource is a newsletter sender address a user subscribed for
// digesting. Owned by user configuration; the scheduler only reads it.
type MonitoredSource struct {
	ID      int64
	UserID  string
	Address string
	Active  bool
}

// ActiveSubject pairs a user with their contact address, listed for the daily
// enumeration. Only users with at least one active source appear.
type ActiveSubject struct {
	UserID string
	Email  string
}
