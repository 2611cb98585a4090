package catalog

import "time"

// Kind classifies a cataloged artifact.
type Kind string

const (
	KindScript Kind = "script"
	KindBinary Kind = "binary"
	KindData   Kind = "data"
)

// State is the trust lifecycle stage of an item.
type State string

const (
	StateQuarantine State = "quarantine"
	StateApproved   State = "approved"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s == StateQuarantine || s == StateApproved
}

// Item is one cataloged filesystem artifact. Empty strings and zero times
// mean the value is absent.
type Item struct {
	ID          int64
	Path        string
	Kind        Kind
	Fingerprint string
	RepoURL     string
	ModifiedAt  time.Time
	TrustScore  int
	State       State
	LastRunAt   *time.Time
	WrapperPath string
	Notes       string
}

// ItemRef is the (id, path) pair returned by ListItems.
type ItemRef struct {
	ID   int64
	Path string
}

// Project is a detected version-controlled directory.
type Project struct {
	ID           int64
	Name         string
	Path         string
	RepoURL      string
	HeadRevision string
	LastSeenAt   time.Time
}
