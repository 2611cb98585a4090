// Package policy decides the trust state an item receives at registration.
package policy

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sameehj/nova/pkg/catalog"
)

type Policy struct {
	// AutoApprove approves every item once its wrapper exists.
	AutoApprove bool
	// Quarantine holds doublestar globs; matching paths stay quarantined
	// even when AutoApprove is set.
	Quarantine []string
}

func Default() *Policy {
	return &Policy{AutoApprove: true}
}

// StateFor returns the state a freshly registered item at path should carry.
func (p *Policy) StateFor(path string) catalog.State {
	if p == nil {
		return catalog.StateApproved
	}
	if p.quarantined(path) {
		return catalog.StateQuarantine
	}
	if p.AutoApprove {
		return catalog.StateApproved
	}
	return catalog.StateQuarantine
}

// Runnable reports whether an item in state may be executed.
func (p *Policy) Runnable(state catalog.State) bool {
	return state == catalog.StateApproved
}

func (p *Policy) quarantined(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range p.Quarantine {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
