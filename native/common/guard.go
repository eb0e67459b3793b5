package common

import (
	"errors"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module currently refuses state changes.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseViews combines several views; a module is paused when any view says so.
type PauseViews []PauseView

// IsPaused implements PauseView.
func (v PauseViews) IsPaused(module string) bool {
	for _, view := range v {
		if view != nil && view.IsPaused(module) {
			return true
		}
	}
	return false
}

// StaticPauses is a fixed set of paused module names, typically loaded from
// operator configuration.
type StaticPauses map[string]bool

// NewStaticPauses builds a set from module names, ignoring blanks.
func NewStaticPauses(modules ...string) StaticPauses {
	set := make(StaticPauses, len(modules))
	for _, module := range modules {
		if trimmed := strings.ToLower(strings.TrimSpace(module)); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}

// IsPaused implements PauseView.
func (s StaticPauses) IsPaused(module string) bool {
	return s[strings.ToLower(module)]
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
