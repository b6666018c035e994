// Package dispatch delivers one payload to many targets and aggregates the
// outcomes into a report.
package dispatch

import (
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/provider"
	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/registry"
)

// MatchAllTag selects every target regardless of its tags.
const MatchAllTag = "all"

// Target is one configured destination. Targets are built by a Loader and
// shared between notify calls; a target's throttle serializes those calls.
type Target struct {
	ID           string
	URL          string
	Scheme       string
	Service      string
	Capabilities registry.Capabilities
	Provider     provider.Provider
	Tags         []string
	Throttle     *ratelimit.Throttle
	Overflow     OverflowMode

	// Err is set when the URL could not be bound to a service. Such targets
	// are reported as skipped.
	Err error
}

// Matches reports whether the target takes part in a notify call filtered by
// tags. An empty filter selects everything.
func (t *Target) Matches(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		if strings.EqualFold(want, MatchAllTag) {
			return true
		}
		for _, have := range t.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

func (t *Target) ThrottleInterval() time.Duration {
	return t.Throttle.Interval()
}

// Close releases connections held by the target's provider.
func (t *Target) Close() error {
	if c, ok := t.Provider.(provider.Closer); ok {
		return c.Close()
	}
	return nil
}

// CloseTargets closes every target and returns the first error.
func CloseTargets(targets []*Target) error {
	var first error
	for _, t := range targets {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
