// Package feature tracks which automations each user has switched on and the
// render settings their banner uses.
//
// The registry is the single source of truth for whether a stream transition
// should do any work: when the banner feature is not enabled the lifecycle
// engine never touches the image store.
package feature

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownKind is returned for a feature kind outside the closed set.
var ErrUnknownKind = errors.New("unknown feature kind")

// Kind is a feature a user can enable.
type Kind string

const (
	KindBanner Kind = "banner"
	KindTweet  Kind = "tweet"
)

var allKinds = []Kind{KindBanner, KindTweet}

// AllKinds lists every known kind.
func AllKinds() []Kind { return slices.Clone(allKinds) }

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(allKinds, k) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Set is the set of kinds enabled for one user.
type Set map[Kind]struct{}

// NewSet builds a set from kinds.
func NewSet(kinds ...Kind) Set {
	s := make(Set, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set. A nil set is empty.
func (s Set) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// With returns a copy of s that also contains k.
func (s Set) With(k Kind) Set {
	out := make(Set, len(s)+1)
	for x := range s {
		out[x] = struct{}{}
	}
	out[k] = struct{}{}
	return out
}

// Kinds returns the members in sorted order.
func (s Set) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Registry reads and toggles per-user features. Enable and Disable are
// idempotent: enabling an enabled feature, or disabling one that was never
// enabled, changes nothing.
type Registry interface {
	ListEnabled(ctx context.Context, userID string) (Set, error)
	Enable(ctx context.Context, userID string, kind Kind) error
	Disable(ctx context.Context, userID string, kind Kind) error
}

// Store is a Registry with the account level operations used by the admin
// surface and the live status poller.
type Store interface {
	Registry
	// UsersWithFeature lists users that have kind enabled, sorted by id.
	UsersWithFeature(ctx context.Context, kind Kind) ([]string, error)
	// DeleteUser removes every feature row for userID.
	DeleteUser(ctx context.Context, userID string) error
}

func checkKind(k Kind) error {
	if !slices.Contains(allKinds, k) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return nil
}
