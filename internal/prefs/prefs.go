// Package prefs provides the read-only preference lookup consumed by the
// coordinator. Identity and profile management live outside this service; the
// coordinator only needs a stable user id resolved to a preference record.
package prefs

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the user id does not resolve to a known user.
var ErrNotFound = errors.New("prefs: user not found")

// Profile is the preference record for one user. All fields are optional;
// MatchGender defaults to "random" when unset.
type Profile struct {
	UserID      string
	Gender      string
	ChatStyle   string
	MatchGender string
}

// Lookup resolves user ids to preference profiles.
type Lookup interface {
	Preferences(ctx context.Context, userID string) (*Profile, error)
}

// Permissive is a Lookup that accepts every user id and answers with an
// empty profile matching anyone. Used when no user database is configured.
type Permissive struct{}

// Preferences implements Lookup.
func (Permissive) Preferences(_ context.Context, userID string) (*Profile, error) {
	return &Profile{UserID: userID, MatchGender: "random"}, nil
}

// Static is a map-backed Lookup for tests and standalone runs.
type Static map[string]Profile

// Preferences implements Lookup.
func (s Static) Preferences(_ context.Context, userID string) (*Profile, error) {
	p, ok := s[userID]
	if !ok {
		return nil, ErrNotFound
	}
	p.UserID = userID
	if p.MatchGender == "" {
		p.MatchGender = "random"
	}
	return &p, nil
}
