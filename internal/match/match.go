// Package match implements the compatibility matching algorithm over the
// waiting pool. It is a pure function of the candidate and a pool snapshot;
// removing matched entries from the pool is the caller's responsibility so
// that selection and removal can happen under one critical section.
package match

import "github.com/driftchat/drift/internal/queue"

// Accepts reports whether a user with the given desired match gender accepts
// a peer of the given gender. An unset gender counts as "other".
func Accepts(wants, peerGender string) bool {
	if wants == "" || wants == "random" {
		return true
	}
	if peerGender == "" {
		peerGender = "other"
	}
	return wants == peerGender
}

// Find scans the pool snapshot in order and returns the first entry that is
// bidirectionally compatible with the candidate, or nil if none exists. The
// scan is a stable FIFO tie-break, not a best-match search. Self-matches are
// excluded by user id.
func Find(candidate queue.Entry, entries []queue.Entry) *queue.Entry {
	for i := range entries {
		e := &entries[i]
		if e.UserID == candidate.UserID {
			continue
		}
		if !Accepts(candidate.MatchGender, e.Gender) {
			continue
		}
		if !Accepts(e.MatchGender, candidate.Gender) {
			continue
		}
		return e
	}
	return nil
}
