package match

import (
	"testing"

	"github.com/driftchat/drift/internal/queue"
)

func entry(userID, gender, matchGender string) queue.Entry {
	return queue.Entry{
		UserID:      userID,
		EndpointID:  "ep-" + userID,
		Gender:      gender,
		MatchGender: matchGender,
	}
}

// ---------- Accepts tests ----------

func TestAccepts_RandomAcceptsEveryGender(t *testing.T) {
	for _, g := range []string{"male", "female", "other", ""} {
		if !Accepts("random", g) {
			t.Errorf("random should accept %q", g)
		}
	}
}

func TestAccepts_UnsetPreferenceAcceptsEveryGender(t *testing.T) {
	for _, g := range []string{"male", "female", "other"} {
		if !Accepts("", g) {
			t.Errorf("empty preference should accept %q", g)
		}
	}
}

func TestAccepts_SpecificPreference(t *testing.T) {
	if !Accepts("female", "female") {
		t.Error("female preference should accept female")
	}
	if Accepts("female", "male") {
		t.Error("female preference should reject male")
	}
}

func TestAccepts_UnsetGenderCountsAsOther(t *testing.T) {
	if !Accepts("other", "") {
		t.Error("unset gender should satisfy an 'other' preference")
	}
	if Accepts("male", "") {
		t.Error("unset gender should not satisfy a 'male' preference")
	}
}

// ---------- Find tests ----------

func TestFind_BidirectionalCompatibility(t *testing.T) {
	// alice is male wanting female; bob is female wanting random.
	alice := entry("alice", "male", "female")
	pool := []queue.Entry{entry("bob", "female", "random")}

	got := Find(alice, pool)
	if got == nil || got.UserID != "bob" {
		t.Fatalf("expected bob, got %+v", got)
	}
}

func TestFind_OneWayCompatibilityIsNotEnough(t *testing.T) {
	// carol wants male; dave is female wanting random. carol accepts nobody
	// here even though dave would accept her.
	carol := entry("carol", "female", "male")
	pool := []queue.Entry{entry("dave", "female", "random")}

	if got := Find(carol, pool); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestFind_PeerPreferenceMustAcceptCandidate(t *testing.T) {
	// erin accepts anyone, but frank only wants female; erin is male.
	erin := entry("erin", "male", "random")
	pool := []queue.Entry{entry("frank", "male", "female")}

	if got := Find(erin, pool); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestFind_SkipsSelf(t *testing.T) {
	alice := entry("alice", "female", "random")
	pool := []queue.Entry{entry("alice", "female", "random")}

	if got := Find(alice, pool); got != nil {
		t.Fatalf("candidate must not match itself, got %+v", got)
	}
}

func TestFind_FirstCompatibleInPoolOrderWins(t *testing.T) {
	alice := entry("alice", "male", "random")
	pool := []queue.Entry{
		entry("bob", "male", "female"), // rejects alice
		entry("carol", "female", "random"),
		entry("dave", "male", "random"),
	}

	got := Find(alice, pool)
	if got == nil || got.UserID != "carol" {
		t.Fatalf("expected carol (first compatible), got %+v", got)
	}
}

func TestFind_EmptyPool(t *testing.T) {
	alice := entry("alice", "female", "random")
	if got := Find(alice, nil); got != nil {
		t.Fatalf("expected nil on empty pool, got %+v", got)
	}
}

func TestFind_DoesNotMutatePool(t *testing.T) {
	alice := entry("alice", "male", "random")
	pool := []queue.Entry{
		entry("bob", "female", "random"),
		entry("carol", "female", "random"),
	}

	_ = Find(alice, pool)

	if len(pool) != 2 || pool[0].UserID != "bob" || pool[1].UserID != "carol" {
		t.Error("Find must not mutate the candidate slice")
	}
}
