package token

import (
	"testing"
	"time"
)

func TestIssueGeneratesUniqueIDs(t *testing.T) {
	reg := NewRegistry(time.Hour)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := reg.Issue(Metadata{Device: "Pixel"})
		if len(tok.ID) != 32 {
			t.Fatalf("token id length = %d; want 32", len(tok.ID))
		}
		if seen[tok.ID] {
			t.Fatalf("duplicate token id %q", tok.ID)
		}
		seen[tok.ID] = true
	}
	if got := reg.Count(); got != 100 {
		t.Fatalf("Count = %d; want 100", got)
	}
}

func TestValidateRefreshesExpiry(t *testing.T) {
	reg := NewRegistry(time.Hour)
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	tok := reg.Issue(Metadata{Device: "Pixel"})

	// Just inside the window: valid, and the check itself extends the window.
	now = now.Add(time.Hour - time.Second)
	if !reg.Validate(tok.ID) {
		t.Fatalf("Validate just before expiry = false; want true")
	}

	// More than an hour after issuance, but within an hour of the last
	// successful validation.
	now = now.Add(time.Hour - time.Second)
	if !reg.Validate(tok.ID) {
		t.Fatalf("Validate within refreshed window = false; want true")
	}

	// Past the window measured from the last validation.
	now = now.Add(time.Hour + time.Second)
	if reg.Validate(tok.ID) {
		t.Fatalf("Validate after sliding expiry = true; want false")
	}
}

func TestValidateUnknownToken(t *testing.T) {
	reg := NewRegistry(time.Hour)
	if reg.Validate("nope") {
		t.Fatalf("Validate(unknown) = true; want false")
	}
}

func TestSweepExpired(t *testing.T) {
	reg := NewRegistry(time.Hour)
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	stale := reg.Issue(Metadata{Device: "old"})
	now = now.Add(30 * time.Minute)
	fresh := reg.Issue(Metadata{Device: "new"})

	now = now.Add(45 * time.Minute)
	if got := reg.SweepExpired(); got != 1 {
		t.Fatalf("SweepExpired removed %d; want 1", got)
	}
	if _, ok := reg.Lookup(stale.ID); ok {
		t.Fatalf("stale token survived sweep")
	}
	if _, ok := reg.Lookup(fresh.ID); !ok {
		t.Fatalf("fresh token removed by sweep")
	}
}

func TestLookupDoesNotRefresh(t *testing.T) {
	reg := NewRegistry(time.Hour)
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	tok := reg.Issue(Metadata{})
	now = now.Add(30 * time.Minute)
	if _, ok := reg.Lookup(tok.ID); !ok {
		t.Fatalf("Lookup = false; want true")
	}
	got, _ := reg.Lookup(tok.ID)
	if !got.LastUsedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("Lookup refreshed LastUsedAt to %v", got.LastUsedAt)
	}
}
