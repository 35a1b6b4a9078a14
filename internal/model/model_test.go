package model

import (
	"regexp"
	"strings"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestContainerName(t *testing.T) {
	got := ContainerName("01HZX3ABCD", 2)
	if got != "cvix-latex-01hzx3abcd-2" {
		t.Errorf("ContainerName = %q", got)
	}
	if strings.ToLower(got) != got {
		t.Errorf("ContainerName %q is not lowercase", got)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindNone, StatusCompleted},
		{KindCapacityExceeded, StatusRejected},
		{KindTimeout, StatusTimedOut},
		{KindCompilationFailed, StatusFailed},
		{KindImageUnavailable, StatusFailed},
		{KindInternal, StatusFailed},
	}
	for _, tt := range tests {
		if got := StatusForKind(tt.kind); got != tt.want {
			t.Errorf("StatusForKind(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusRejected, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusTimedOut, StatusRejected} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusRunning} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}
