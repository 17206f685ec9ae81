package account

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"INBOX", "INBOX"},
		{"inbox", "INBOX"},
		{" Inbox ", "INBOX"},
		{"Work", "Work"},
		{"work", "work"},
		{"/Work/", "Work"},
		{"Work//Drafts", "Work/Drafts"},
		{"  A/B  ", "A/B"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsInferior(t *testing.T) {
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"A", "A/B", true},
		{"A", "A/B/C", true},
		{"A", "AB", false},
		{"A", "A", false},
		{"A/B", "A/B/C", true},
	}
	for _, tt := range tests {
		if got := IsInferior(tt.parent, tt.child); got != tt.want {
			t.Errorf("IsInferior(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}

func TestWildcardToRegexp(t *testing.T) {
	star := WildcardToRegexp("Work*")
	if !star.MatchString("Work") || !star.MatchString("Work/Drafts") {
		t.Error("* should match across the delimiter")
	}
	percent := WildcardToRegexp("Work%")
	if !percent.MatchString("Work") {
		t.Error("% should match the bare name")
	}
	if percent.MatchString("Work/Drafts") {
		t.Error("% must not cross the delimiter")
	}
	literal := WildcardToRegexp("A.B")
	if literal.MatchString("AxB") {
		t.Error("non-wildcard characters must be matched literally")
	}
}
