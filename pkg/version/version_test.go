package version

import "testing"

func TestDevBuild(t *testing.T) {
	if String() != "dev" || Full() != "dev" {
		t.Fatalf("String() = %q, Full() = %q, want dev", String(), Full())
	}
}

func TestTaggedBuild(t *testing.T) {
	oldTag, oldCommit, oldDate := tag, commit, date
	t.Cleanup(func() { tag, commit, date = oldTag, oldCommit, oldDate })

	tag, commit, date = "v1.2.0", "abc1234", "2026-01-01"
	if got := String(); got != "v1.2.0" {
		t.Errorf("String() = %q", got)
	}
	if got := Full(); got != "v1.2.0 (abc1234) built 2026-01-01" {
		t.Errorf("Full() = %q", got)
	}

	tag = ""
	if got := String(); got != "abc1234" {
		t.Errorf("String() untagged = %q", got)
	}
	if got := len(LogAttrs()); got != 6 {
		t.Errorf("LogAttrs() has %d elements, want 6", got)
	}
}
