package phrase

import "testing"

func TestMatchSubstring(t *testing.T) {
	m := New([]string{"connect you to sales", "goodbye"})

	got, ok := m.Match("Okay, let me connect you to sales now.")
	if !ok {
		t.Fatal("expected match, got none")
	}
	if got != "connect you to sales" {
		t.Errorf("matched phrase = %q, want %q", got, "connect you to sales")
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	m := New([]string{"transfer you now"})

	if _, ok := m.Match("TRANSFER YOU NOW, one moment."); !ok {
		t.Fatal("expected case-insensitive match")
	}
}

func TestMatchNFKCNormalizes(t *testing.T) {
	m := New([]string{"goodbye"})

	// Fullwidth variant of "goodbye" normalizes to ascii under NFKC.
	fullwidth := "ｇｏｏｄｂｙｅ"
	if _, ok := m.Match(fullwidth); !ok {
		t.Fatal("expected NFKC-normalized match")
	}
}

func TestMatchNoMatch(t *testing.T) {
	m := New([]string{"connect you to sales"})

	if _, ok := m.Match("Thanks for calling, have a nice day."); ok {
		t.Fatal("expected no match")
	}
}

func TestMatchEmptyList(t *testing.T) {
	m := New(nil)
	if !m.Empty() {
		t.Fatal("expected Empty() true for nil phrase list")
	}
	if _, ok := m.Match("anything at all"); ok {
		t.Fatal("expected no match against empty phrase list")
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	if !m.Empty() {
		t.Fatal("expected Empty() true for nil matcher")
	}
	if _, ok := m.Match("anything"); ok {
		t.Fatal("expected no match on nil matcher")
	}
}
