package types

import "testing"

func TestParseID(t *testing.T) {
	id := NewID()
	if id.IsZero() {
		t.Fatal("Expected non-zero ID")
	}

	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if parsed != id {
		t.Errorf("Expected %s, got %s", id, parsed)
	}

	if _, err := ParseID("not-a-uuid"); err == nil {
		t.Error("Expected error for invalid ID")
	}
}

func TestScan(t *testing.T) {
	var id ID
	if err := id.Scan([]byte("abc")); err != nil || id != "abc" {
		t.Errorf("Expected abc, got %q (%v)", id, err)
	}
	if err := id.Scan(nil); err != nil || !id.IsZero() {
		t.Errorf("Expected zero ID, got %q (%v)", id, err)
	}
	if err := id.Scan(42); err == nil {
		t.Error("Expected error scanning int")
	}
}
