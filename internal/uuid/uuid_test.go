package uuid

import "testing"

func TestNewGeneratesValidV4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("generated id is not a valid v4 UUID: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	valid := []string{
		"123e4567-e89b-42d3-a456-426614174000",
		"00000000-0000-4000-8000-000000000000",
		"FFFFFFFF-FFFF-4FFF-BFFF-FFFFFFFFFFFF",
	}
	for _, s := range valid {
		if !IsValid(s) {
			t.Errorf("expected %q valid", s)
		}
	}

	invalid := []string{
		"",
		"not-a-uuid",
		"123e4567-e89b-12d3-a456-426614174000", // v1, not v4
		"123e4567-e89b-42d3-c456-426614174000", // bad variant bits
		"123e4567e89b42d3a456426614174000",     // missing dashes
	}
	for _, s := range invalid {
		if IsValid(s) {
			t.Errorf("expected %q invalid", s)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate("garbage"); err == nil {
		t.Error("expected error for malformed id")
	}
}
