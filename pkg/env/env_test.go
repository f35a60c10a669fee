package env

import "testing"

func TestGetFallsBackWhenBlank(t *testing.T) {
	t.Setenv("RELAY_TEST_VALUE", "   ")
	if got := Get("RELAY_TEST_VALUE", "json"); got != "json" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("RELAY_TEST_VALUE", " console ")
	if got := Get("RELAY_TEST_VALUE", "json"); got != "console" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("RELAY_TEST_FLAG", "true")
	if !Bool("RELAY_TEST_FLAG", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("RELAY_TEST_FLAG", "nope")
	if Bool("RELAY_TEST_FLAG", false) {
		t.Fatalf("expected fallback for invalid value")
	}
}
