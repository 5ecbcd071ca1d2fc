package logging

import "testing"

func TestSensitive(t *testing.T) {
	cases := []struct {
		field string
		want  bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"db_password", true},
		{"api_key", true},
		{"access_token", true},
		{"authorization", true},
		{"path", false},
		{"pid", false},
		{"user", false},
	}
	for _, tc := range cases {
		if got := Sensitive(tc.field); got != tc.want {
			t.Errorf("Sensitive(%q) = %v, want %v", tc.field, got, tc.want)
		}
	}
}

func TestMaskPayload(t *testing.T) {
	payload := map[string]any{
		"path":     "/etc/shadow",
		"password": "hunter2",
		"pid":      42,
	}
	masked := MaskPayload(payload)

	if masked["password"] != MaskedValue {
		t.Fatalf("password = %v, want masked", masked["password"])
	}
	if masked["path"] != "/etc/shadow" || masked["pid"] != 42 {
		t.Fatalf("benign fields altered: %+v", masked)
	}
	// Original payload untouched.
	if payload["password"] != "hunter2" {
		t.Fatal("MaskPayload mutated its input")
	}
}

func TestMaskPayloadNil(t *testing.T) {
	if got := MaskPayload(nil); got != nil {
		t.Fatalf("MaskPayload(nil) = %v", got)
	}
}
