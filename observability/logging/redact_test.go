package logging

import "testing"

func TestShortAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"EbX9", RedactedValue},
		{"short", RedactedValue},
		{"EbGkB7pQxR2mNw4T", "EbGk...Nw4T"},
	}
	for _, tc := range cases {
		if got := ShortAddress(tc.in); got != tc.want {
			t.Fatalf("ShortAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("secret"); got != RedactedValue {
		t.Fatalf("expected placeholder got %q", got)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatalf("blank values must pass through, got %q", got)
	}
}
