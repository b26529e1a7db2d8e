package auth

import "testing"

func TestIsSessionShaped(t *testing.T) {
	cases := []struct {
		name string
		tok  string
		want bool
	}{
		{"Empty", "", false},
		{"Opaque", "abc", false},
		{"TwoSegments", "a.b", false},
		{"TwoSegmentsColon", "a:b", false},
		{"ThreeDotSegments", "header.payload.signature", true},
		{"ThreeColonSegments", "a:b:c", true},
		{"MixedDelimiters", "a.b:c", true},
		{"FourSegments", "a.b.c.d", false},
		{"EmptyMiddleSegment", "a..b.c", false},
		{"TrailingDelimiter", "a.b.c.", false},
		{"LeadingDelimiter", ".a.b.c", false},
		{"OnlyDelimiters", "..", false},
		{"UUIDStyle", "9f3c2d10-77aa-4b5e-9c0e-2f1a6b8d4e21", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSessionShaped(tc.tok); got != tc.want {
				t.Errorf("IsSessionShaped(%q) = %v, want %v", tc.tok, got, tc.want)
			}
		})
	}
}
