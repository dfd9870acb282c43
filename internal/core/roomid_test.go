package core

import (
	"strings"
	"testing"
)

func TestNormalizeRoomID(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"Movie Night!", "MOVIENIG"},
		{"abc123", "ABC123"},
		{"  ab-cd ", "ABCD"},
		{"!!!", ""},
		{"", ""},
		{"toolongroomidentifier", "TOOLONGR"},
	}
	for _, tc := range cases {
		if got := NormalizeRoomID(tc.in); got != tc.want {
			t.Errorf("NormalizeRoomID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRoomIDIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"Movie Night!", "abc123", "x", "ALREADY99"} {
		once := NormalizeRoomID(in)
		if twice := NormalizeRoomID(once); twice != once {
			t.Errorf("normalize not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}

func TestGenerateRoomCodeShapeAndAlphabet(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code := GenerateRoomCode()
		if len(code) != 6 {
			t.Fatalf("code length = %d, want 6", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(roomCodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		if code != NormalizeRoomID(code) {
			t.Fatalf("generated code %q must already be normalized", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 100 {
		t.Fatalf("suspiciously low code variety: %d distinct of 200", len(seen))
	}
}
