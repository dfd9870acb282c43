package core

import (
	"crypto/rand"
	"strings"
	"unicode/utf8"
)

// roomCodeAlphabet excludes I, O, 0 and 1 for readability.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	maxRoomIDLength   = 8
	roomCodeLength    = 6
	maxRoomNameLength = 32
	maxPasswordLength = 64
	maxNicknameLength = 24
)

// NormalizeRoomID uppercases s, strips everything that is not A-Z or 0-9 and
// clamps the result to 8 characters. The result may be empty; callers then
// generate a fresh code. Normalization is idempotent.
func NormalizeRoomID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == maxRoomIDLength {
			break
		}
	}
	return b.String()
}

// GenerateRoomCode returns a random 6-character code from the room alphabet.
func GenerateRoomCode() string {
	var raw [roomCodeLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms; a zeroed buffer
		// still yields a valid (if predictable) code.
		_ = err
	}
	out := make([]byte, roomCodeLength)
	for i, b := range raw {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out)
}

// trimClamp trims whitespace and clamps to maxLen runes, never splitting a
// multi-byte character.
func trimClamp(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}
