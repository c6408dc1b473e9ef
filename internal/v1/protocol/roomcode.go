package protocol

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// Room codes use an alphabet with the ambiguous glyphs 0, 1, I, L and O
// removed, so codes survive being read aloud or retyped from a screenshot.
const (
	RoomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	RoomCodeLength   = 6
)

var roomCodePattern = regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{6}$`)

// NewRoomCode generates a random room code from a cryptographically strong
// source.
func NewRoomCode() (string, error) {
	buf := make([]byte, RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	code := make([]byte, RoomCodeLength)
	for i, b := range buf {
		code[i] = RoomCodeAlphabet[int(b)%len(RoomCodeAlphabet)]
	}
	return string(code), nil
}

// NormalizeRoomCode upper-cases and trims a client-supplied code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode reports whether a normalised code is well-formed.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}
