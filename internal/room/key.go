// ABOUTME: Deterministic room key derivation for pairwise conversations
// ABOUTME: Maps an unordered pair of participant ids to one stable string and back

package room

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the two participant ids in a room key. It is rejected
// inside participant ids so that keys stay collision-free.
const Separator = "_"

// Room key errors
var (
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrNotParticipant     = errors.New("participant not in room")
)

// Key derives the room key for the conversation between a and b.
// Key(a, b) == Key(b, a) for every valid pair, and distinct unordered pairs
// never share a key.
func Key(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	if err := validateID(a); err != nil {
		return "", err
	}
	if err := validateID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: self-conversation with %q", ErrInvalidParticipant, a)
	}

	if less(b, a) {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Parse splits a room key into its two participants in canonical order.
// Only strings produced by Key are accepted.
func Parse(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed room key %q", ErrInvalidParticipant, key)
	}

	canonical, err := Key(a, b)
	if err != nil {
		return "", "", err
	}
	if canonical != key {
		return "", "", fmt.Errorf("%w: non-canonical room key %q", ErrInvalidParticipant, key)
	}
	return a, b, nil
}

// Contains reports whether participant is one of the two ids in key.
func Contains(key, participant string) bool {
	a, b, err := Parse(key)
	if err != nil {
		return false
	}
	return participant == a || participant == b
}

// Peer returns the participant of key that is not self.
func Peer(key, self string) (string, error) {
	a, b, err := Parse(key)
	if err != nil {
		return "", err
	}
	switch self {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q in %q", ErrNotParticipant, self, key)
	}
}

// ValidateParticipant reports whether id can be used as-is as one side of
// a room key: non-empty, free of the separator and surrounding whitespace.
func ValidateParticipant(id string) error {
	if id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: id %q has surrounding whitespace", ErrInvalidParticipant, id)
	}
	return validateID(id)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidParticipant)
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: id %q contains %q", ErrInvalidParticipant, id, Separator)
	}
	return nil
}

// less orders ids so that the canonical form of numeric ids matches their
// numeric order ("7" < "12"). Numeric ids sort before non-numeric ones.
func less(x, y string) bool {
	xn, yn := isCanonicalNumber(x), isCanonicalNumber(y)
	switch {
	case xn && yn:
		if len(x) != len(y) {
			return len(x) < len(y)
		}
		return x < y
	case xn:
		return true
	case yn:
		return false
	default:
		return x < y
	}
}

// isCanonicalNumber reports whether s is a non-negative decimal integer
// without leading zeros. "007" is treated as an opaque string so that it
// cannot alias "7".
func isCanonicalNumber(s string) bool {
	if s == "" {
		return false
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
