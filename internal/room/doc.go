// Package room derives conversation identities for direct messages.
//
// A room key names the conversation between exactly two participants. It is
// computed, never stored on its own: sort the pair, join with "_".
//
//	key, _ := room.Key("12", "7") // "7_12"
//
// Numeric ids sort numerically so that keys match those issued by existing
// clients. Self-conversations and ids containing the separator are rejected
// with ErrInvalidParticipant.
package room
