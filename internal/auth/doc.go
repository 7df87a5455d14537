// Package auth authenticates chat participants.
//
// Participants present an HS256 JWT whose "sub" claim is their participant
// id. Tokens are signed with the configured auth.jwt_secret, which must be
// at least MinSecretLength bytes:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("7", 24*time.Hour)
//
// HTTPAuthMiddleware accepts "Authorization: Bearer <token>" or, for
// WebSocket and EventSource clients, a ?token= query parameter. Handlers
// read the participant with FromContext and check ActsAs before sending on
// someone's behalf.
package auth
