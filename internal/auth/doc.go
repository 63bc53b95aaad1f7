// Package auth provides authentication for the campusfind-messenger HTTP API.
//
// # Tokens
//
// Users authenticate with HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the user's uid and must be a well-formed uid:
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate("u1", 24*time.Hour)
//	uid, err := verifier.Verify(token)
//
// Tokens are issued out of band, for example with the "token" subcommand.
//
// # Middleware
//
// HTTPAuthMiddleware rejects requests without a valid bearer token with 401
// and stores the uid in the request context, where handlers read it with
// UIDFromContext.
package auth
