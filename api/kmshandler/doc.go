// Package kmshandler serves the key escrow protocol over HTTP and provides a
// Go client for it.
//
// Key components:
//   - Handler: GET /KMS, POST /KMS/ACS and the token-gated provisioning steps
//   - Client: submits public keys, challenge solutions and wrapped keys
//   - SecurityHeaders, CORS, MaxBodyBytes and IPRateLimiter middleware
//
// A client that already holds an access token runs the remaining steps:
//
//	c := kmshandler.NewClient("https://kms.example.com")
//	resp, err := c.SendPublicKey(ctx, token, jwk)
//	// decrypt resp.Challenge with the private key
//	resp, err = c.SolveChallenge(ctx, token, solved)
//	// derive the wrapping key from resp.Salt
//	_, err = c.SendWrappedKey(ctx, token, wrapped)
//
// Failures reported by the server come back as *ResponseError.
package kmshandler
