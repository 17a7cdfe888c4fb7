/*
Package api holds the types shared by the key escrow service's HTTP layer.

The subpackages split the surface the way the service is deployed:

  - server: HTTP server lifecycle with liveness, readiness, drain, pprof and metrics
  - kmshandler: the federated login and the token-gated provisioning steps
  - pkihandler: the unauthenticated public key directory

# Provisioning flow

A user agent is sent to GET /KMS, which redirects it to the identity
provider. The identity provider posts its response to /KMS/ACS, which answers
with a bearer token and the next task:

	{"task":"sendPubKey","accesstoken":"..."}

The client then walks the remaining steps, each authorized with
"Authorization: bearer <accesstoken>":

	POST /KMS/send_pub_key      pubKey=<JWK>              -> {"task":"solveChallenge","challenge":"..."}
	POST /KMS/solve_challenge   solvedChallenge=<base64>  -> {"task":"sendWrappedKey","salt":"..."}
	POST /KMS/send_wrapped_key  wrappedKey=<base64>       -> {"task":"ready"}

A later login answers {"task":"unwrap","wrappedKey":"...","salt":"..."}.

Every application-level failure is answered with status 200 and a JSON body
carrying "error" and, where the client can act on it, "todo". Only the
redirect from GET /KMS uses a non-200 status.
*/
package api
