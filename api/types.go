package api

// Response is the JSON body of every /KMS endpoint. Successful steps set
// Task; failures set Error and, where the client can act on it, Todo.
// Failures are still sent with status 200.
type Response struct {
	Task        string `json:"task,omitempty"`
	AccessToken string `json:"accesstoken,omitempty"`
	Challenge   string `json:"challenge,omitempty"`
	Salt        string `json:"salt,omitempty"`
	WrappedKey  string `json:"wrappedKey,omitempty"`

	// Set by the public key directory.
	PublicKey         string `json:"pubkey,omitempty"`
	KeyNameIdentifier string `json:"keyNameId,omitempty"`

	Error string `json:"error,omitempty"`
	Todo  string `json:"todo,omitempty"`
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != ""
}

// Form field and header names used by the provisioning endpoints.
const (
	FormPublicKey       = "pubKey"
	FormSolvedChallenge = "solvedChallenge"
	FormWrappedKey      = "wrappedKey"
	FormSAMLResponse    = "SAMLResponse"
	FormRelayState      = "RelayState"

	QueryKeyNameID = "keynameid"
	QueryMail      = "mail"
	QuerySubject   = "subject"

	HeaderAuthorization = "Authorization"
)
