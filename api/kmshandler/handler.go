package kmshandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/federated-kms/api"
	"github.com/ruteri/federated-kms/kms"
	"golang.org/x/time/rate"
)

// Config tunes the HTTP surface of the provisioning endpoints.
type Config struct {
	// AllowedOrigins may call the token-gated endpoints cross-origin.
	AllowedOrigins []string

	// RateLimit and RateBurst size the per-IP token bucket on GET /KMS and
	// POST /KMS/ACS. A non-positive RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// MaxBodyBytes caps POST bodies.
	MaxBodyBytes int64
}

func DefaultConfig() Config {
	return Config{
		RateLimit:    5,
		RateBurst:    20,
		MaxBodyBytes: 64 << 10,
	}
}

// Handler serves the federated login and the token-gated provisioning steps.
//
// Every endpoint first runs the expiry sweep. Application-level failures are
// answered with status 200 and an api.Response carrying error and todo;
// only GET /KMS answers with a redirect.
type Handler struct {
	provisioner *kms.Provisioner
	sweeper     *kms.Sweeper
	limiter     *IPRateLimiter
	cfg         Config
	log         *slog.Logger
}

// NewHandler creates the handler. sweeper may be nil when expired records
// are removed elsewhere, e.g. by native TTLs.
func NewHandler(provisioner *kms.Provisioner, sweeper *kms.Sweeper, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	h := &Handler{
		provisioner: provisioner,
		sweeper:     sweeper,
		cfg:         cfg,
		log:         log,
	}
	if cfg.RateLimit > 0 {
		h.limiter = NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return h
}

// RegisterRoutes registers:
//   - GET /KMS: redirect to the identity provider
//   - POST /KMS/ACS: identity provider callback
//   - POST, OPTIONS /KMS/send_pub_key
//   - POST, OPTIONS /KMS/solve_challenge
//   - POST, OPTIONS /KMS/send_wrapped_key
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.With(h.rateLimit).Get("/KMS", h.HandleLogin)
		r.With(h.rateLimit, MaxBodyBytes(h.cfg.MaxBodyBytes)).Post("/KMS/ACS", h.HandleACS)

		r.Group(func(r chi.Router) {
			r.Use(CORS(h.cfg.AllowedOrigins), MaxBodyBytes(h.cfg.MaxBodyBytes))

			r.Post("/KMS/send_pub_key", h.HandleSendPubKey)
			r.Post("/KMS/solve_challenge", h.HandleSolveChallenge)
			r.Post("/KMS/send_wrapped_key", h.HandleSendWrappedKey)

			r.Options("/KMS/send_pub_key", HandleOptions)
			r.Options("/KMS/solve_challenge", HandleOptions)
			r.Options("/KMS/send_wrapped_key", HandleOptions)
		})
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(next)
}

// HandleLogin starts a federated login and redirects the user agent to the
// identity provider with 303 See Other.
//
// URL format: GET /KMS[?subject=<name>]
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	h.sweep(r)

	redirect, err := h.provisioner.BeginLogin(r.Context(), r.URL.Query().Get(api.QuerySubject))
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", redirect)
	w.WriteHeader(http.StatusSeeOther)
}

// HandleACS is the assertion consumer service. It verifies the identity
// provider's response, issues a bearer token and reports the next task:
// sendPubKey, solveChallenge with an encrypted challenge, or unwrap with the
// escrowed wrapped key and salt.
//
// URL format: POST /KMS/ACS, form fields SAMLResponse and RelayState
func (h *Handler) HandleACS(w http.ResponseWriter, r *http.Request) {
	h.sweep(r)

	if !h.parseForm(w, r) {
		return
	}

	outcome, err := h.provisioner.CompleteFederatedLogin(r.Context(),
		r.PostForm.Get(api.FormSAMLResponse),
		r.PostForm.Get(api.FormRelayState))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleSendPubKey stores the client's public key and answers with the
// challenge encrypted to it.
//
// URL format: POST /KMS/send_pub_key, header Authorization: bearer <token>,
// form field pubKey
func (h *Handler) HandleSendPubKey(w http.ResponseWriter, r *http.Request) {
	h.sweep(r)

	if !h.parseForm(w, r) {
		return
	}

	outcome, err := h.provisioner.SubmitPublicKey(r.Context(), r.Header.Get(api.HeaderAuthorization), formValue(r, api.FormPublicKey))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleSolveChallenge checks the decrypted challenge and answers with the
// salt for deriving the wrapping key.
//
// URL format: POST /KMS/solve_challenge, header Authorization: bearer <token>,
// form field solvedChallenge
func (h *Handler) HandleSolveChallenge(w http.ResponseWriter, r *http.Request) {
	h.sweep(r)

	if !h.parseForm(w, r) {
		return
	}

	outcome, err := h.provisioner.SubmitChallengeSolution(r.Context(), r.Header.Get(api.HeaderAuthorization), formValue(r, api.FormSolvedChallenge))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleSendWrappedKey escrows the wrapped key.
//
// URL format: POST /KMS/send_wrapped_key, header Authorization: bearer <token>,
// form field wrappedKey
func (h *Handler) HandleSendWrappedKey(w http.ResponseWriter, r *http.Request) {
	h.sweep(r)

	if !h.parseForm(w, r) {
		return
	}

	outcome, err := h.provisioner.SubmitWrappedKey(r.Context(), r.Header.Get(api.HeaderAuthorization), formValue(r, api.FormWrappedKey))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// HandleOptions answers CORS preflight requests with an empty body.
func HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) sweep(r *http.Request) {
	if h.sweeper != nil {
		h.sweeper.Sweep(r.Context())
	}
}

// parseForm parses the body and answers oversized or malformed bodies.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	err := r.ParseForm()
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		h.log.Info("request body too large", "path", r.URL.Path, "limit", maxErr.Limit)
		h.writeJSON(w, &api.Response{Error: "request body too large"})
		return false
	}
	h.log.Info("malformed request body", "path", r.URL.Path, "err", err)
	h.writeJSON(w, &api.Response{Error: "malformed request body"})
	return false
}

// formValue reads a base64 form field. Unencoded '+' characters arrive as
// spaces and are restored.
func formValue(r *http.Request, name string) string {
	return strings.ReplaceAll(r.PostForm.Get(name), " ", "+")
}

func (h *Handler) writeOutcome(w http.ResponseWriter, outcome *kms.Outcome) {
	h.writeJSON(w, &api.Response{
		Task:        string(outcome.Task),
		AccessToken: outcome.AccessToken,
		Challenge:   outcome.Challenge,
		Salt:        outcome.Salt,
		WrappedKey:  outcome.WrappedKey,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	perr := kms.AsProtocolError(err)
	h.writeJSON(w, &api.Response{
		Error:       perr.Message,
		Todo:        perr.Todo,
		AccessToken: perr.AccessToken,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp *api.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
