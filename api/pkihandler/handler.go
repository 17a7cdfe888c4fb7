package pkihandler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/federated-kms/api"
	"github.com/ruteri/federated-kms/kms"
)

// Handler serves the public key directory. Lookups are not gated by bearer
// tokens or provisioning state.
type Handler struct {
	directory *kms.Directory
	sweeper   *kms.Sweeper
	log       *slog.Logger
}

// NewHandler creates a directory handler. sweeper may be nil.
//
// Parameters:
//   - directory: public key lookup over the record store
//   - sweeper: expiry sweep run before every lookup
//   - log: Structured logger for operational insights
func NewHandler(directory *kms.Directory, sweeper *kms.Sweeper, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		directory: directory,
		sweeper:   sweeper,
		log:       log,
	}
}

// RegisterRoutes registers GET /KMS/get_public_key.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/KMS/get_public_key", h.HandleGetPublicKey)
}

// HandleGetPublicKey looks up a published public key by key name identifier
// or, failing that, by the owner's mail address.
//
// URL format: GET /KMS/get_public_key?keynameid=<id> or ?mail=<address>
//
// Response: api.Response with task "usePubKey", pubkey and keyNameId, or
// with error and todo. Both are sent with status 200.
func (h *Handler) HandleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.sweeper != nil {
		h.sweeper.Sweep(r.Context())
	}

	query := r.URL.Query()
	entry, err := h.directory.Lookup(r.Context(), query.Get(api.QueryKeyNameID), query.Get(api.QueryMail))

	var resp api.Response
	if err != nil {
		perr := kms.AsProtocolError(err)
		resp = api.Response{Error: perr.Message, Todo: perr.Todo}
	} else {
		resp = api.Response{
			Task:              string(kms.TaskUsePubKey),
			PublicKey:         entry.PublicKey,
			KeyNameIdentifier: entry.KeyNameIdentifier,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
