package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/oklog/ulid/v2"

	"github.com/mcpgate/mcpgate/clientstore"
)

type registrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// handleRegister performs dynamic client registration. Registration is
// unattended, so only public clients are issued: no secret ever exists to
// leak.
func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "at least one redirect_uri is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be absolute URIs without fragments")
			return
		}
	}
	name := req.ClientName
	if name == "" {
		name = "Unnamed client"
	}

	client := clientstore.Client{
		ID:           ulid.Make().String(),
		Name:         name,
		RedirectURIs: req.RedirectURIs,
		AuthMethod:   clientstore.AuthMethodNone,
		CreatedAt:    b.now(),
	}
	if err := b.clients.Put(ctx, client); err != nil {
		b.log.ErrorContext(ctx, "register.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to store client registration")
		return
	}

	b.log.InfoContext(ctx, "register.ok", slog.String("client_id", client.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                client.ID,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.AuthMethod,
	})
}
