package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cuemby/tempo/pkg/log"
	"github.com/cuemby/tempo/pkg/types"
)

// UserLookup is the contract the core provides to the auth
// collaborator: resolve a username to a user, case-sensitively.
type UserLookup interface {
	FindByUsername(name string) (*types.User, bool)
}

// Handler serves /api/auth/login.
type Handler struct {
	users  UserLookup
	tokens *TokenManager
}

// NewHandler wires the login endpoint to a user lookup and token
// manager.
func NewHandler(users UserLookup, tokens *TokenManager) *Handler {
	return &Handler{users: users, tokens: tokens}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string    `json:"token"`
	User  userDescr `json:"user"`
}

type userDescr struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ServeHTTP handles POST {"username","password"} and returns a bearer
// token plus user descriptor, or an HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	user, ok := h.users.FindByUsername(req.Username)
	if !ok || !VerifyPassword(req.Password, user.PassSalt, user.PassHash) {
		// Same status for unknown user and wrong password.
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	st, err := h.tokens.Issue(user.ID, DefaultTokenTTL)
	if err != nil {
		logger := log.WithComponent("auth")
		logger.Error().Err(err).Msg("token generation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{
		Token: st.Token,
		User:  userDescr{ID: user.ID.String(), Username: user.Username},
	})
}

// BearerToken extracts a token from the Authorization header or the
// token query parameter (the renderer cannot set headers on a
// WebSocket dial).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
