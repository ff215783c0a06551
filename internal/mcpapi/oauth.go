package mcpapi

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-systems/orchestrator/internal/store"
)

const (
	authCodeTTL = 10 * time.Minute
	oauthKey    = "state"
)

// clientRecord is one dynamically-registered OAuth client.
type clientRecord struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	RedirectURIs []string  `json:"redirect_uris"`
	ClientName   string    `json:"client_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// authCode is one issued, single-use authorization code.
type authCode struct {
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// refreshTokenRecord is one issued refresh token, stored hashed.
type refreshTokenRecord struct {
	Hash     string `json:"hash"`
	ClientID string `json:"client_id"`
}

// oauthState is the single persisted snapshot of every dynamic client,
// live authorization code, and issued refresh token, mirroring
// AlertManager's single-key store.Collection persistence pattern.
type oauthState struct {
	Clients       map[string]clientRecord       `json:"clients"`
	Codes         map[string]authCode           `json:"codes"`
	RefreshTokens map[string]refreshTokenRecord `json:"refresh_tokens"`
}

// OAuthServer implements the dynamic-client-registration, authorization,
// and token endpoints backing the chat-tool surface's OAuth 2.1 connector.
// The authorization endpoint auto-approves every request: this is a
// single-user deployment, so there is no consent screen to render.
type OAuthServer struct {
	tokens  *TokenManager
	baseURL string
	state   *store.Collection[string, oauthState]
}

// NewOAuthServer constructs an OAuthServer. stateFilePath persists to
// oauth-state.json; baseURL is this server's externally reachable origin,
// used to build the metadata document's endpoint URLs.
func NewOAuthServer(tokens *TokenManager, baseURL, stateFilePath string) (*OAuthServer, error) {
	coll := store.NewCollection[string, oauthState](store.CollectionConfig{FilePath: stateFilePath, Name: "oauth-state"})
	if err := coll.EnsureDir(); err != nil {
		return nil, err
	}
	if err := coll.Load(); err != nil {
		return nil, err
	}
	if _, ok := coll.Get(oauthKey); !ok {
		_ = coll.Put(oauthKey, oauthState{
			Clients:       make(map[string]clientRecord),
			Codes:         make(map[string]authCode),
			RefreshTokens: make(map[string]refreshTokenRecord),
		})
	}
	return &OAuthServer{tokens: tokens, baseURL: baseURL, state: coll}, nil
}

func (s *OAuthServer) mutate(fn func(st *oauthState)) error {
	return s.state.Mutate(func(items map[string]oauthState) error {
		st := items[oauthKey]
		fn(&st)
		items[oauthKey] = st
		return nil
	})
}

func (s *OAuthServer) snapshot() oauthState {
	st, _ := s.state.Get(oauthKey)
	return st
}

// HandleMetadata serves GET /.well-known/oauth-authorization-server.
func (s *OAuthServer) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSONBody(w, http.StatusOK, map[string]any{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + "/oauth/authorize",
		"token_endpoint":                        s.baseURL + "/oauth/token",
		"registration_endpoint":                 s.baseURL + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

type registerRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// HandleRegister serves POST /oauth/register: dynamic client registration.
func (s *OAuthServer) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) == 0 {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}

	client := clientRecord{
		ClientID:     uuid.NewString(),
		ClientSecret: uuid.NewString(),
		RedirectURIs: req.RedirectURIs,
		ClientName:   req.ClientName,
		CreatedAt:    time.Now(),
	}
	if err := s.mutate(func(st *oauthState) { st.Clients[client.ClientID] = client }); err != nil {
		writeJSONBody(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSONBody(w, http.StatusCreated, map[string]any{
		"client_id":                client.ClientID,
		"client_secret":            client.ClientSecret,
		"redirect_uris":            client.RedirectURIs,
		"client_name":              client.ClientName,
		"token_endpoint_auth_method": "none",
	})
}

// HandleAuthorize serves GET /oauth/authorize. It validates the client and
// redirect URI, then auto-approves: it mints a code immediately and
// redirects back with no consent step.
func (s *OAuthServer) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	state := q.Get("state")

	snap := s.snapshot()
	client, ok := snap.Clients[clientID]
	if !ok || !containsString(client.RedirectURIs, redirectURI) {
		http.Error(w, "unknown client or redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || codeChallenge == "" {
		http.Error(w, "code_challenge_method must be S256", http.StatusBadRequest)
		return
	}

	code := uuid.NewString()
	if err := s.mutate(func(st *oauthState) {
		st.Codes[code] = authCode{
			ClientID: clientID, RedirectURI: redirectURI,
			CodeChallenge: codeChallenge, ExpiresAt: time.Now().Add(authCodeTTL),
		}
	}); err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	dest := redirectURI + "?code=" + code
	if state != "" {
		dest += "&state=" + state
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleToken serves POST /oauth/token: the authorization_code and
// refresh_token grants.
func (s *OAuthServer) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.exchangeRefreshToken(w, r)
	default:
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *OAuthServer) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	clientID := r.PostForm.Get("client_id")

	snap := s.snapshot()
	entry, ok := snap.Codes[code]
	if !ok || entry.ClientID != clientID || time.Now().After(entry.ExpiresAt) {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if !verifyPKCE(verifier, entry.CodeChallenge) {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
		return
	}
	_ = s.mutate(func(st *oauthState) { delete(st.Codes, code) }) // single-use

	s.issueTokens(w, clientID)
}

func (s *OAuthServer) exchangeRefreshToken(w http.ResponseWriter, r *http.Request) {
	plain := r.PostForm.Get("refresh_token")
	clientID := r.PostForm.Get("client_id")

	snap := s.snapshot()
	record, ok := snap.RefreshTokens[clientID]
	if !ok {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	valid, err := s.tokens.VerifyRefreshToken(plain, record.Hash)
	if err != nil || !valid {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	s.issueTokens(w, clientID)
}

func (s *OAuthServer) issueTokens(w http.ResponseWriter, clientID string) {
	access, expiresAt, err := s.tokens.GenerateAccessToken(clientID)
	if err != nil {
		writeJSONBody(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	refreshPlain, refreshHash, err := s.tokens.GenerateRefreshToken()
	if err != nil {
		writeJSONBody(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	if err := s.mutate(func(st *oauthState) {
		st.RefreshTokens[clientID] = refreshTokenRecord{Hash: refreshHash, ClientID: clientID}
	}); err != nil {
		writeJSONBody(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}

	writeJSONBody(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(time.Until(expiresAt).Seconds()),
		"refresh_token": refreshPlain,
	})
}

func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func writeJSONBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
