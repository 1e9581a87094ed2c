package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mendhq/mend/config"
	"github.com/mendhq/mend/server/api"
)

const tokenTTL = 24 * time.Hour

// authenticator validates credentials against the configured users and
// issues and verifies HS256 JWTs.
type authenticator struct {
	cfg    config.AuthConfig
	logger *slog.Logger

	secretOnce      sync.Once
	generatedSecret string
}

func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *authenticator {
	return &authenticator{cfg: cfg, logger: logger}
}

// secret returns the configured JWT secret, generating a process-local one
// if none is set. A generated secret invalidates tokens on restart, which
// is acceptable for single-node deployments.
func (a *authenticator) secret() []byte {
	if a.cfg.JWTSecret != "" {
		return []byte(a.cfg.JWTSecret)
	}
	a.secretOnce.Do(func() {
		b := make([]byte, 32)
		_, _ = rand.Read(b)
		a.generatedSecret = base64.RawURLEncoding.EncodeToString(b)
		a.logger.Warn("no jwt_secret configured; generated an ephemeral one")
	})
	return []byte(a.generatedSecret)
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin validates credentials and issues a JWT.
func (a *authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !a.checkCredentials(req.Username, req.Password) {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret())
	if err != nil {
		a.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// checkCredentials compares the password against the user's bcrypt hash.
func (a *authenticator) checkCredentials(username, password string) bool {
	for _, u := range a.cfg.Users {
		if u.Username != username {
			continue
		}
		return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
	}
	// Burn a comparison anyway so unknown usernames cost the same.
	_ = bcrypt.CompareHashAndPassword(
		[]byte("$2a$10$0000000000000000000000uGZwjcnsA2hkcEnMPyieGnUVhGKBO2y"), []byte(password))
	return false
}

// verify parses the token and returns its subject.
func (a *authenticator) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return a.secret(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return parsed.Claims.GetSubject()
}

// middleware enforces JWT authentication on wrapped handlers and places the
// username on the request context.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		subject, err := a.verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(api.ContextWithUser(r.Context(), subject)))
	})
}
