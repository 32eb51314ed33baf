package rewardsd

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
	JWTIssuer   string
	ClockSkew   time.Duration
}

// Authenticator validates incoming admin requests with a static bearer token or an
// HS256 JWT signed with the shared secret.
type Authenticator struct {
	bearerToken string
	secret      []byte
	issuer      string
	skew        time.Duration
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	if token == "" && secret == "" {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	auth := &Authenticator{bearerToken: token, issuer: strings.TrimSpace(cfg.JWTIssuer), skew: skew}
	if secret != "" {
		auth.secret = []byte(secret)
	}
	return auth, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if r == nil {
		return false
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return true
	}
	if len(a.secret) > 0 && a.validJWT(token) {
		return true
	}
	return false
}

func (a *Authenticator) validJWT(raw string) bool {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return a.secret, nil
	}, opts...)
	return err == nil && token.Valid
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
