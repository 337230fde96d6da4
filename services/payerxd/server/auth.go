package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// Credential binds a static API key to an account.
type Credential struct {
	Name    string
	Account common.Address
	APIKey  string
}

// AuthConfig configures API key and JWT authentication.
type AuthConfig struct {
	Credentials []Credential
	JWTSecret   string
	Issuer      string
	ClockSkew   time.Duration
}

// Principal is the authenticated caller. Account is the address every
// state-changing request acts as.
type Principal struct {
	Name    string
	Account common.Address
	Method  string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// Authenticator resolves bearer credentials into principals.
type Authenticator struct {
	keys      []Credential
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	auth := &Authenticator{
		secret:    []byte(strings.TrimSpace(cfg.JWTSecret)),
		issuer:    strings.TrimSpace(cfg.Issuer),
		clockSkew: cfg.ClockSkew,
	}
	if auth.clockSkew <= 0 {
		auth.clockSkew = 30 * time.Second
	}
	for _, cred := range cfg.Credentials {
		key := strings.TrimSpace(cred.APIKey)
		if key == "" {
			continue
		}
		if cred.Account == (common.Address{}) {
			return nil, fmt.Errorf("credential %q: account required", cred.Name)
		}
		auth.keys = append(auth.keys, Credential{Name: strings.TrimSpace(cred.Name), Account: cred.Account, APIKey: key})
	}
	if len(auth.keys) == 0 && len(auth.secret) == 0 {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return auth, nil
}

// Middleware enforces authentication and stores the principal in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, r, http.StatusInternalServerError, "internal", "authentication unavailable")
			return
		}
		principal, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, error) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, errors.New("authentication required")
	}
	if principal := a.authenticateByKey(token); principal != nil {
		return principal, nil
	}
	if len(a.secret) == 0 {
		return nil, errors.New("invalid credentials")
	}
	principal, err := a.authenticateByJWT(token)
	if err != nil {
		return nil, errors.New("invalid credentials")
	}
	return principal, nil
}

func (a *Authenticator) authenticateByKey(token string) *Principal {
	provided := []byte(token)
	var match *Credential
	for i := range a.keys {
		if subtle.ConstantTimeCompare(provided, []byte(a.keys[i].APIKey)) == 1 {
			match = &a.keys[i]
		}
	}
	if match == nil {
		return nil
	}
	return &Principal{Name: match.Name, Account: match.Account, Method: "api_key"}
}

func (a *Authenticator) authenticateByJWT(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(subject) {
		return nil, fmt.Errorf("subject %q is not an address", subject)
	}
	account := common.HexToAddress(subject)
	return &Principal{Name: account.Hex(), Account: account, Method: "jwt"}, nil
}

// IssueToken signs an HS256 token for account valid for ttl.
func (a *Authenticator) IssueToken(account common.Address, ttl time.Duration, now time.Time) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   account.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.issuer != "" {
		claims.Issuer = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
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
