package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"leasehold.org/internal/obs"
	"leasehold.org/internal/rbac"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// ActorClaims carries the already authenticated actor. Tokens are issued by
// the identity service; this package only verifies them.
type ActorClaims struct {
	Kind           string `json:"kind"`
	Email          string `json:"email,omitempty"`
	OrganizationID string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// Tokens verifies HS256 actor tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokens(secret, issuer string) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("token issuer is required")
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for actor. The service never calls it on the request
// path; it exists for tooling and tests.
func (t *Tokens) Issue(actor rbac.Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", errors.New("actor id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := t.now().UTC()
	claims := ActorClaims{
		Kind:           string(actor.Kind),
		Email:          actor.Email,
		OrganizationID: actor.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the actor.
func (t *Tokens) Verify(token string) (rbac.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return rbac.Actor{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &ActorClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return rbac.Actor{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*ActorClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return rbac.Actor{}, ErrInvalidToken
	}
	actor := rbac.Actor{
		ID:             claims.Subject,
		Kind:           rbac.ActorKind(claims.Kind),
		Email:          claims.Email,
		OrganizationID: claims.OrganizationID,
	}
	if actor.Kind != "" && !actor.Kind.Valid() {
		return rbac.Actor{}, ErrInvalidToken
	}
	return actor, nil
}

type actorKey struct{}
type requestCacheKey struct{}

// ActorFromContext returns the actor attached by the authentication middleware.
func ActorFromContext(ctx context.Context) (rbac.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(rbac.Actor)
	return a, ok
}

func requestCache(ctx context.Context) *rbac.RequestCache {
	rc, _ := ctx.Value(requestCacheKey{}).(*rbac.RequestCache)
	return rc
}

// withActor authenticates the bearer token and prepares per-request
// authorization state: the actor, a fresh grants memo and audit metadata.
func (a *API) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication unavailable")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="leasehold"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		actor, err := a.tokens.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="leasehold", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		ctx = context.WithValue(ctx, requestCacheKey{}, rbac.NewRequestCache())
		ctx = rbac.ContextWithRequestInfo(ctx, rbac.RequestInfo{
			RequestID: obs.RequestIDFromContext(ctx),
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
