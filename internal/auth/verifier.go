// Package auth verifies connection credentials and checks session liveness
// against the business-logic session store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential rejects connections whose bearer token does not
// verify. Wrapped around the underlying parse error.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
	// Elevated principals may see cross-tenant aggregates and the global
	// event channel.
	Elevated bool
}

// realmAccess is the nested role structure in Keycloak-style tokens.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// tokenClaims extends jwt.RegisteredClaims with the platform claims.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	TenantID          string      `json:"tenant_id"`
	RealmAccessField  realmAccess `json:"realm_access"`
}

// Verifier validates bearer JWTs against a JWKS endpoint and maps claims to
// a Principal.
type Verifier struct {
	keyfn        jwt.Keyfunc
	jwks         *keyfunc.JWKS
	issuer       string
	elevatedRole string
}

// VerifierConfig carries the JWKS endpoint and claim mapping settings.
type VerifierConfig struct {
	JWKSURL string
	// Issuer, when set, is enforced on every token.
	Issuer string
	// ElevatedRole is the realm role granting global scope.
	ElevatedRole string
}

// NewVerifier fetches and caches the JWKS, retrying while the identity
// provider starts up.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", cfg.JWKSURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}

	return &Verifier{
		keyfn:        jwks.Keyfunc,
		jwks:         jwks,
		issuer:       cfg.Issuer,
		elevatedRole: cfg.ElevatedRole,
	}, nil
}

// NewVerifierWithKeyfunc builds a verifier around an arbitrary key function.
// Used by tests and by deployments with static signing keys.
func NewVerifierWithKeyfunc(keyfn jwt.Keyfunc, issuer, elevatedRole string) *Verifier {
	return &Verifier{keyfn: keyfn, issuer: issuer, elevatedRole: elevatedRole}
}

// Verify parses and validates a bearer token, yielding the Principal. Any
// failure maps to ErrInvalidCredential; callers reject the connection before
// any room join or presence registration.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	claims := &tokenClaims{}
	parseOpts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfn, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredential
	}

	userID := claims.Subject
	if claims.PreferredUsername != "" {
		userID = claims.PreferredUsername
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no subject", ErrInvalidCredential)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: token carries no tenant", ErrInvalidCredential)
	}

	p := &Principal{
		UserID:   userID,
		TenantID: claims.TenantID,
		Roles:    claims.RealmAccessField.Roles,
	}
	for _, role := range p.Roles {
		if v.elevatedRole != "" && role == v.elevatedRole {
			p.Elevated = true
			break
		}
	}
	return p, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
