// Package jwt issues and checks the Ed25519 service tokens guarding the index API.
// A token names the services it is for (aud) and the operations it may run (scope).
package jwt

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/models"
)

// Scopes granted to service tokens
const (
	ScopeRead  = "read"  // search, fetch, sample, stats
	ScopeWrite = "write" // add, update, delete, upsert
	ScopeAdmin = "admin" // reset, implies the other scopes
)

const (
	defaultTokenTTL = 5 * time.Minute
	claimsKey       = "index_token"
)

var (
	ErrNoSigningKey = errors.New("no private key configured, tokens cannot be issued")
	ErrNoVerifyKey  = errors.New("no public key configured, tokens cannot be checked")
	ErrIssuer       = errors.New("issuer not allowed")
)

// Config holds JWT configuration
type Config struct {
	Issuer           string
	Audience         string
	PublicKeyPath    string
	PrivateKeyPath   string
	PublicKeyInline  interface{} // PEM text, or its lines as a list
	PrivateKeyInline interface{}
	TokenTTL         int // seconds
}

// JWTAuth signs tokens for this index and checks tokens presented to it
type JWTAuth struct {
	issuer     string
	audience   string
	ttl        time.Duration
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	parser     *jwt.Parser
}

// Claims are the registered claims plus the granted scopes
type Claims struct {
	Scopes []string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope. Admin implies every scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope) || slices.Contains(c.Scopes, ScopeAdmin)
}

// NewJWTAuth loads the configured keys. Either key may be absent: a server needs only the
// public key and the token command only the private key.
func NewJWTAuth(cfg Config) (*JWTAuth, error) {
	auth := &JWTAuth{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      time.Duration(cfg.TokenTTL) * time.Second,
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	auth.parser = jwt.NewParser(opts...)
	if auth.ttl <= 0 {
		auth.ttl = defaultTokenTTL
	}

	pub, source, err := readPEM("public", cfg.PublicKeyInline, cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		key, err := x509.ParsePKIXPublicKey(pub.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key from %s: %w", source, err)
		}
		edKey, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key from %s is %T, not Ed25519", source, key)
		}
		auth.publicKey = edKey
	}

	priv, source, err := readPEM("private", cfg.PrivateKeyInline, cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	if priv != nil {
		key, err := x509.ParsePKCS8PrivateKey(priv.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key from %s: %w", source, err)
		}
		edKey, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key from %s is %T, not Ed25519", source, key)
		}
		auth.privateKey = edKey
	}

	log.WithFields(log.Fields{
		"issuer":   auth.issuer,
		"audience": auth.audience,
		"ttl":      auth.ttl,
		"verify":   auth.publicKey != nil,
		"sign":     auth.privateKey != nil,
	}).Info("Token auth ready")

	return auth, nil
}

// readPEM decodes the inline key when set, else the key file when a path is set.
// It returns a nil block when neither is configured.
func readPEM(kind string, inline interface{}, path string) (*pem.Block, string, error) {
	var (
		data   []byte
		source string
	)
	switch v := inline.(type) {
	case nil:
		if path == "" {
			return nil, "", nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s key: %w", kind, err)
		}
		data, source = b, path
	case string:
		// single-line values carry escaped newlines
		data, source = []byte(strings.ReplaceAll(v, `\n`, "\n")), "inline config"
	case []string:
		data, source = []byte(strings.Join(v, "\n")), "inline config"
	case []interface{}:
		lines := make([]string, len(v))
		for i, line := range v {
			s, ok := line.(string)
			if !ok {
				return nil, "", fmt.Errorf("inline %s key line %d is %T, not a string", kind, i+1, line)
			}
			lines[i] = s
		}
		data, source = []byte(strings.Join(lines, "\n")), "inline config"
	default:
		return nil, "", fmt.Errorf("inline %s key has unsupported type %T", kind, inline)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, "", fmt.Errorf("no PEM block in %s key from %s", kind, source)
	}
	return block, source, nil
}

// GenerateToken issues a token for audience granting scopes. An empty audience means
// this index's own audience.
func (a *JWTAuth) GenerateToken(audience string, scopes ...string) (string, error) {
	if a.privateKey == nil {
		return "", ErrNoSigningKey
	}
	if audience == "" {
		audience = a.audience
	}

	now := time.Now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	log.WithFields(log.Fields{
		"aud":   audience,
		"jti":   claims.ID,
		"scope": scopes,
	}).Debug("Issued token")
	return signed, nil
}

// VerifyToken checks signature, audience and expiry, then the issuer against
// allowedIssuers when that list is not empty.
func (a *JWTAuth) VerifyToken(token string, allowedIssuers []string) (*Claims, error) {
	if a.publicKey == nil {
		return nil, ErrNoVerifyKey
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if len(allowedIssuers) > 0 && !slices.Contains(allowedIssuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: %q", ErrIssuer, claims.Issuer)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the claims for
// RequireScope
func (a *JWTAuth) Middleware(allowedIssuers []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			reject(c, http.StatusUnauthorized, "Bearer token required", nil)
			return
		}

		claims, err := a.VerifyToken(token, allowedIssuers)
		if err != nil {
			reject(c, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireScope rejects requests whose token lacks scope. It runs after Middleware.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Value(claimsKey).(*Claims)
		if !ok {
			reject(c, http.StatusUnauthorized, "Bearer token required", nil)
			return
		}
		if !claims.HasScope(scope) {
			reject(c, http.StatusForbidden, fmt.Sprintf("Token lacks the %q scope", scope), nil)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func reject(c *gin.Context, status int, message string, err error) {
	fields := log.Fields{
		"ip":     c.ClientIP(),
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
		"status": status,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	log.WithFields(fields).Warn(message)

	resp := models.ErrorResponse{Error: http.StatusText(status), Message: message, Code: status}
	if err != nil {
		resp.Message = message + ": " + err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}
