package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhishengyuan/searchgram-index/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func keyPEMs(t *testing.T) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(pubPEM), string(privPEM)
}

func newTestAuth(t *testing.T) *JWTAuth {
	t.Helper()
	pub, priv := keyPEMs(t)
	auth, err := NewJWTAuth(Config{
		Issuer:           "bot",
		Audience:         "searchgram-index",
		PublicKeyInline:  pub,
		PrivateKeyInline: strings.Split(strings.TrimSpace(priv), "\n"),
	})
	require.NoError(t, err)
	return auth
}

func TestGenerateAndVerify(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.GenerateToken("", ScopeRead)
	require.NoError(t, err)

	claims, err := auth.VerifyToken(token, []string{"bot"})
	require.NoError(t, err)
	assert.Equal(t, "bot", claims.Issuer)
	assert.Equal(t, []string{ScopeRead}, claims.Scopes)
	assert.NotEmpty(t, claims.ID)

	_, err = auth.VerifyToken(token, []string{"someone-else"})
	assert.ErrorIs(t, err, ErrIssuer)
}

func TestVerify_RejectsWrongAudienceAndKey(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.GenerateToken("other-service")
	require.NoError(t, err)
	_, err = auth.VerifyToken(token, nil)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)

	// a token signed by another key fails verification
	other := newTestAuth(t)
	foreign, err := other.GenerateToken("")
	require.NoError(t, err)
	_, err = auth.VerifyToken(foreign, nil)
	assert.Error(t, err)
}

func TestNewJWTAuth_KeyFiles(t *testing.T) {
	pub, priv := keyPEMs(t)
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "public.key")
	privPath := filepath.Join(dir, "private.key")
	require.NoError(t, os.WriteFile(pubPath, []byte(pub), 0o600))
	require.NoError(t, os.WriteFile(privPath, []byte(priv), 0o600))

	auth, err := NewJWTAuth(Config{Issuer: "cli", Audience: "idx", PublicKeyPath: pubPath, PrivateKeyPath: privPath})
	require.NoError(t, err)

	token, err := auth.GenerateToken("", ScopeWrite)
	require.NoError(t, err)
	_, err = auth.VerifyToken(token, nil)
	require.NoError(t, err)

	_, err = NewJWTAuth(Config{PublicKeyPath: filepath.Join(dir, "missing.key")})
	assert.Error(t, err)

	_, err = NewJWTAuth(Config{PublicKeyInline: 42})
	assert.Error(t, err)
}

func TestGenerateToken_WithoutPrivateKey(t *testing.T) {
	pub, _ := keyPEMs(t)
	auth, err := NewJWTAuth(Config{Audience: "idx", PublicKeyInline: pub})
	require.NoError(t, err)

	_, err = auth.GenerateToken("")
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = (&JWTAuth{}).VerifyToken("x", nil)
	assert.ErrorIs(t, err, ErrNoVerifyKey)
}

// sign issues a token with hand-built claims using auth's private key
func sign(t *testing.T, auth *JWTAuth, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(auth.privateKey)
	require.NoError(t, err)
	return token
}

func TestVerify_RejectsExpiredAndUnbounded(t *testing.T) {
	auth := newTestAuth(t)
	aud := jwt.ClaimStrings{"searchgram-index"}

	expired := sign(t, auth, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "bot",
		Audience:  aud,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	_, err := auth.VerifyToken(expired, nil)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	// tokens must carry an expiry
	unbounded := sign(t, auth, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "bot", Audience: aud}})
	_, err = auth.VerifyToken(unbounded, nil)
	assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)

	// an HMAC token is refused even if it names a valid audience
	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Audience:  aud,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = auth.VerifyToken(hmac, nil)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestRequireScope_WithoutClaims(t *testing.T) {
	router := gin.New()
	router.GET("/read", RequireScope(ScopeRead), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "Unauthorized", resp.Error)
}

func TestClaims_HasScope(t *testing.T) {
	assert.True(t, (&Claims{Scopes: []string{ScopeRead}}).HasScope(ScopeRead))
	assert.False(t, (&Claims{Scopes: []string{ScopeRead}}).HasScope(ScopeWrite))
	assert.True(t, (&Claims{Scopes: []string{ScopeAdmin}}).HasScope(ScopeWrite))
	assert.False(t, (&Claims{}).HasScope(ScopeRead))
}

func TestMiddlewareAndScopes(t *testing.T) {
	auth := newTestAuth(t)

	router := gin.New()
	router.Use(auth.Middleware(nil))
	router.GET("/read", RequireScope(ScopeRead), func(c *gin.Context) { c.Status(http.StatusOK) })
	router.DELETE("/clear", RequireScope(ScopeAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	readToken, err := auth.GenerateToken("", ScopeRead)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"missing header", http.MethodGet, "/read", "", http.StatusUnauthorized},
		{"not bearer", http.MethodGet, "/read", "Basic abc", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/read", "Bearer abc", http.StatusUnauthorized},
		{"lowercase scheme", http.MethodGet, "/read", "bearer " + readToken, http.StatusOK},
		{"scoped", http.MethodGet, "/read", "Bearer " + readToken, http.StatusOK},
		{"missing scope", http.MethodDelete, "/clear", "Bearer " + readToken, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
