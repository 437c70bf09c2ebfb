package services

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SupabaseAuthService verifies session tokens issued by Supabase Auth
// (GoTrue). New projects sign with ES256/RS256 and publish the public keys
// at the JWKS endpoint; older projects sign with the shared HS256 secret.
type SupabaseAuthService struct {
	SupabaseURL string
	JWTSecret   string // legacy HS256 fallback, may be empty

	HTTPClient *http.Client

	keysMu       sync.RWMutex
	keys         map[string]crypto.PublicKey // kid -> parsed JWK
	lastKeyFetch time.Time
}

// SupabaseClaims are the portions of a Supabase access token the portal
// consumes. UserMeta carries the provider-embedded profile fields (name,
// role, status, address, dob, created_by).
type SupabaseClaims struct {
	UserID   string                 `json:"sub"`
	Email    string                 `json:"email"`
	Role     string                 `json:"role"` // Supabase's own role claim ("authenticated"), not the portal role
	Exp      int64                  `json:"exp"`
	Iat      int64                  `json:"iat"`
	UserMeta map[string]interface{} `json:"user_metadata"`
	AppMeta  map[string]interface{} `json:"app_metadata"`
	jwt.RegisteredClaims
}

// MetaString returns a string field from user_metadata, or "".
func (c *SupabaseClaims) MetaString(key string) string {
	if c.UserMeta == nil {
		return ""
	}
	if v, ok := c.UserMeta[key].(string); ok {
		return v
	}
	return ""
}

// Supabase edge-caches JWKS for ~10 minutes; mirror that here.
const jwksCacheTTL = 10 * time.Minute

func NewSupabaseAuthService(supabaseURL, jwtSecret string) *SupabaseAuthService {
	return &SupabaseAuthService{
		SupabaseURL: strings.TrimRight(supabaseURL, "/"),
		JWTSecret:   jwtSecret,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		keys:        make(map[string]crypto.PublicKey),
	}
}

// ValidateToken verifies a Supabase access token and returns its claims.
// A bad token (malformed, expired, wrong signature) comes back wrapping
// ErrTokenInvalid; a JWKS fetch failure comes back wrapping ErrUpstream so
// callers can tell outage apart from unauthorized.
func (s *SupabaseAuthService) ValidateToken(tokenString string) (*SupabaseClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SupabaseClaims{}, s.keyFor)
	if err != nil {
		if errors.Is(err, ErrUpstream) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*SupabaseClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrTokenInvalid)
	}
	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return nil, fmt.Errorf("%w: token has expired", ErrTokenInvalid)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	return claims, nil
}

// keyFor selects the verification key from the token header: the HS256
// shared secret for legacy tokens, otherwise the JWKS key matching kid.
func (s *SupabaseAuthService) keyFor(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if s.JWTSecret == "" {
			return nil, errors.New("HS256 token but no JWT secret configured")
		}
		return []byte(s.JWTSecret), nil
	case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return s.publicKey(kid)
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// publicKey returns the cached JWK for kid, refreshing the cache from the
// JWKS endpoint when the key is unknown or the cache is stale.
func (s *SupabaseAuthService) publicKey(kid string) (crypto.PublicKey, error) {
	s.keysMu.RLock()
	key, ok := s.keys[kid]
	fresh := time.Since(s.lastKeyFetch) < jwksCacheTTL
	s.keysMu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	keys, err := s.fetchJWKS()
	if err != nil {
		return nil, err
	}

	s.keysMu.Lock()
	s.keys = keys
	s.lastKeyFetch = time.Now()
	key, ok = s.keys[kid]
	s.keysMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no JWKS key for kid %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// fetchJWKS downloads and parses the project's signing keys. Failures here
// are provider outages, not authentication failures.
func (s *SupabaseAuthService) fetchJWKS() (map[string]crypto.PublicKey, error) {
	jwksURL := fmt.Sprintf("%s/auth/v1/.well-known/jwks.json", s.SupabaseURL)
	resp, err := s.HTTPClient.Get(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch JWKS: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: JWKS endpoint returned status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read JWKS response: %v", ErrUpstream, err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse JWKS: %v", ErrUpstream, err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := k.publicKey()
		if err != nil {
			// Skip unsupported key types rather than failing the whole set.
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwkEntry) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "EC":
		return parseECKey(k.Crv, k.X, k.Y)
	case "RSA":
		return parseRSAKey(k.N, k.E)
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func parseECKey(crv, xStr, yStr string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xStr)
	if err != nil {
		return nil, fmt.Errorf("decode X coordinate: %v", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yStr)
	if err != nil {
		return nil, fmt.Errorf("decode Y coordinate: %v", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func parseRSAKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %v", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %v", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// ExtractBearer pulls the token out of an Authorization header.
func ExtractBearer(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
