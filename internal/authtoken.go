package authtoken

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

const cacheTTL = 30 * time.Minute

// Verifier checks bearer tokens issued by the external identity provider.
// HS256 tokens are verified against the shared secret; RS256 tokens against
// the provider's JWKS endpoint, with keys cached by kid.
type Verifier struct {
	secret  []byte
	jwksURL string

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt map[string]time.Time
}

func NewVerifier(secret string, jwksURL string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		jwksURL:   jwksURL,
		keys:      make(map[string]*rsa.PublicKey),
		fetchedAt: make(map[string]time.Time),
	}
}

// UserID verifies the token and returns the subject claim.
func (v *Verifier) UserID(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("hmac tokens not configured")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.jwksURL == "" {
			return nil, errors.New("rsa tokens not configured")
		}
		return v.publicKey(token)
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

// publicKey resolves the RSA key for the token's kid, refreshing the JWKS
// cache when the entry is missing or stale.
func (v *Verifier) publicKey(token *jwt.Token) (*rsa.PublicKey, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing kid in token header")
	}

	v.mu.RLock()
	key, exists := v.keys[kid]
	fetched, fetchedExists := v.fetchedAt[kid]
	v.mu.RUnlock()

	if exists && fetchedExists && time.Since(fetched) <= cacheTTL {
		return key, nil
	}

	if err := v.refreshKeys(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, exists = v.keys[kid]
	v.mu.RUnlock()
	if !exists {
		return nil, errors.New("no matching public key found")
	}
	return key, nil
}

func (v *Verifier) refreshKeys() error {
	resp, err := http.Get(v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch public keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch public keys: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read public key response: %w", err)
	}

	var keySet struct {
		Keys []struct {
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &keySet); err != nil {
		return fmt.Errorf("failed to parse public key JSON: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	for _, keyData := range keySet.Keys {
		nBytes, err := base64.RawURLEncoding.DecodeString(keyData.N)
		if err != nil {
			return fmt.Errorf("failed to decode public key modulus: %w", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(keyData.E)
		if err != nil {
			return fmt.Errorf("failed to decode public key exponent: %w", err)
		}

		v.keys[keyData.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: bigEndianBytesToInt(eBytes),
		}
		v.fetchedAt[keyData.Kid] = now
	}
	return nil
}

func bigEndianBytesToInt(b []byte) int {
	result := 0
	for _, v := range b {
		result = result<<8 + int(v)
	}
	return result
}
