package jwt

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

type key struct {
	id  string
	pub crypto.PublicKey
}

// Validator verifies bearer tokens against a fixed set of public keys.
type Validator struct {
	keys   []key
	parser *jwt.Parser
}

// NewValidator loads PEM files holding either X.509 certificates or PKIX
// public keys. A certificate's key id is its subject common name; a bare
// public key's id is the file name without extension.
func NewValidator(pubPemPaths []string, issuer, audience string) (*Validator, error) {
	var keys []key
	for _, p := range pubPemPaths {
		k, err := loadKey(p)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
		keys = append(keys, k)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Validator{keys: keys, parser: jwt.NewParser(opts...)}, nil
}

func loadKey(path string) (key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return key{}, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return key{}, errors.New("invalid pem")
	}
	switch block.Type {
	case "CERTIFICATE":
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return key{}, err
		}
		return key{id: c.Subject.CommonName, pub: c.PublicKey}, nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return key{}, err
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return key{id: id, pub: pub}, nil
	}
	return key{}, fmt.Errorf("unsupported pem block %q", block.Type)
}

// Enabled reports whether any key is configured. Without keys there is
// nothing to verify against and the runtime serves requests unauthenticated.
func (v *Validator) Enabled() bool { return v != nil && len(v.keys) > 0 }

func (v *Validator) Verify(tokenStr string) (jwt.MapClaims, error) {
	if !v.Enabled() {
		return nil, fmt.Errorf("%w: no keys configured", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	tok, err := v.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range v.keys {
			if k.id == kid {
				return k.pub, nil
			}
		}
		return v.keys[0].pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromHeader extracts the token from an Authorization header value.
func FromHeader(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return h
}
