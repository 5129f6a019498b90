// Package authority implements the Credential Authority of spec.md
// §4.6: it holds two independent RSA keypairs and issues/verifies
// RS256-signed warrants that bind a routing decision the backend can
// enforce without ever learning why the decision was made.
package authority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chimera-security/chimera/internal/model"
)

// DefaultTTL is the warrant lifetime (spec.md §4.6: "exp = now + TTL, default 1h").
const DefaultTTL = time.Hour

const (
	kidPrime  = "prime_key_1"
	kidShadow = "shadow_key_1"
)

// keyPair is one of the two independent signing identities.
type keyPair struct {
	kid     string
	route   model.Route
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// Authority holds sk_prime/pk_prime and sk_shadow/pk_shadow. The two
// keypairs are generated and stored independently; compromise of one
// key must never yield the other (spec.md §4.6's critical security
// property).
type Authority struct {
	prime  keyPair
	shadow keyPair
	ttl    time.Duration
}

// Claims is the warrant payload. The claim set is identical in schema
// regardless of route; only the signing key (and its Kid, carried in the
// JWT header, not the payload) differs. Risk score is deliberately never
// embedded here (spec.md §9's resolved open question).
type Claims struct {
	jwt.RegisteredClaims
	Tool string `json:"tool"`
}

// New builds an Authority from PEM-encoded PKCS#1/PKCS#8 RSA private
// keys already held in memory (loaded by the caller — key generation
// and storage are an external collaborator's concern per spec.md §1).
func New(skPrimePEM, skShadowPEM []byte, ttl time.Duration) (*Authority, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prime, err := loadKeyPair(skPrimePEM, kidPrime, model.RouteProduction)
	if err != nil {
		return nil, fmt.Errorf("authority: load prime key: %w", err)
	}
	shadow, err := loadKeyPair(skShadowPEM, kidShadow, model.RouteShadow)
	if err != nil {
		return nil, fmt.Errorf("authority: load shadow key: %w", err)
	}
	return &Authority{prime: prime, shadow: shadow, ttl: ttl}, nil
}

// LoadFromFiles reads the two private key PEM files from keyDir
// (private_prime.pem, private_shadow.pem), mirroring
// original_source/src/dkca/authority.py's layout.
func LoadFromFiles(keyDir string, ttl time.Duration) (*Authority, error) {
	primePEM, err := os.ReadFile(keyDir + "/private_prime.pem")
	if err != nil {
		return nil, fmt.Errorf("authority: read private_prime.pem: %w", err)
	}
	shadowPEM, err := os.ReadFile(keyDir + "/private_shadow.pem")
	if err != nil {
		return nil, fmt.Errorf("authority: read private_shadow.pem: %w", err)
	}
	return New(primePEM, shadowPEM, ttl)
}

func loadKeyPair(pemBytes []byte, kid string, route model.Route) (keyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return keyPair{}, fmt.Errorf("no PEM block found")
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{kid: kid, route: route, private: key, public: &key.PublicKey}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

// GenerateForTesting creates a fresh in-memory Authority with ad-hoc
// RSA-2048 keys, for tests and local scenario bring-up where the real
// key-generation collaborator (spec.md §1) hasn't run yet.
func GenerateForTesting(ttl time.Duration) (*Authority, error) {
	primeKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	shadowKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		prime:  keyPair{kid: kidPrime, route: model.RouteProduction, private: primeKey, public: &primeKey.PublicKey},
		shadow: keyPair{kid: kidShadow, route: model.RouteShadow, private: shadowKey, public: &shadowKey.PublicKey},
		ttl:    ttl,
	}, nil
}

// Issue signs a warrant for (sessionID, tool, route) with whichever of
// the two keys corresponds to route.
func (a *Authority) Issue(sessionID, tool string, route model.Route, now time.Time) (string, error) {
	kp, err := a.keyFor(route)
	if err != nil {
		return "", err
	}

	jti, err := randomNonce()
	if err != nil {
		return "", fmt.Errorf("authority: generate nonce: %w", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chimera",
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{"backend"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        jti,
		},
		Tool: tool,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kp.kid

	signed, err := token.SignedString(kp.private)
	if err != nil {
		return "", fmt.Errorf("authority: sign warrant: %w", err)
	}
	return signed, nil
}

func (a *Authority) keyFor(route model.Route) (keyPair, error) {
	switch route {
	case model.RouteProduction:
		return a.prime, nil
	case model.RouteShadow:
		return a.shadow, nil
	default:
		return keyPair{}, fmt.Errorf("authority: unknown route %q", route)
	}
}

// ErrInvalidWarrant is returned for any verification failure — expired,
// malformed, unknown kid, or bad signature — without distinguishing
// which, so a caller cannot learn anything about which key was tried
// (spec.md §4.6: "no leakage of which key was tried first").
var ErrInvalidWarrant = fmt.Errorf("authority: invalid warrant")

// Verify parses warrant, selects the public key by its kid header
// (rejecting unknown kids outright), and verifies signature and expiry.
// On success it returns the route the kid corresponds to.
func (a *Authority) Verify(warrant string) (model.Route, error) {
	var kp *keyPair

	parsed, err := jwt.ParseWithClaims(warrant, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		switch kid {
		case a.prime.kid:
			kp = &a.prime
		case a.shadow.kid:
			kp = &a.shadow
		default:
			return nil, ErrInvalidWarrant
		}
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, ErrInvalidWarrant
		}
		return kp.public, nil
	})
	if err != nil || parsed == nil || !parsed.Valid || kp == nil {
		return "", ErrInvalidWarrant
	}

	return kp.route, nil
}

// PublicKey returns the public key for the given route, for
// distribution to the disjoint verifiers described in spec.md §4.6
// (production data store knows only pk_prime; shadow only pk_shadow).
func (a *Authority) PublicKey(route model.Route) (*rsa.PublicKey, error) {
	kp, err := a.keyFor(route)
	if err != nil {
		return nil, err
	}
	return kp.public, nil
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
