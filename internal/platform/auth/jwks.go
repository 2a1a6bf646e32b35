package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// keySet caches the identity provider's RSA signing keys by kid.
type keySet struct {
	url    string
	ttl    time.Duration
	client *resty.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

type jwkDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func newKeySet(url string, ttl time.Duration) *keySet {
	return &keySet{
		url: url,
		ttl: ttl,
		client: resty.New().
			SetTimeout(5 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(250 * time.Millisecond),
	}
}

// key returns the key for kid. An unknown kid or a stale cache triggers one
// refresh, which also picks up rotated keys.
func (s *keySet) key(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[kid]; ok && time.Since(s.fetched) < s.ttl {
		return k, nil
	}
	if err := s.refresh(); err != nil {
		return nil, err
	}
	k, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return k, nil
}

func (s *keySet) refresh() error {
	var doc jwkDocument
	// Identity providers often serve JWKS as text/plain or
	// application/jwk-set+json.
	resp, err := s.client.R().
		ForceContentType("application/json").
		SetResult(&doc).
		Get(s.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode())
	}
	if len(doc.Keys) == 0 {
		return errors.New("fetch jwks: no keys in response")
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	s.keys = keys
	s.fetched = time.Now()
	return nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	exp := new(big.Int).SetBytes(eb)
	if len(nb) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("malformed rsa key")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
