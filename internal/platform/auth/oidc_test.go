package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func jwksHandler(t *testing.T, kid string, pub *rsa.PublicKey) http.HandlerFunc {
	t.Helper()
	doc := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

func TestOIDCProvider_Discovery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/openid-configuration" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(OIDCProvider{
				Issuer:        "https://idp.example.com",
				TokenEndpoint: "https://idp.example.com/token",
				JWKSURI:       "https://idp.example.com/jwks",
				SigningAlgs:   []string{"RS256"},
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider, err := NewOIDCProvider(server.URL + "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSURI != "https://idp.example.com/jwks" {
		t.Errorf("jwks_uri = %s", provider.JWKSURI)
	}
	if len(provider.SigningAlgs) != 1 || provider.SigningAlgs[0] != "RS256" {
		t.Errorf("signing algs = %v", provider.SigningAlgs)
	}
}

func TestOIDCProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", http.NotFound},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("{")) }},
		{"missing jwks_uri", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"issuer":"x"}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			if _, err := NewOIDCProvider(server.URL); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVerifier_DiscoveredJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/jwks", jwksHandler(t, "k1", &key.PublicKey))
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": server.URL, "jwks_uri": server.URL + "/jwks"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewVerifier(ctx, JWTConfig{Issuer: server.URL}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			Issuer:    server.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleLabManager},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Parse(signed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Subject != "user-7" || len(got.Roles) != 1 || got.Roles[0] != RoleLabManager {
		t.Errorf("claims = %+v", got)
	}

	hmacToken := createTestToken(t, claims, testSigningKey)
	if _, err := v.Parse(hmacToken); err == nil {
		t.Error("HMAC token accepted by JWKS verifier")
	}
}
