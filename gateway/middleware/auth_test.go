package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stakepool/crypto"
)

const testSecret = "unit-test-secret"

func participant(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address()
}

func TestAuthenticatorStoresCaller(t *testing.T) {
	caller := participant(t)
	token, err := IssueToken(testSecret, caller, "stakingd", "stakepool", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "stakingd", Audience: "stakepool"}, nil)

	var seen crypto.Address
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/stakes/deposit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if !seen.Equal(caller) {
		t.Fatalf("caller mismatch: got %s want %s", seen, caller)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	caller := participant(t)
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Audience: "stakepool", OptionalPaths: []string{"/healthz"}}, nil)
	handler := auth.Middleware()(okHandler())

	wrongSecret, err := IssueToken("other", caller, "", "stakepool", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	wrongAudience, err := IssueToken(testSecret, caller, "", "elsewhere", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + wrongSecret,
		"wrong audience": "Bearer " + wrongAudience,
		"basic scheme":   "Basic abc",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("optional path should bypass auth, got %d", res.Code)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	if _, err := IssueToken(testSecret, crypto.Address{}, "", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, err := IssueToken("", participant(t), "", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
