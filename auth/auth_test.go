package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/whisthq/whist/backend/workspaces/types"
)

var testSecret = []byte("not-a-real-secret")

func testVerifier() *Verifier {
	kf := func(*jwt.Token) (interface{}, error) { return testSecret, nil }
	return NewWithKeyfunc(kf, []string{"HS256"}, "workspaces", "https://issuer.example.com/")
}

func signedToken(t *testing.T, method jwt.SigningMethod, claims PodClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("error signing token: %s", err)
	}
	return token
}

func validClaims() PodClaims {
	now := time.Now()
	return PodClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://issuer.example.com/",
			Subject:   "user|123",
			Audience:  jwt.ClaimStrings{"workspaces"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		PodID:  "pod-1",
		Scopes: Scopes{"openid", PodScope},
	}
}

func TestVerifyPodToken(t *testing.T) {
	v := testVerifier()

	pod, err := v.VerifyPodToken(context.Background(), signedToken(t, jwt.SigningMethodHS256, validClaims()))
	if err != nil {
		t.Fatalf("expected a valid token, got %s", err)
	}
	if pod != "pod-1" {
		t.Errorf("expected pod-1, got %s", pod)
	}
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	claims := validClaims()
	claims.PodID = ""
	pod, err := testVerifier().VerifyPodToken(context.Background(), signedToken(t, jwt.SigningMethodHS256, claims))
	if err != nil {
		t.Fatalf("expected a valid token, got %s", err)
	}
	if pod != types.PodID("user|123") {
		t.Errorf("expected the subject as pod id, got %s", pod)
	}
}

func TestVerifyRejections(t *testing.T) {
	var tests = []struct {
		name   string
		mutate func(*PodClaims)
		method jwt.SigningMethod
	}{
		{"expired", func(c *PodClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, jwt.SigningMethodHS256},
		{"wrong audience", func(c *PodClaims) { c.Audience = jwt.ClaimStrings{"someone-else"} }, jwt.SigningMethodHS256},
		{"wrong issuer", func(c *PodClaims) { c.Issuer = "https://evil.example.com/" }, jwt.SigningMethodHS256},
		{"missing scope", func(c *PodClaims) { c.Scopes = Scopes{"openid"} }, jwt.SigningMethodHS256},
		{"no pod", func(c *PodClaims) { c.PodID = ""; c.Subject = "" }, jwt.SigningMethodHS256},
		{"unexpected method", func(c *PodClaims) {}, jwt.SigningMethodHS512},
	}

	v := testVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(&claims)
			if _, err := v.Verify(signedToken(t, tt.method, claims)); err == nil {
				t.Errorf("expected the token to be rejected")
			}
		})
	}

	if _, err := v.Verify("not_a_real_token"); err == nil {
		t.Errorf("expected garbage to be rejected")
	}
}

func TestScopesJSON(t *testing.T) {
	var got struct {
		Scopes Scopes `json:"scope"`
	}
	if err := json.Unmarshal([]byte(`{"scope": "hello world"}`), &got); err != nil {
		t.Fatalf("error unmarshalling scopes: %s", err)
	}
	if diff := cmp.Diff(Scopes{"hello", "world"}, got.Scopes); diff != "" {
		t.Errorf("unexpected scopes (-want +got):\n%s", diff)
	}

	overwrite := Scopes{"hi", "there", "friend"}
	if err := overwrite.UnmarshalJSON([]byte(`"hello"`)); err != nil {
		t.Fatalf("error unmarshalling scopes: %s", err)
	}
	if diff := cmp.Diff(Scopes{"hello"}, overwrite); diff != "" {
		t.Errorf("expected UnmarshalJSON to overwrite (-want +got):\n%s", diff)
	}

	raw, err := json.Marshal(Scopes{"a", "b"})
	if err != nil {
		t.Fatalf("error marshalling scopes: %s", err)
	}
	if string(raw) != `"a b"` {
		t.Errorf(`expected "a b", got %s`, raw)
	}
}
