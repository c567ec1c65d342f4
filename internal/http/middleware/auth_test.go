// README: Tests for the auth, role and recovery middleware.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"movzz/internal/http/middleware"
	"movzz/internal/infra"
)

// fixedVerifier returns the same answer for every token.
type fixedVerifier struct {
	token *infra.FirebaseToken
	err   error
	seen  []string
}

func (f *fixedVerifier) VerifyIDToken(_ context.Context, idToken string) (*infra.FirebaseToken, error) {
	f.seen = append(f.seen, idToken)
	return f.token, f.err
}

type caller struct {
	UID   string `json:"uid"`
	Role  string `json:"role"`
	Phone string `json:"phone"`
}

// whoami answers with the caller Auth stored on the context.
func whoami(verifier infra.TokenVerifier, authHeader string) (*httptest.ResponseRecorder, caller) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, caller{
			UID:   middleware.CallerUID(c),
			Role:  middleware.CallerRole(c),
			Phone: middleware.CallerPhone(c),
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var got caller
	if w.Code == http.StatusOK {
		_ = json.Unmarshal(w.Body.Bytes(), &got)
	}
	return w, got
}

func TestAuth_RejectsUnverifiedCallers(t *testing.T) {
	rider := &infra.FirebaseToken{UID: "rider1"}
	cases := []struct {
		name     string
		verifier *fixedVerifier
		header   string
		verified bool
	}{
		{name: "no header", verifier: &fixedVerifier{token: rider}},
		{name: "other scheme", verifier: &fixedVerifier{token: rider}, header: "Token abc"},
		{name: "empty bearer", verifier: &fixedVerifier{token: rider}, header: "Bearer   "},
		{name: "verifier rejects", verifier: &fixedVerifier{err: errors.New("expired")}, header: "Bearer abc", verified: true},
		{name: "token without uid", verifier: &fixedVerifier{token: &infra.FirebaseToken{}}, header: "Bearer abc", verified: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := whoami(tc.verifier, tc.header)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
			if got := len(tc.verifier.seen) > 0; got != tc.verified {
				t.Errorf("verifier called = %v, want %v", got, tc.verified)
			}
		})
	}
}

func TestAuth_CallerFromClaims(t *testing.T) {
	cases := []struct {
		name   string
		claims map[string]interface{}
		want   caller
	}{
		{
			name:   "rider with phone",
			claims: map[string]interface{}{"phone_number": "+919800000001"},
			want:   caller{UID: "u1", Phone: "+919800000001"},
		},
		{
			name:   "provider",
			claims: map[string]interface{}{"role": middleware.RoleProvider},
			want:   caller{UID: "u1", Role: middleware.RoleProvider},
		},
		{
			name:   "admin with phone",
			claims: map[string]interface{}{"role": middleware.RoleAdmin, "phone_number": "+919800000002"},
			want:   caller{UID: "u1", Role: middleware.RoleAdmin, Phone: "+919800000002"},
		},
		{
			name:   "non-string claims ignored",
			claims: map[string]interface{}{"role": 7, "phone_number": true},
			want:   caller{UID: "u1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &fixedVerifier{token: &infra.FirebaseToken{UID: "u1", Claims: tc.claims}}
			w, got := whoami(v, "Bearer  signed-token ")
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if got != tc.want {
				t.Errorf("caller = %+v, want %+v", got, tc.want)
			}
			if len(v.seen) != 1 || v.seen[0] != "signed-token" {
				t.Errorf("verifier saw %q", v.seen)
			}
		})
	}
}

func TestAuth_DevTokens(t *testing.T) {
	w, got := whoami(infra.DevVerifier{}, "Bearer ops:+919800000003:admin")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := (caller{UID: "ops", Role: middleware.RoleAdmin, Phone: "+919800000003"}); got != want {
		t.Errorf("caller = %+v, want %+v", got, want)
	}
	if w, _ := whoami(infra.DevVerifier{}, "Bearer :+919800000003"); w.Code != http.StatusUnauthorized {
		t.Errorf("token without uid: expected 401, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name string
		role string
		want int
	}{
		{name: "admin allowed", role: middleware.RoleAdmin, want: http.StatusOK},
		{name: "provider rejected", role: middleware.RoleProvider, want: http.StatusForbidden},
		{name: "no role rejected", role: "", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := map[string]interface{}{}
			if tc.role != "" {
				claims["role"] = tc.role
			}
			gin.SetMode(gin.TestMode)
			r := gin.New()
			r.Use(middleware.Auth(&fixedVerifier{token: &infra.FirebaseToken{UID: "u", Claims: claims}}))
			r.GET("/admin", middleware.RequireRole(middleware.RoleAdmin), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set("Authorization", "Bearer t")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
