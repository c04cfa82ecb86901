package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"proctor/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Password: "pw", JWTSecret: "secret"})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	tok, err := a.Authenticate("proctor", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	token := tok.Value

	var user string
	h := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := OperatorFromContext(r.Context()); c != nil {
			user = c.Operator()
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no header", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
		{"bad token", "Bearer garbage", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + token, "", http.StatusNoContent},
		{"query token", "", "?token=" + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = ""
			req := httptest.NewRequest(http.MethodGet, "/api/alerts"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusNoContent && user != "proctor" {
				t.Errorf("claims not in context, user = %q", user)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	a, _ := auth.NewAuthenticator(auth.Config{})
	called := false
	h := AuthMiddleware(a)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler should run when auth is disabled")
	}
}
