package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"disabled", "", "", "", http.StatusNoContent},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "s3cret", "Bearer s3cret", "", http.StatusNoContent},
		{"query", "s3cret", "", "?token=s3cret", http.StatusNoContent},
		{"header wins over query", "s3cret", "Bearer nope", "?token=s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			BearerAuth(tt.token)(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
