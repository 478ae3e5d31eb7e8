package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerRequired(t *testing.T) {
	tests := []struct {
		name      string
		fallback  string
		target    string
		header    string
		wantCode  int
		wantOwner string
	}{
		{"configured owner", "ayse@example.com", "/api/records", "", http.StatusOK, "ayse@example.com"},
		{"header wins and is normalized", "ayse@example.com", "/api/records", " Mehmet@Example.com ", http.StatusOK, "mehmet@example.com"},
		{"no owner", "", "/api/records", "", http.StatusServiceUnavailable, ""},
		{"non api path", "", "/health", "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := OwnerRequired(tt.fallback)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetOwnerFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(OwnerHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantOwner, got)
		})
	}
}

func TestGetOwnerFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetOwnerFromContext(req.Context()))
}
