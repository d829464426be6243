package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8087"}, "http://localhost:8087", true},
		{"case insensitive", []string{"http://LocalHost:8087"}, "HTTP://localhost:8087", true},
		{"path ignored", []string{"http://localhost:8087/chat"}, "http://localhost:8087", true},
		{"different port", []string{"http://localhost:8087"}, "http://localhost:9000", false},
		{"different scheme", []string{"http://localhost:8087"}, "https://localhost:8087", false},
		{"missing header", []string{"http://localhost:8087"}, "", false},
		{"malformed header", []string{"http://localhost:8087"}, "not-a-url", false},
		{"wildcard", []string{"*"}, "http://anything.example", true},
		{"wildcard without header", []string{"*"}, "", true},
		{"invalid config entries skipped", []string{"nope", " ", "http://ok.example"}, "http://ok.example", true},
		{"empty list", nil, "http://localhost:8087", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, zaptest.NewLogger(t))
			req := httptest.NewRequest("GET", "/ws/room/alice", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.checkOrigin(req))
		})
	}
}
