package server_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/server"
)

func TestCreateServer(t *testing.T) {
	handler := http.NewServeMux()
	srv := server.CreateServer(":9999", handler)

	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, handler, srv.Handler)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}

func TestStartAndShutdownServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv := server.CreateServer("127.0.0.1:0", http.NewServeMux())

	done := make(chan error, 1)
	go func() { done <- server.StartServer(srv, logger) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.ShutdownServer(ctx, srv, logger))

	select {
	case err := <-done:
		assert.NoError(t, err, "a closed server is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}
