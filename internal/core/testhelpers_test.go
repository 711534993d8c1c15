package core

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"creditpanel/internal/config"
	"creditpanel/internal/types"
)

const testServiceKey = "svc-key-123"

// newTestServer builds a mounted server that requires testServiceKey.
func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testServiceKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{Environment: "dev"}
	cfg.Server.ServiceKeyHash = types.SecretString(hash)
	cfg.Build.Version = "1.2.3"

	var buf bytes.Buffer
	srv, err := NewServer(cfg, slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, err)
	return srv, &buf
}
