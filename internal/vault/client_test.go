package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/config"
)

// kvServer emulates the KV v2 endpoints the client touches
type kvServer struct {
	mu    sync.Mutex
	data  map[string]interface{}
	reads int
}

func (k *kvServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if r.Header.Get("X-Vault-Token") != "root" {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	switch {
	case r.URL.Path == "/v1/sys/health":
		json.NewEncoder(w).Encode(map[string]interface{}{"initialized": true, "sealed": false})
	case r.URL.Path == "/v1/secret/data/smc-signal-engine" && r.Method == http.MethodGet:
		k.reads++
		if k.data == nil {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": k.data, "metadata": map[string]interface{}{"version": 1}},
		})
	case r.URL.Path == "/v1/secret/data/smc-signal-engine":
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		k.data = body.Data
		json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": 1}})
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[]}`))
	}
}

func newTestClient(t *testing.T, kv *kvServer) *Client {
	t.Helper()
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "smc-signal-engine",
	})
	require.NoError(t, err)
	return c
}

func TestStoreAndApplySecrets(t *testing.T) {
	kv := &kvServer{}
	c := newTestClient(t, kv)
	ctx := context.Background()

	require.NoError(t, c.StoreSecrets(ctx, ServiceSecrets{
		DatabasePassword: "pg-pass",
		JWTSecret:        "jwt-secret",
	}))

	c.ClearCache()
	cfg := config.Default()
	cfg.RedisConfig.Password = "from-env"
	require.NoError(t, c.ApplySecrets(ctx, cfg))

	assert.Equal(t, "pg-pass", cfg.DatabaseConfig.Password)
	assert.Equal(t, "jwt-secret", cfg.AuthConfig.JWTSecret)
	assert.Equal(t, "from-env", cfg.RedisConfig.Password, "empty secret keeps configured value")
	assert.Equal(t, 1, kv.reads)

	// second read is served from cache
	_, err := c.GetSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, kv.reads)
}

func TestGetSecretsMissing(t *testing.T) {
	c := newTestClient(t, &kvServer{})

	_, err := c.GetSecrets(context.Background())
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, &kvServer{})
	assert.NoError(t, c.Health(context.Background()))
}

func TestDisabledClient(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(ctx))

	cfg := config.Default()
	require.NoError(t, c.ApplySecrets(ctx, cfg))
	assert.Empty(t, cfg.AuthConfig.JWTSecret)

	_, err = c.GetSecrets(ctx)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, c.StoreSecrets(ctx, ServiceSecrets{JWTSecret: "local"}))
	s, err := c.GetSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", s.JWTSecret)
}
