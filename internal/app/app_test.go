package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/geoworld/internal/api"
	"github.com/annel0/geoworld/internal/auth"
	"github.com/annel0/geoworld/internal/config"
)

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.WSAddr = "127.0.0.1:0"
	cfg.Server.KCPAddr = "127.0.0.1:0"
	cfg.Server.RESTAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Storage.Driver = "badger"
	cfg.Storage.BadgerPath = dataDir
	cfg.Storage.AutosaveInterval = 50 * time.Millisecond
	cfg.Auth.JWTSecret = auth.GenerateSecureSecret()
	cfg.Auth.AdminPasswordHash = hash
	require.NoError(t, cfg.Validate())
	return &cfg
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAppLifecycleAndEntrancePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := New(ctx, testConfig(t, dir))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.Error(t, a.Start())

	base := "http://" + a.rest.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, base+"/api/auth/login", "", api.LoginRequest{Username: "admin", Password: "s3cret"})
	var login api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	require.True(t, login.Success)

	resp = postJSON(t, base+"/api/dungeons", login.Token, api.EntranceRequest{
		ID:                "crypt",
		Lat:               51.506,
		Lng:               -0.091,
		InteractionRadius: 25,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Eventually(t, func() bool { return a.World().Stats().Ticks > 0 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
	require.NoError(t, a.Stop(stopCtx))

	// Вход из API восстанавливается из Badger после перезапуска
	b, err := New(ctx, testConfig(t, dir))
	require.NoError(t, err)
	_, ok := b.World().Entrances().Get("crypt")
	assert.True(t, ok)
	require.NoError(t, b.release(ctx))
}

func TestNewRejectsBadCodec(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Server.Codec = "xml"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
