package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/geoworld/internal/auth"
	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/network"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

var swampGeo = vec.LatLng{Lat: 51.505, Lng: -0.09}

type testEnv struct {
	server *RestServer
	world  *world.Manager
	store  *storage.MemoryEntranceStore
	token  string
}

func quietLogger() *logging.Logger {
	return logging.NewWriterLogger("test", io.Discard, logging.ERROR)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith позволяет подменить части конфигурации перед созданием сервера
func newTestEnvWith(t *testing.T, tweak func(*Config)) *testEnv {
	t.Helper()

	registry, err := world.NewEntranceRegistry(world.DungeonEntrance{
		ID:                "lost-swamp",
		Name:              "Lost Swamp",
		GeoPosition:       swampGeo,
		EntryPosition:     vec.Vec2Float{X: 5, Y: 5},
		InteractionRadius: 50,
	})
	require.NoError(t, err)

	opts := world.DefaultOptions()
	opts.Center = swampGeo
	opts.Logger = quietLogger()
	wm := world.NewManager(registry, opts)

	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer("", time.Hour)
	require.NoError(t, err)

	store := storage.NewMemoryEntranceStore()
	cfg := Config{
		World:     wm,
		Entrances: store,
		Tokens:    tokens,
		Admin:     auth.AdminCredentials{Username: "admin", PasswordHash: hash},
		Registry:  prometheus.NewRegistry(),
		Logger:    quietLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	rs, err := NewRestServer(cfg)
	require.NoError(t, err)

	env := &testEnv{server: rs, world: wm, store: store}
	env.token = env.login(t, "admin", "s3cret")
	return env
}

func (e *testEnv) login(t *testing.T, user, password string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: password})
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) GenericResponse {
	t.Helper()
	var resp GenericResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func addPlayer(t *testing.T, wm *world.Manager, id string) *network.ClientConn {
	t.Helper()
	cc := network.NewClientConn(id, "test", 16)
	_, err := wm.AddPlayer(id, id, cc, world.AtLatLng(swampGeo))
	require.NoError(t, err)
	return cc
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	assert.NotEmpty(t, env.token)

	w := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/world/stats", "/api/players", "/api/dungeons", "/api/server"} {
		w := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = env.do(t, http.MethodGet, path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = env.do(t, http.MethodGet, path, env.token, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAdminRoutesRequireAdminClaim(t *testing.T) {
	env := newTestEnv(t)
	viewer, err := env.server.tokens.Issue("viewer", false)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/players", viewer, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/announce", viewer, AnnounceRequest{Message: "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPlayersEndpoints(t *testing.T) {
	env := newTestEnv(t)
	addPlayer(t, env.world, "alice")
	addPlayer(t, env.world, "bob")
	require.NoError(t, env.world.EnterDungeon("bob", "lost-swamp"))

	w := env.do(t, http.MethodGet, "/api/players", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []PlayerView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "alice", list.Data[0].ID)
	assert.Equal(t, protocol.WorldOverworld, list.Data[0].WorldType)
	assert.Equal(t, protocol.WorldDungeon, list.Data[1].WorldType)
	assert.Equal(t, "lost-swamp", list.Data[1].DungeonID)
	assert.True(t, list.Data[0].Online)

	w = env.do(t, http.MethodGet, "/api/players?world=dungeon", env.token, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "bob", list.Data[0].ID)

	w = env.do(t, http.MethodGet, "/api/players/alice", env.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/players/nobody", env.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_player", decode(t, w).Code)
}

func TestSetLevel(t *testing.T) {
	env := newTestEnv(t)
	addPlayer(t, env.world, "alice")

	w := env.do(t, http.MethodPut, "/api/players/alice/level", env.token, map[string]int{"level": 7})
	require.Equal(t, http.StatusOK, w.Code)
	p, _ := env.world.GetPlayer("alice")
	assert.Equal(t, 7, p.Level)

	w = env.do(t, http.MethodPut, "/api/players/alice/level", env.token, map[string]int{"level": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/players/ghost/level", env.token, map[string]int{"level": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDungeonLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := EntranceRequest{
		ID:                "crypt",
		Lat:               51.51,
		Lng:               -0.1,
		EntryX:            1,
		EntryY:            2,
		InteractionRadius: 30,
		Cooldown:          "30s",
	}
	w := env.do(t, http.MethodPost, "/api/dungeons", env.token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	e, ok := env.world.Entrances().Get("crypt")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, e.Cooldown)
	assert.Equal(t, "crypt", e.Name)

	saved, err := env.store.LoadEntrances(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "crypt", saved[0].ID)

	// Повторная регистрация
	w = env.do(t, http.MethodPost, "/api/dungeons", env.token, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Неверные параметры
	bad := req
	bad.ID = "bad"
	bad.InteractionRadius = 0
	w = env.do(t, http.MethodPost, "/api/dungeons", env.token, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_entrance", decode(t, w).Code)

	w = env.do(t, http.MethodGet, "/api/dungeons", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []DungeonView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Data, 2)

	w = env.do(t, http.MethodDelete, "/api/dungeons/crypt", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = env.world.Entrances().Get("crypt")
	assert.False(t, ok)
	saved, err = env.store.LoadEntrances(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)

	w = env.do(t, http.MethodDelete, "/api/dungeons/crypt", env.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// failingEntranceStore отказывает в сохранении; beforeFail срабатывает до отказа
type failingEntranceStore struct {
	*storage.MemoryEntranceStore
	beforeFail func()
}

func (s *failingEntranceStore) SaveEntrance(ctx context.Context, e world.DungeonEntrance) error {
	if s.beforeFail != nil {
		s.beforeFail()
	}
	return errors.New("disk full")
}

func TestCreateDungeonStoreFailure(t *testing.T) {
	crypt := EntranceRequest{ID: "crypt", Lat: 51.505, Lng: -0.09, InteractionRadius: 30}

	t.Run("регистрация откатывается", func(t *testing.T) {
		env := newTestEnvWith(t, func(cfg *Config) {
			cfg.Entrances = &failingEntranceStore{MemoryEntranceStore: storage.NewMemoryEntranceStore()}
		})
		w := env.do(t, http.MethodPost, "/api/dungeons", env.token, crypt)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "internal", decode(t, w).Code)
		_, ok := env.world.Entrances().Get("crypt")
		assert.False(t, ok)
	})

	t.Run("откат невозможен при игроках в инстансе", func(t *testing.T) {
		var logBuf bytes.Buffer
		env := newTestEnvWith(t, func(cfg *Config) {
			wm := cfg.World
			cfg.Logger = logging.NewWriterLogger("test", &logBuf, logging.ERROR)
			cfg.Entrances = &failingEntranceStore{
				MemoryEntranceStore: storage.NewMemoryEntranceStore(),
				beforeFail: func() {
					addPlayer(t, wm, "alice")
					require.NoError(t, wm.EnterDungeon("alice", "crypt"))
				},
			}
		})
		w := env.do(t, http.MethodPost, "/api/dungeons", env.token, crypt)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.Contains(t, resp.Message, "instance_busy")

		_, ok := env.world.Entrances().Get("crypt")
		assert.True(t, ok, "вход с игроками остаётся в реестре")
		assert.Contains(t, logBuf.String(), "откат регистрации входа crypt")
	})
}

func TestNearbySavedLocations(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryLocationRepo()
	require.NoError(t, repo.BatchSave(ctx, []storage.SavedLocation{
		storage.FromWorld("bob", world.AtLatLng(swampGeo), time.Now()),
		storage.FromWorld("alice", world.AtLatLng(vec.LatLng{Lat: 51.5051, Lng: -0.09}), time.Now()),
		storage.FromWorld("carol", world.AtLatLng(vec.LatLng{Lat: 52, Lng: -0.09}), time.Now()),
	}))
	env := newTestEnvWith(t, func(cfg *Config) { cfg.Locations = repo })

	w := env.do(t, http.MethodGet, "/api/locations/nearby?lat=51.505&lng=-0.09&radius=200", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alice", "bob"}, resp.Data)

	for _, q := range []string{"lat=abc&lng=0", "lat=91&lng=0", "lat=0&lng=0&radius=0", "lat=0&lng=0&radius=1e9"} {
		w = env.do(t, http.MethodGet, "/api/locations/nearby?"+q, env.token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w = env.do(t, http.MethodGet, "/api/locations/nearby?lat=0&lng=0", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	plain := newTestEnv(t)
	w = plain.do(t, http.MethodGet, "/api/locations/nearby?lat=0&lng=0", plain.token, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "unsupported", decode(t, w).Code)
}

func TestDeleteBusyDungeon(t *testing.T) {
	env := newTestEnv(t)
	addPlayer(t, env.world, "alice")
	require.NoError(t, env.world.EnterDungeon("alice", "lost-swamp"))

	w := env.do(t, http.MethodDelete, "/api/dungeons/lost-swamp", env.token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "instance_busy", decode(t, w).Code)
}

func TestInstanceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/dungeons/lost-swamp/instance", env.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "instance_missing", decode(t, w).Code)

	w = env.do(t, http.MethodGet, "/api/dungeons/nowhere/instance", env.token, nil)
	assert.Equal(t, "unknown_dungeon", decode(t, w).Code)

	addPlayer(t, env.world, "alice")
	require.NoError(t, env.world.EnterDungeon("alice", "lost-swamp"))

	w = env.do(t, http.MethodGet, "/api/dungeons/lost-swamp/instance", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data world.InstanceInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alice"}, resp.Data.Players)
}

func TestAnnounce(t *testing.T) {
	env := newTestEnv(t)
	alice := addPlayer(t, env.world, "alice")
	bob := addPlayer(t, env.world, "bob")
	require.NoError(t, env.world.EnterDungeon("bob", "lost-swamp"))
	drainConn(alice)
	drainConn(bob)

	w := env.do(t, http.MethodPost, "/api/admin/announce", env.token, AnnounceRequest{Message: "рестарт через 5 минут"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":2`)

	for _, cc := range []*network.ClientConn{alice, bob} {
		frames := drainConn(cc)
		require.Len(t, frames, 1)
		var got protocol.Envelope
		require.NoError(t, json.Unmarshal(frames[0], &got))
		assert.Equal(t, protocol.TypeAnnouncement, got.Type)
		data := got.Data.(map[string]any)
		assert.Equal(t, "admin", data["from"])
	}

	w = env.do(t, http.MethodPost, "/api/admin/announce", env.token, AnnounceRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorldStatsAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	addPlayer(t, env.world, "alice")

	w := env.do(t, http.MethodGet, "/api/world/stats", env.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			World world.Stats `json:"world"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.World.Players)
	assert.Equal(t, 1, resp.Data.World.Entrances)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rest_api_http_request_duration_seconds")
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.server.addr = "127.0.0.1:0"
	require.NoError(t, env.server.Start())
	require.Error(t, env.server.Start())

	resp, err := http.Get("http://" + env.server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.server.Stop(ctx))
}

func drainConn(cc *network.ClientConn) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-cc.Outbound():
			out = append(out, data)
		default:
			return out
		}
	}
}
