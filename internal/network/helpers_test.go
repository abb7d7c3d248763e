package network

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

var swampGeo = vec.LatLng{Lat: 51.505, Lng: -0.09}

func quietLogger() *logging.Logger {
	return logging.NewWriterLogger("test", io.Discard, logging.ERROR)
}

func newTestWorld(t *testing.T) *world.Manager {
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
	return world.NewManager(registry, opts)
}

func newTestDispatcher(t *testing.T, repo storage.LocationRepo) *Dispatcher {
	t.Helper()
	return NewDispatcher(newTestWorld(t), DispatcherConfig{
		TickRate:     20,
		NearbyRadius: DefaultNearbyRadius,
		Locations:    repo,
		Logger:       quietLogger(),
	})
}

// drain забирает все кадры из очереди соединения
func drain(t *testing.T, cc *ClientConn) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-cc.Outbound():
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

// ofType отбирает конверты типа msgType (и подтипа subtype, если он задан)
func ofType(envs []protocol.Envelope, msgType, subtype string) []map[string]any {
	var out []map[string]any
	for _, env := range envs {
		if env.Type != msgType {
			continue
		}
		data, _ := env.Data.(map[string]any)
		if subtype != "" && data["type"] != subtype {
			continue
		}
		out = append(out, data)
	}
	return out
}

func frame(msgType string, data any) []byte {
	raw := map[string]any{"type": msgType}
	if data != nil {
		raw["data"] = data
	}
	b, _ := json.Marshal(raw)
	return b
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func vecXY(x, y float64) vec.Vec2Float { return vec.Vec2Float{X: x, Y: y} }
