package world

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/stretchr/testify/require"
)

var swampGeo = vec.LatLng{Lat: 51.505, Lng: -0.09}

// fakeConn запоминает отправленные кадры
type fakeConn struct {
	mu     sync.Mutex
	open   bool
	full   bool
	frames [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{open: true} }

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("send buffer full")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// fakeClock: управляемые часы для проверок кулдаунов и сборки инстансов
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func lostSwamp() DungeonEntrance {
	return DungeonEntrance{
		ID:                "lost-swamp",
		Name:              "Lost Swamp",
		GeoPosition:       swampGeo,
		EntryPosition:     vec.Vec2Float{X: 0, Y: 0},
		InteractionRadius: 50,
	}
}

func newTestManager(t *testing.T, clock *fakeClock, entrances ...DungeonEntrance) *Manager {
	t.Helper()
	if len(entrances) == 0 {
		entrances = []DungeonEntrance{lostSwamp()}
	}
	registry, err := NewEntranceRegistry(entrances...)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Logger = logging.NewWriterLogger("world", io.Discard, logging.ERROR)
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewManager(registry, opts)
}

// northOf возвращает точку примерно в meters метрах к северу
func northOf(p vec.LatLng, meters float64) vec.LatLng {
	return vec.LatLng{Lat: p.Lat + vec.ToDegrees(meters/vec.EarthRadiusM), Lng: p.Lng}
}

// assertExclusive проверяет, что каждый игрок числится ровно в одном мире
func assertExclusive(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.players {
		places := 0
		if m.overworld.Has(id) {
			places++
		}
		for _, inst := range m.instances {
			if inst.grid.Has(id) {
				places++
			}
		}
		require.Equal(t, 1, places, "игрок %s должен быть ровно в одном мире", id)

		switch loc := p.Location.(type) {
		case Overworld:
			require.True(t, m.overworld.Has(id), "игрок %s с тегом Overworld отсутствует в сетке поверхности", id)
		case Dungeon:
			inst, ok := m.instances[loc.DungeonID]
			require.True(t, ok, "инстанс %s должен существовать", loc.DungeonID)
			require.True(t, inst.grid.Has(id))
			_, member := inst.members[id]
			require.True(t, member)
		}
	}
	require.Equal(t, m.overworld.GetEntityCount()+m.dungeonEntityCountLocked(), len(m.players),
		"в индексах не должно быть лишних записей")
}

func (m *Manager) dungeonEntityCountLocked() int {
	n := 0
	for _, inst := range m.instances {
		n += inst.grid.GetEntityCount()
	}
	return n
}
