package world

import (
	"math/rand"
	"testing"
	"time"

	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AddPlayerDefaultsToCenter(t *testing.T) {
	m := newTestManager(t, nil)

	p, err := m.AddPlayer("p1", "Alice", newFakeConn(), nil)
	require.NoError(t, err)
	assert.Equal(t, Overworld{Lat: 51.505, Lng: -0.09}, p.Location, "по умолчанию игрок появляется в центре карты")
	assert.Equal(t, []string{"p1"}, m.OverworldPlayers())

	_, err = m.AddPlayer("p1", "Alice", newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrDuplicatePlayer)
	assertExclusive(t, m)
}

func TestManager_AddPlayerIntoDungeon(t *testing.T) {
	m := newTestManager(t, nil)

	p, err := m.AddPlayer("p1", "Alice", newFakeConn(), Dungeon{DungeonID: "lost-swamp", X: 3, Y: 4})
	require.NoError(t, err)
	assert.Equal(t, protocol.WorldDungeon, p.Location.WorldType())

	info, ok := m.Instance("lost-swamp")
	require.True(t, ok, "инстанс должен быть создан лениво")
	assert.Equal(t, []string{"p1"}, info.Players)
	assert.Empty(t, m.OverworldPlayers())

	_, err = m.AddPlayer("p2", "Bob", newFakeConn(), Dungeon{DungeonID: "nowhere"})
	assert.ErrorIs(t, err, ErrUnknownDungeon)
	_, ok = m.GetPlayer("p2")
	assert.False(t, ok, "неудачное добавление не должно оставлять запись")
	assertExclusive(t, m)
}

func TestManager_EnterAndExitDungeon(t *testing.T) {
	// Вход и выход через вход "lost-swamp"
	m := newTestManager(t, nil)
	conn := newFakeConn()

	_, err := m.AddPlayer("p1", "Alice", conn, AtLatLng(swampGeo))
	require.NoError(t, err)

	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))

	p, _ := m.GetPlayer("p1")
	assert.Equal(t, Dungeon{DungeonID: "lost-swamp", X: 0, Y: 0}, p.Location)
	assert.NotContains(t, m.overworld.GetAllEntities(), "p1", "после входа игрока не должно быть на поверхности")
	assertExclusive(t, m)

	envs := conn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.TypeWorldTransition, envs[0].Type)
	data := envs[0].Data.(map[string]interface{})
	assert.Equal(t, "dungeon", data["worldType"])
	assert.Equal(t, "lost-swamp", data["dungeonId"])
	assert.Equal(t, map[string]interface{}{"x": 0.0, "y": 0.0}, data["position"])

	// Уходим вглубь подземелья и выходим
	require.NoError(t, m.UpdatePlayerPosition("p1", LocalPos{X: 120, Y: -40}))
	require.NoError(t, m.ExitDungeon("p1"))

	p, _ = m.GetPlayer("p1")
	assert.Equal(t, Overworld{Lat: 51.505, Lng: -0.09}, p.Location, "игрок возвращается в точку входа")
	assert.Contains(t, m.overworld.GetAllEntities(), "p1")

	info, ok := m.Instance("lost-swamp")
	require.True(t, ok)
	assert.Empty(t, info.Players, "игрок должен покинуть инстанс")
	assertExclusive(t, m)

	envs = conn.envelopes(t)
	last := envs[len(envs)-1]
	assert.Equal(t, protocol.TypeWorldTransition, last.Type)
	assert.Equal(t, "overworld", last.Data.(map[string]interface{})["worldType"])
}

func TestManager_ExitReturnsToEntranceNotPreEntryPoint(t *testing.T) {
	m := newTestManager(t, nil)
	start := northOf(swampGeo, 30)

	_, err := m.AddPlayer("p1", "Alice", newFakeConn(), AtLatLng(start))
	require.NoError(t, err)
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	require.NoError(t, m.ExitDungeon("p1"))

	p, _ := m.GetPlayer("p1")
	assert.Equal(t, AtLatLng(swampGeo), p.Location)
}

func TestManager_EnterDungeonRejections(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.AddPlayer("far", "Far", newFakeConn(), AtLatLng(northOf(swampGeo, 200)))
	require.NoError(t, err)
	_, err = m.AddPlayer("near", "Near", newFakeConn(), AtLatLng(swampGeo))
	require.NoError(t, err)

	assert.ErrorIs(t, m.EnterDungeon("ghost", "lost-swamp"), ErrUnknownPlayer)
	assert.ErrorIs(t, m.EnterDungeon("near", "nowhere"), ErrUnknownDungeon)
	assert.ErrorIs(t, m.EnterDungeon("far", "lost-swamp"), ErrOutOfRange)

	_, exists := m.Instance("lost-swamp")
	assert.False(t, exists, "отклонённый вход не создаёт инстанс")

	require.NoError(t, m.EnterDungeon("near", "lost-swamp"))
	assert.ErrorIs(t, m.EnterDungeon("near", "lost-swamp"), ErrWrongWorld, "повторный вход из подземелья запрещён")

	assert.ErrorIs(t, m.ExitDungeon("far"), ErrWrongWorld)
	assert.ErrorIs(t, m.ExitDungeon("ghost"), ErrUnknownPlayer)
	assertExclusive(t, m)
}

func TestManager_UpdatePositionShapeMismatch(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.AddPlayer("p1", "Alice", newFakeConn(), AtLatLng(swampGeo))
	require.NoError(t, err)

	err = m.UpdatePlayerPosition("p1", LocalPos{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrPositionShape)
	p, _ := m.GetPlayer("p1")
	assert.Equal(t, AtLatLng(swampGeo), p.Location, "состояние не должно меняться")

	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	err = m.UpdatePlayerPosition("p1", GeoPos{Lat: 51.5, Lng: -0.1})
	assert.ErrorIs(t, err, ErrPositionShape)
	p, _ = m.GetPlayer("p1")
	assert.Equal(t, Dungeon{DungeonID: "lost-swamp"}, p.Location)

	assert.ErrorIs(t, m.UpdatePlayerPosition("ghost", GeoPos{}), ErrUnknownPlayer)
	assertExclusive(t, m)
}

func TestManager_UpdatePositionBoundsAndValidity(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.AddPlayer("p1", "Alice", newFakeConn(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.UpdatePlayerPosition("p1", GeoPos(northOf(swampGeo, 6000))), ErrOutOfBounds)
	assert.ErrorIs(t, m.UpdatePlayerPosition("p1", GeoPos{Lat: 95, Lng: 0}), ErrInvalidPosition)

	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	assert.ErrorIs(t, m.UpdatePlayerPosition("p1", LocalPos{X: 2e9, Y: 0}), ErrInvalidPosition)

	p, _ := m.GetPlayer("p1")
	assert.Equal(t, Dungeon{DungeonID: "lost-swamp"}, p.Location)
}

func TestManager_EntranceNotification(t *testing.T) {
	m := newTestManager(t, nil)
	conn := newFakeConn()
	_, err := m.AddPlayer("p1", "Alice", conn, AtLatLng(northOf(swampGeo, 500)))
	require.NoError(t, err)

	// Вне радиуса уведомления нет
	require.NoError(t, m.UpdatePlayerPosition("p1", GeoPos(northOf(swampGeo, 100))))
	assert.Equal(t, 0, conn.count())

	require.NoError(t, m.UpdatePlayerPosition("p1", GeoPos(northOf(swampGeo, 20))))
	envs := conn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.TypeEntityUpdate, envs[0].Type)
	assert.Equal(t, map[string]interface{}{
		"type":   "dungeon_entrance",
		"id":     "lost-swamp",
		"name":   "Lost Swamp",
		"action": "enter",
	}, envs[0].Data)

	p, _ := m.GetPlayer("p1")
	assert.Equal(t, protocol.WorldOverworld, p.Location.WorldType(), "уведомление не меняет мир игрока")
	assert.Len(t, m.NearbyEntrances("p1"), 1)
}

func TestManager_DungeonExitNotification(t *testing.T) {
	e := lostSwamp()
	e.ExitRadius = 5
	m := newTestManager(t, nil, e)
	conn := newFakeConn()
	_, err := m.AddPlayer("p1", "Alice", conn, AtLatLng(swampGeo))
	require.NoError(t, err)
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	conn.reset()

	require.NoError(t, m.UpdatePlayerPosition("p1", LocalPos{X: 50, Y: 50}))
	assert.Equal(t, 0, conn.count())

	require.NoError(t, m.UpdatePlayerPosition("p1", LocalPos{X: 3, Y: 0}))
	envs := conn.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, "dungeon_exit", envs[0].Data.(map[string]interface{})["type"])
}

func TestManager_RemovePlayer(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.AddPlayer("p1", "Alice", newFakeConn(), AtLatLng(swampGeo))
	require.NoError(t, err)
	_, err = m.AddPlayer("p2", "Bob", newFakeConn(), AtLatLng(swampGeo))
	require.NoError(t, err)
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	require.NoError(t, m.EnterDungeon("p2", "lost-swamp"))

	// Отключение внутри подземелья не трогает остальных участников
	removed, ok := m.RemovePlayer("p1")
	require.True(t, ok)
	assert.Equal(t, "lost-swamp", removed.Location.(Dungeon).DungeonID)

	info, _ := m.Instance("lost-swamp")
	assert.Equal(t, []string{"p2"}, info.Players)

	_, ok = m.RemovePlayer("p1")
	assert.False(t, ok, "повторное удаление: no-op")
	_, ok = m.RemovePlayer("never")
	assert.False(t, ok)
	assertExclusive(t, m)
}

func TestManager_GetNearbyPlayers(t *testing.T) {
	m := newTestManager(t, nil)
	_, _ = m.AddPlayer("a", "A", newFakeConn(), AtLatLng(swampGeo))
	_, _ = m.AddPlayer("b", "B", newFakeConn(), AtLatLng(northOf(swampGeo, 100)))
	_, _ = m.AddPlayer("c", "C", newFakeConn(), AtLatLng(northOf(swampGeo, 1000)))

	assert.ElementsMatch(t, []string{"a", "b"}, m.GetNearbyPlayers("a", 150))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, m.GetNearbyPlayers("a", 1500))
	assert.Empty(t, m.GetNearbyPlayers("ghost", 1000))
	assert.Empty(t, m.GetNearbyPlayers("a", -1))

	// Игроки разных миров не видят друг друга
	require.NoError(t, m.EnterDungeon("a", "lost-swamp"))
	assert.Equal(t, []string{"a"}, m.GetNearbyPlayers("a", 1e6))
	assert.ElementsMatch(t, []string{"b"}, m.GetNearbyPlayers("b", 150))
}

func TestManager_EntranceGating(t *testing.T) {
	clock := newFakeClock()
	e := lostSwamp()
	e.MinLevel = 5
	e.MaxPlayers = 1
	e.Cooldown = time.Minute
	m := newTestManager(t, clock, e)

	_, _ = m.AddPlayer("p1", "A", newFakeConn(), AtLatLng(swampGeo))
	_, _ = m.AddPlayer("p2", "B", newFakeConn(), AtLatLng(swampGeo))

	assert.ErrorIs(t, m.EnterDungeon("p1", "lost-swamp"), ErrLevelTooLow)
	require.NoError(t, m.SetPlayerLevel("p1", 5))
	require.NoError(t, m.SetPlayerLevel("p2", 7))
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))

	assert.ErrorIs(t, m.EnterDungeon("p2", "lost-swamp"), ErrDungeonFull)

	require.NoError(t, m.ExitDungeon("p1"))
	assert.ErrorIs(t, m.EnterDungeon("p1", "lost-swamp"), ErrCooldown)

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, m.EnterDungeon("p1", "lost-swamp"), ErrCooldown)
	require.NoError(t, m.EnterDungeon("p2", "lost-swamp"), "кулдаун действует только на вышедшего игрока")
	require.NoError(t, m.ExitDungeon("p2"))

	clock.Advance(31 * time.Second)
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	assertExclusive(t, m)
}

func TestManager_ReapIdleInstances(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)

	_, _ = m.AddPlayer("p1", "A", newFakeConn(), AtLatLng(swampGeo))
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))

	clock.Advance(time.Hour)
	assert.Empty(t, m.ReapIdleInstances(clock.Now()), "инстанс с игроками не удаляется")

	require.NoError(t, m.ExitDungeon("p1"))
	clock.Advance(4 * time.Minute)
	assert.Empty(t, m.ReapIdleInstances(clock.Now()))

	clock.Advance(time.Minute)
	m.Tick(50 * time.Millisecond)
	_, exists := m.Instance("lost-swamp")
	assert.False(t, exists, "пустой инстанс удаляется после простоя")

	// Повторный вход создаёт инстанс заново
	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	_, exists = m.Instance("lost-swamp")
	assert.True(t, exists)

	s := m.Stats()
	assert.Equal(t, uint64(2), s.InstancesCreated)
	assert.Equal(t, uint64(1), s.InstancesReaped)
	assert.Equal(t, uint64(1), s.Ticks)
	assert.Equal(t, 1, s.DungeonPlayers)
}

func TestManager_RegisterUnregisterEntrance(t *testing.T) {
	m := newTestManager(t, nil)
	crypt := DungeonEntrance{
		ID:                "crypt",
		Name:              "Old Crypt",
		GeoPosition:       northOf(swampGeo, 1000),
		EntryPosition:     vec.Vec2Float{X: 10, Y: 10},
		InteractionRadius: 30,
	}

	require.NoError(t, m.RegisterEntrance(crypt))
	assert.ErrorIs(t, m.RegisterEntrance(crypt), ErrDuplicateEntrance)
	assert.ErrorIs(t, m.RegisterEntrance(DungeonEntrance{ID: "bad", InteractionRadius: 0}), ErrInvalidEntrance)

	_, _ = m.AddPlayer("p1", "A", newFakeConn(), AtLatLng(crypt.GeoPosition))
	require.NoError(t, m.EnterDungeon("p1", "crypt"))
	assert.ErrorIs(t, m.UnregisterEntrance("crypt"), ErrInstanceBusy)

	require.NoError(t, m.ExitDungeon("p1"))
	require.NoError(t, m.UnregisterEntrance("crypt"))
	_, exists := m.Instance("crypt")
	assert.False(t, exists)
	assert.ErrorIs(t, m.UnregisterEntrance("crypt"), ErrUnknownDungeon)
	assert.ErrorIs(t, m.EnterDungeon("p1", "crypt"), ErrUnknownDungeon)
}

func TestManager_WorldExclusivityRandomized(t *testing.T) {
	// Случайная последовательность операций не должна нарушать единственность мира
	second := DungeonEntrance{
		ID:                "cave",
		Name:              "Cave",
		GeoPosition:       northOf(swampGeo, 300),
		EntryPosition:     vec.Vec2Float{X: 5, Y: 5},
		InteractionRadius: 50,
	}
	m := newTestManager(t, nil, lostSwamp(), second)
	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d", "e"}
	spots := []vec.LatLng{swampGeo, second.GeoPosition, northOf(swampGeo, 150)}

	for step := 0; step < 2000; step++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(6) {
		case 0:
			_, _ = m.AddPlayer(id, id, newFakeConn(), AtLatLng(spots[rng.Intn(len(spots))]))
		case 1:
			m.RemovePlayer(id)
		case 2:
			_ = m.UpdatePlayerPosition(id, GeoPos(spots[rng.Intn(len(spots))]))
		case 3:
			_ = m.UpdatePlayerPosition(id, LocalPos{X: rng.Float64() * 100, Y: rng.Float64() * 100})
		case 4:
			dungeon := "lost-swamp"
			if rng.Intn(2) == 0 {
				dungeon = "cave"
			}
			_ = m.EnterDungeon(id, dungeon)
		case 5:
			_ = m.ExitDungeon(id)
		}
		assertExclusive(t, m)
	}
}

func TestManager_StatsGridLoad(t *testing.T) {
	m := newTestManager(t, nil)
	for _, id := range []string{"p1", "p2"} {
		_, err := m.AddPlayer(id, id, newFakeConn(), AtLatLng(swampGeo))
		require.NoError(t, err)
	}
	_, err := m.AddPlayer("p3", "p3", newFakeConn(), AtLatLng(northOf(swampGeo, 3000)))
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, 3, s.OverworldPlayers)
	assert.Equal(t, 2, s.OverworldCells)
	assert.Equal(t, 2, s.MaxCellPlayers)

	require.NoError(t, m.EnterDungeon("p1", "lost-swamp"))
	assert.Equal(t, 1, m.Stats().MaxCellPlayers, "игрок в подземелье не занимает ячейку поверхности")
}
