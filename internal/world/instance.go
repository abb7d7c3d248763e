package world

import (
	"sort"
	"time"

	"github.com/annel0/geoworld/internal/spatial"
)

// DungeonInstance: изолированное пространство подземелья.
// Один инстанс на вход; создаётся при первом входе и удаляется сборщиком,
// когда пустует дольше InstanceIdleTTL.
type DungeonInstance struct {
	id         string
	grid       *spatial.PlanarIndex
	members    map[string]struct{}
	createdAt  time.Time
	emptySince time.Time // нулевое значение: в инстансе есть игроки
}

func newDungeonInstance(id string, cellSize float64, now time.Time) *DungeonInstance {
	return &DungeonInstance{
		id:         id,
		grid:       spatial.NewPlanarIndex(cellSize),
		members:    make(map[string]struct{}),
		createdAt:  now,
		emptySince: now,
	}
}

func (d *DungeonInstance) join(playerID string) {
	d.members[playerID] = struct{}{}
	d.emptySince = time.Time{}
}

func (d *DungeonInstance) leave(playerID string, now time.Time) {
	d.grid.RemoveEntity(playerID)
	delete(d.members, playerID)
	if len(d.members) == 0 && d.emptySince.IsZero() {
		d.emptySince = now
	}
}

// idle сообщает, пустует ли инстанс не меньше ttl
func (d *DungeonInstance) idle(now time.Time, ttl time.Duration) bool {
	if len(d.members) > 0 || d.emptySince.IsZero() {
		return false
	}
	return now.Sub(d.emptySince) >= ttl
}

func (d *DungeonInstance) memberIDs() []string {
	ids := make([]string, 0, len(d.members))
	for id := range d.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InstanceInfo: снимок состояния инстанса для API и метрик
type InstanceInfo struct {
	DungeonID  string    `json:"dungeonId"`
	Players    []string  `json:"players"`
	Cells      int       `json:"cells"`
	CreatedAt  time.Time `json:"createdAt"`
	EmptySince time.Time `json:"emptySince,omitempty"`
}

func (d *DungeonInstance) info() InstanceInfo {
	return InstanceInfo{
		DungeonID:  d.id,
		Players:    d.memberIDs(),
		Cells:      d.grid.GetCellCount(),
		CreatedAt:  d.createdAt,
		EmptySince: d.emptySince,
	}
}
