package world

import (
	"fmt"

	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/vec"
)

// Location: текущее положение игрока: либо Overworld, либо Dungeon.
// Набор реализаций закрыт, поэтому состояние «нигде» или «в двух мирах» непредставимо.
type Location interface {
	// WorldType возвращает protocol.WorldOverworld или protocol.WorldDungeon
	WorldType() string
	isLocation()
}

// Overworld: положение на общей географической карте
type Overworld struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (Overworld) WorldType() string { return protocol.WorldOverworld }
func (Overworld) isLocation()       {}

// Pos возвращает координату в виде vec.LatLng
func (o Overworld) Pos() vec.LatLng { return vec.LatLng{Lat: o.Lat, Lng: o.Lng} }

func (o Overworld) String() string { return fmt.Sprintf("overworld(%.6f,%.6f)", o.Lat, o.Lng) }

// Dungeon: положение внутри инстанса подземелья
type Dungeon struct {
	DungeonID string  `json:"dungeonId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

func (Dungeon) WorldType() string { return protocol.WorldDungeon }
func (Dungeon) isLocation()       {}

// Pos возвращает координату в виде vec.Vec2Float
func (d Dungeon) Pos() vec.Vec2Float { return vec.Vec2Float{X: d.X, Y: d.Y} }

func (d Dungeon) String() string { return fmt.Sprintf("dungeon(%s,%.2f,%.2f)", d.DungeonID, d.X, d.Y) }

// AtLatLng создаёт Overworld из vec.LatLng
func AtLatLng(p vec.LatLng) Overworld { return Overworld{Lat: p.Lat, Lng: p.Lng} }

// InDungeon создаёт Dungeon из идентификатора и локальной координаты
func InDungeon(dungeonID string, p vec.Vec2Float) Dungeon {
	return Dungeon{DungeonID: dungeonID, X: p.X, Y: p.Y}
}

// Position: новая координата из команды движения.
// GeoPos допустим только на поверхности, LocalPos только в подземелье.
type Position interface {
	isPosition()
}

// GeoPos: координата {lat,lng}
type GeoPos vec.LatLng

// LocalPos: координата {x,y}
type LocalPos vec.Vec2Float

func (GeoPos) isPosition()   {}
func (LocalPos) isPosition() {}

// transitionPayload формирует полезную нагрузку world_transition для положения
func transitionPayload(loc Location) protocol.WorldTransitionPayload {
	switch l := loc.(type) {
	case Dungeon:
		return protocol.DungeonTransition(l.DungeonID, l.Pos())
	case Overworld:
		return protocol.OverworldTransition(l.Pos())
	default:
		return protocol.WorldTransitionPayload{}
	}
}

// TransitionPayload: экспортируемый вариант для приветственных сообщений транспорта
func TransitionPayload(loc Location) protocol.WorldTransitionPayload {
	return transitionPayload(loc)
}
