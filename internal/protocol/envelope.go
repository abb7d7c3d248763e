// Package protocol описывает формат сообщений между сервером и клиентами:
// исходящий конверт {type, data, timestamp}, входящие команды и кодеки.
package protocol

import (
	"time"

	"github.com/annel0/geoworld/internal/vec"
)

// Типы исходящих сообщений
const (
	TypeEntityUpdate    = "entity_update"
	TypeWorldTransition = "world_transition"
	TypeWelcome         = "welcome"
	TypeError           = "error"
	TypePong            = "pong"
	TypeAnnouncement    = "announcement"
)

// Подтипы полезной нагрузки entity_update
const (
	SubtypeDungeonEntrance = "dungeon_entrance"
	SubtypeDungeonExit     = "dungeon_exit"
	SubtypePlayerMoved     = "player_moved"
	SubtypePlayerLeft      = "player_left"
)

// Тип мира в сообщениях world_transition
const (
	WorldOverworld = "overworld"
	WorldDungeon   = "dungeon"
)

// Envelope: универсальный исходящий конверт
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // миллисекунды Unix
}

// NewEnvelope создаёт конверт с меткой времени now
func NewEnvelope(msgType string, data any, now time.Time) Envelope {
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
}

// DungeonEntrancePayload сообщает игроку, что рядом вход в подземелье
type DungeonEntrancePayload struct {
	Type   string `json:"type"` // всегда SubtypeDungeonEntrance
	ID     string `json:"id"`
	Name   string `json:"name"`
	Action string `json:"action"` // "enter"
}

// NewDungeonEntrancePayload создаёт уведомление о входе
func NewDungeonEntrancePayload(id, name string) DungeonEntrancePayload {
	return DungeonEntrancePayload{
		Type:   SubtypeDungeonEntrance,
		ID:     id,
		Name:   name,
		Action: "enter",
	}
}

// NewDungeonExitPayload сообщает игроку в подземелье, что он стоит у выхода
func NewDungeonExitPayload(id, name string) DungeonEntrancePayload {
	return DungeonEntrancePayload{
		Type:   SubtypeDungeonExit,
		ID:     id,
		Name:   name,
		Action: "exit",
	}
}

// PlayerPayload сообщает соседям о перемещении или уходе игрока
type PlayerPayload struct {
	Type      string `json:"type"` // SubtypePlayerMoved или SubtypePlayerLeft
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	WorldType string `json:"worldType,omitempty"`
	DungeonID string `json:"dungeonId,omitempty"`
	Position  any    `json:"position,omitempty"`
}

// WorldTransitionPayload сообщает о переходе между поверхностью и подземельем.
// Position: vec.LatLng для поверхности и vec.Vec2Float для подземелья.
type WorldTransitionPayload struct {
	WorldType string `json:"worldType"`
	DungeonID string `json:"dungeonId,omitempty"`
	Position  any    `json:"position"`
}

// OverworldTransition создаёт полезную нагрузку перехода на поверхность
func OverworldTransition(pos vec.LatLng) WorldTransitionPayload {
	return WorldTransitionPayload{WorldType: WorldOverworld, Position: pos}
}

// DungeonTransition создаёт полезную нагрузку перехода в подземелье
func DungeonTransition(dungeonID string, pos vec.Vec2Float) WorldTransitionPayload {
	return WorldTransitionPayload{WorldType: WorldDungeon, DungeonID: dungeonID, Position: pos}
}

// WelcomePayload отправляется сразу после подключения.
// Entrances перечисляет входы, в радиусе которых игрок уже стоит.
type WelcomePayload struct {
	PlayerID  string         `json:"playerId"`
	WorldType string         `json:"worldType"`
	DungeonID string         `json:"dungeonId,omitempty"`
	Position  any            `json:"position"`
	TickRate  int            `json:"tickRate"`
	Entrances []EntranceInfo `json:"entrances,omitempty"`
}

// EntranceInfo: краткое описание входа в подземелье
type EntranceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PongPayload: ответ на ping
type PongPayload struct {
	ClientTime int64 `json:"clientTime,omitempty"`
	ServerTime int64 `json:"serverTime"`
}

// ErrorPayload: ответ на отклонённую команду клиента
type ErrorPayload struct {
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AnnouncementPayload: сообщение администратора всем игрокам
type AnnouncementPayload struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}
