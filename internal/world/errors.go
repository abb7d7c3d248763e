package world

import (
	"errors"

	"github.com/annel0/geoworld/internal/spatial"
)

// Ошибки операций менеджера мира. При любой из них состояние не изменяется.
var (
	ErrUnknownPlayer     = errors.New("world: unknown player")
	ErrDuplicatePlayer   = errors.New("world: player already connected")
	ErrUnknownDungeon    = errors.New("world: unknown dungeon")
	ErrWrongWorld        = errors.New("world: player is in the wrong world")
	ErrOutOfRange        = errors.New("world: entrance is out of interaction range")
	ErrInstanceMissing   = errors.New("world: dungeon instance does not exist")
	ErrPositionShape     = errors.New("world: position shape does not match current world")
	ErrOutOfBounds       = errors.New("world: position is outside the map boundary")
	ErrDungeonFull       = errors.New("world: dungeon is full")
	ErrLevelTooLow       = errors.New("world: player level too low")
	ErrCooldown          = errors.New("world: dungeon re-entry cooldown")
	ErrDuplicateEntrance = errors.New("world: entrance already registered")
	ErrInvalidEntrance   = errors.New("world: invalid entrance")
	ErrInstanceBusy      = errors.New("world: dungeon instance has players")

	// ErrInvalidPosition: координата вне допустимого диапазона индекса
	ErrInvalidPosition = spatial.ErrInvalidPosition
)

// ErrorCode возвращает короткий машинный код ошибки для ответов клиенту
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownPlayer):
		return "unknown_player"
	case errors.Is(err, ErrDuplicatePlayer):
		return "duplicate_player"
	case errors.Is(err, ErrUnknownDungeon):
		return "unknown_dungeon"
	case errors.Is(err, ErrWrongWorld):
		return "wrong_world"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrInstanceMissing):
		return "instance_missing"
	case errors.Is(err, ErrPositionShape):
		return "position_shape"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrDungeonFull):
		return "dungeon_full"
	case errors.Is(err, ErrLevelTooLow):
		return "level_too_low"
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, ErrDuplicateEntrance):
		return "duplicate_entrance"
	case errors.Is(err, ErrInvalidEntrance):
		return "invalid_entrance"
	case errors.Is(err, ErrInstanceBusy):
		return "instance_busy"
	default:
		return "internal"
	}
}
