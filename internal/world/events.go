package world

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/geoworld/internal/eventbus"
)

// Типы доменных событий мира
const (
	EventPlayerJoined    = "player_joined"
	EventPlayerLeft      = "player_left"
	EventDungeonEntered  = "dungeon_entered"
	EventDungeonExited   = "dungeon_exited"
	EventInstanceCreated = "instance_created"
	EventInstanceReaped  = "instance_reaped"
)

// EventSource: имя источника в конвертах шины
const EventSource = "world"

// Event: полезная нагрузка доменного события
type Event struct {
	Type      string    `json:"type"`
	PlayerID  string    `json:"playerId,omitempty"`
	DungeonID string    `json:"dungeonId,omitempty"`
	WorldType string    `json:"worldType,omitempty"`
	At        time.Time `json:"at"`
}

// toEnvelope упаковывает событие в конверт шины
func (e Event) toEnvelope() (*eventbus.Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	priority := 3
	if e.Type == EventPlayerJoined || e.Type == EventPlayerLeft {
		priority = 5
	}
	return &eventbus.Envelope{
		ID:        uuid.NewString(),
		Timestamp: e.At.UTC(),
		Source:    EventSource,
		EventType: e.Type,
		Version:   1,
		Priority:  priority,
		Payload:   payload,
		Metadata:  e.metadata(),
	}, nil
}

func (e Event) metadata() map[string]string {
	md := make(map[string]string, 3)
	if e.PlayerID != "" {
		md["player"] = e.PlayerID
	}
	if e.DungeonID != "" {
		md["dungeon"] = e.DungeonID
	}
	if e.WorldType != "" {
		md["world"] = e.WorldType
	}
	return md
}

// DecodeEvent разбирает полезную нагрузку конверта, опубликованного миром
func DecodeEvent(ev *eventbus.Envelope) (Event, error) {
	var e Event
	err := json.Unmarshal(ev.Payload, &e)
	return e, err
}

// publish отправляет накопленные события в шину. Вызывается без m.mu.
func (m *Manager) publish(events []Event) {
	if m.bus == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, e := range events {
		env, err := e.toEnvelope()
		if err != nil {
			m.log.Warn("не удалось сериализовать событие %s: %v", e.Type, err)
			continue
		}
		if err := m.bus.Publish(ctx, env); err != nil {
			m.log.Warn("не удалось опубликовать событие %s: %v", e.Type, err)
		}
	}
}
