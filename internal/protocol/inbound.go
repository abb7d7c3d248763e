package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/annel0/geoworld/internal/vec"
)

// Типы входящих команд клиента
const (
	CmdMove         = "move"
	CmdEnterDungeon = "enter_dungeon"
	CmdExitDungeon  = "exit_dungeon"
	CmdPing         = "ping"
)

// ErrInvalidMessage возвращается для кадров, не прошедших проверку схемы
var ErrInvalidMessage = errors.New("protocol: invalid client message")

// ClientMessage: входящий кадр {type, data}
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MovePayload: {lat,lng} для поверхности или {x,y} для подземелья.
// Какая пара заполнена, определяет целевой мир.
type MovePayload struct {
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
	X   *float64 `json:"x,omitempty"`
	Y   *float64 `json:"y,omitempty"`
}

// Geo возвращает географическую координату, если передана пара lat/lng
func (m MovePayload) Geo() (vec.LatLng, bool) {
	if m.Lat == nil || m.Lng == nil {
		return vec.LatLng{}, false
	}
	return vec.LatLng{Lat: *m.Lat, Lng: *m.Lng}, true
}

// Local возвращает локальную координату, если передана пара x/y
func (m MovePayload) Local() (vec.Vec2Float, bool) {
	if m.X == nil || m.Y == nil {
		return vec.Vec2Float{}, false
	}
	return vec.Vec2Float{X: *m.X, Y: *m.Y}, true
}

// EnterDungeonPayload: запрос на вход в подземелье
type EnterDungeonPayload struct {
	DungeonID string `json:"dungeonId"`
}

// PingPayload: эхо клиентского времени
type PingPayload struct {
	ClientTime int64 `json:"clientTime,omitempty"`
}

const clientMessageSchemaURL = "client_message.schema.json"

const clientMessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["move", "enter_dungeon", "exit_dungeon", "ping"]},
    "data": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "move"}}},
      "then": {
        "required": ["data"],
        "properties": {
          "data": {
            "oneOf": [
              {
                "required": ["lat", "lng"],
                "properties": {
                  "lat": {"type": "number", "minimum": -90, "maximum": 90},
                  "lng": {"type": "number", "minimum": -180, "maximum": 180}
                },
                "not": {"anyOf": [{"required": ["x"]}, {"required": ["y"]}]}
              },
              {
                "required": ["x", "y"],
                "properties": {
                  "x": {"type": "number"},
                  "y": {"type": "number"}
                },
                "not": {"anyOf": [{"required": ["lat"]}, {"required": ["lng"]}]}
              }
            ]
          }
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "enter_dungeon"}}},
      "then": {
        "required": ["data"],
        "properties": {
          "data": {
            "required": ["dungeonId"],
            "properties": {"dungeonId": {"type": "string", "minLength": 1}}
          }
        }
      }
    }
  ]
}`

var clientSchema = jsonschema.MustCompileString(clientMessageSchemaURL, clientMessageSchema)

// ParseClientMessage проверяет кадр по JSON-схеме и разбирает его
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := clientSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, firstLine(err.Error()))
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// DecodeMove разбирает полезную нагрузку команды move
func (m *ClientMessage) DecodeMove() (MovePayload, error) {
	var p MovePayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return MovePayload{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return p, nil
}

// DecodeEnterDungeon разбирает полезную нагрузку команды enter_dungeon
func (m *ClientMessage) DecodeEnterDungeon() (EnterDungeonPayload, error) {
	var p EnterDungeonPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return EnterDungeonPayload{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return p, nil
}

// DecodePing разбирает полезную нагрузку ping (может отсутствовать)
func (m *ClientMessage) DecodePing() PingPayload {
	var p PingPayload
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &p)
	}
	return p
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
