package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec сериализует исходящие конверты.
// Широковещательные рассылки кодируют сообщение один раз и отправляют те же байты всем.
type Codec interface {
	Name() string
	// Binary сообщает, что результат: бинарный кадр (для WebSocket)
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// NewCodec возвращает кодек по имени: "json" (по умолчанию) или "protobuf"
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf", "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("неизвестный кодек: %q", name)
	}
}

// JSONCodec кодирует конверт в JSON
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации конверта %s: %w", env.Type, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("ошибка десериализации конверта: %w", err)
	}
	return env, nil
}

// ProtoCodec кодирует конверт как google.protobuf.Struct.
// Схема полезной нагрузки та же, что и у JSON, поэтому .proto-описания не нужны.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "protobuf" }
func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Encode(env Envelope) ([]byte, error) {
	// Приводим полезную нагрузку к JSON-совместимому виду
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации конверта %s: %w", env.Type, err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("ошибка преобразования в structpb: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Decode(data []byte) (Envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Envelope{}, fmt.Errorf("ошибка десериализации protobuf: %w", err)
	}
	m := st.AsMap()

	env := Envelope{Data: m["data"]}
	if t, ok := m["type"].(string); ok {
		env.Type = t
	}
	// Числа в Struct хранятся как double
	if ts, ok := m["timestamp"].(float64); ok {
		env.Timestamp = int64(ts)
	}
	return env, nil
}
