package world

import "time"

// Connection: транспортный дескриптор игрока.
// Send не должен блокироваться: переполненное или закрытое соединение возвращает ошибку,
// и сообщение пропускается.
type Connection interface {
	IsOpen() bool
	Send(data []byte) error
}

// Player: запись игрока. Location: единственное каноническое положение,
// индексы менеджера являются производным представлением.
type Player struct {
	ID       string
	Name     string
	Conn     Connection
	Location Location
	Level    int
	JoinedAt time.Time
}
