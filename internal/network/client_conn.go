package network

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrConnClosed: отправка в закрытое соединение
	ErrConnClosed = errors.New("network: connection closed")
	// ErrSendBufferFull: очередь отправки переполнена, сообщение отброшено
	ErrSendBufferFull = errors.New("network: send buffer full")
)

// DefaultSendBuffer: размер очереди исходящих кадров на соединение
const DefaultSendBuffer = 256

// ClientConn: исходящая очередь одного клиента.
// Реализует world.Connection: Send никогда не блокируется, медленный клиент теряет
// сообщения вместо того, чтобы задерживать рассылку остальным.
// Очередь читает writer-горутина транспорта.
type ClientConn struct {
	id     string
	remote string
	send   chan []byte
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}

	dropped atomic.Uint64
}

// NewClientConn создаёт очередь на buffer кадров
func NewClientConn(id, remote string, buffer int) *ClientConn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &ClientConn{
		id:     id,
		remote: remote,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// ID возвращает идентификатор соединения
func (c *ClientConn) ID() string { return c.id }

// RemoteAddr возвращает адрес клиента
func (c *ClientConn) RemoteAddr() string { return c.remote }

// IsOpen сообщает, принимает ли соединение кадры
func (c *ClientConn) IsOpen() bool { return !c.closed.Load() }

// Send ставит кадр в очередь без блокировки
func (c *ClientConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.dropped.Add(1)
		return ErrSendBufferFull
	}
}

// Outbound возвращает канал исходящих кадров для writer-горутины
func (c *ClientConn) Outbound() <-chan []byte { return c.send }

// Done закрывается при Close
func (c *ClientConn) Done() <-chan struct{} { return c.done }

// Dropped возвращает число отброшенных из-за переполнения кадров
func (c *ClientConn) Dropped() uint64 { return c.dropped.Load() }

// Close помечает соединение закрытым. Повторный вызов безопасен.
// Канал send не закрывается, чтобы конкурентный Send не паниковал.
func (c *ClientConn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}
