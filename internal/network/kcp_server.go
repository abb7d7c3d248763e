package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/world"
)

const (
	kcpHandshakeTimeout = 10 * time.Second
	kcpIdleTimeout      = 60 * time.Second
)

// HelloFrame: первый кадр клиента KCP
type HelloFrame struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

// KCPServer: дополнительный транспорт поверх KCP (надёжный UDP).
// Кадры длиной с префиксом, крупные сжимаются zstd. Первый кадр клиента: HelloFrame.
type KCPServer struct {
	addr       string
	dispatcher *Dispatcher
	frames     *FrameCodec
	logger     *logging.Logger

	listener *kcp.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*kcp.UDPSession
	active   atomic.Int64
}

// NewKCPServer создаёт сервер; compress включает zstd для исходящих кадров
func NewKCPServer(addr string, d *Dispatcher, compress bool) (*KCPServer, error) {
	frames, err := NewFrameCodec(compress)
	if err != nil {
		return nil, err
	}
	return &KCPServer{
		addr:       addr,
		dispatcher: d,
		frames:     frames,
		logger:     logging.GetNetworkLogger(),
		sessions:   make(map[string]*kcp.UDPSession),
	}, nil
}

// Start запускает сервер
func (ks *KCPServer) Start() error {
	listener, err := kcp.ListenWithOptions(ks.addr, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ks.addr, err)
	}

	ks.listener = listener
	ks.ctx, ks.cancel = context.WithCancel(context.Background())

	ks.wg.Add(1)
	go ks.acceptLoop()

	ks.logger.Info("🚀 KCP сервер запущен на %s", listener.Addr())
	return nil
}

// Addr возвращает фактический адрес после Start
func (ks *KCPServer) Addr() string {
	if ks.listener == nil {
		return ks.addr
	}
	return ks.listener.Addr().String()
}

// Stop останавливает сервер и закрывает все сессии
func (ks *KCPServer) Stop() error {
	if ks.cancel != nil {
		ks.cancel()
	}

	var err error
	if ks.listener != nil {
		err = ks.listener.Close()
	}

	ks.mu.Lock()
	for _, sess := range ks.sessions {
		sess.Close()
	}
	ks.mu.Unlock()

	// Ждем завершения горутин
	ks.wg.Wait()
	ks.frames.Close()

	ks.logger.Info("🛑 KCP сервер остановлен")
	return err
}

// Connections возвращает число активных сессий
func (ks *KCPServer) Connections() int { return int(ks.active.Load()) }

// acceptLoop принимает входящие соединения
func (ks *KCPServer) acceptLoop() {
	defer ks.wg.Done()

	for {
		sess, err := ks.listener.AcceptKCP()
		if err != nil {
			select {
			case <-ks.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ks.logger.Error("accept: %v", err)
			continue
		}

		// Настраиваем KCP параметры для игрового трафика
		sess.SetStreamMode(true)
		sess.SetWriteDelay(false)
		sess.SetNoDelay(1, 20, 2, 1) // Агрессивные настройки для игр
		sess.SetWindowSize(512, 512) // Увеличиваем окно для пропускной способности
		sess.SetMtu(1400)            // Стандартный MTU для интернета

		ks.wg.Add(1)
		go ks.serveSession(sess)
	}
}

func (ks *KCPServer) serveSession(sess *kcp.UDPSession) {
	defer ks.wg.Done()
	defer sess.Close()

	hello, err := ks.readHello(sess)
	if err != nil {
		ks.logger.Warn("KCP handshake %s: %v", sess.RemoteAddr(), err)
		return
	}

	cc := NewClientConn(hello.PlayerID, sess.RemoteAddr().String(), DefaultSendBuffer)
	if _, err := ks.dispatcher.Connect(ks.ctx, hello.PlayerID, hello.Name, cc); err != nil {
		ks.logger.Warn("игрок %s не подключён: %v", hello.PlayerID, err)
		ks.writeRejection(sess, err)
		return
	}

	ks.mu.Lock()
	ks.sessions[hello.PlayerID] = sess
	ks.mu.Unlock()
	ks.active.Add(1)
	ks.logger.Info("🔗 KCP игрок %s подключён с %s", hello.PlayerID, sess.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ks.sendLoop(sess, cc)
	}()

	ks.receiveLoop(sess, cc)

	cc.Close()
	_ = sess.Close()
	<-writerDone
	ks.dispatcher.Disconnect(context.Background(), hello.PlayerID)

	ks.mu.Lock()
	if ks.sessions[hello.PlayerID] == sess {
		delete(ks.sessions, hello.PlayerID)
	}
	ks.mu.Unlock()
	ks.active.Add(-1)
	ks.logger.Info("👋 KCP игрок %s отключился", hello.PlayerID)
}

func (ks *KCPServer) readHello(sess *kcp.UDPSession) (HelloFrame, error) {
	_ = sess.SetReadDeadline(time.Now().Add(kcpHandshakeTimeout))
	data, err := ks.frames.ReadFrame(sess)
	if err != nil {
		return HelloFrame{}, err
	}

	var hello HelloFrame
	if err := json.Unmarshal(data, &hello); err != nil {
		return HelloFrame{}, fmt.Errorf("%w: hello: %v", protocol.ErrInvalidMessage, err)
	}
	if hello.PlayerID == "" {
		hello.PlayerID = uuid.NewString()
	}
	if hello.Name == "" {
		hello.Name = hello.PlayerID
	}
	return hello, nil
}

// writeRejection отправляет error-конверт перед закрытием сессии
func (ks *KCPServer) writeRejection(sess *kcp.UDPSession, cause error) {
	env := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
		Request: "hello",
		Code:    world.ErrorCode(cause),
		Message: cause.Error(),
	}, time.Now())
	data, err := ks.dispatcher.World().Codec().Encode(env)
	if err != nil {
		return
	}
	_ = sess.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ks.frames.WriteFrame(sess, data)
}

// receiveLoop читает кадры клиента до ошибки или простоя
func (ks *KCPServer) receiveLoop(sess *kcp.UDPSession, cc *ClientConn) {
	for {
		_ = sess.SetReadDeadline(time.Now().Add(kcpIdleTimeout))
		data, err := ks.frames.ReadFrame(sess)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				ks.logger.Debug("KCP игрок %s молчит дольше %v", cc.ID(), kcpIdleTimeout)
			}
			return
		}
		if err := ks.dispatcher.Handle(ks.ctx, cc.ID(), data); err != nil {
			ks.logger.Trace("кадр от %s отклонён: %v", cc.ID(), err)
		}
	}
}

// sendLoop пишет кадры из очереди клиента
func (ks *KCPServer) sendLoop(sess *kcp.UDPSession, cc *ClientConn) {
	for {
		select {
		case data := <-cc.Outbound():
			_ = sess.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ks.frames.WriteFrame(sess, data); err != nil {
				ks.logger.Debug("запись %s: %v", cc.ID(), err)
				cc.Close()
				_ = sess.Close()
				return
			}
		case <-cc.Done():
			return
		}
	}
}
