package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/world"
)

// Настройки WebSocket
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WSServer: основной транспорт игроков: один WebSocket на игрока.
// Игрок указывается в запросе: /ws?id=<playerId>&name=<name>; без id выдаётся uuid.
type WSServer struct {
	addr       string
	dispatcher *Dispatcher
	binary     bool
	logger     *logging.Logger
	upgrader   websocket.Upgrader

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	conns   map[string]*ClientConn
	closing bool // выставляется Stop; новые сессии после этого не принимаются
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewWSServer создаёт сервер. Тип кадра (текст или бинарный) берётся из кодека мира.
func NewWSServer(addr string, d *Dispatcher) *WSServer {
	s := &WSServer{
		addr:       addr,
		dispatcher: d,
		binary:     d.World().Codec().Binary(),
		logger:     logging.GetNetworkLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*ClientConn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler возвращает HTTP-обработчик (для httptest и встраивания)
func (s *WSServer) Handler() http.Handler { return s.server.Handler }

// Start начинает принимать соединения
func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("❌ WebSocket сервер остановлен с ошибкой: %v", err)
		}
	}()
	s.logger.Info("🚀 WebSocket сервер запущен на %s", ln.Addr())
	return nil
}

// Addr возвращает фактический адрес после Start
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop прекращает приём, закрывает все сессии и ждёт их завершения
func (s *WSServer) Stop(ctx context.Context) error {
	// closing выставляется до Shutdown: обработчики, уже принявшие запрос,
	// увидят его под s.mu и не станут увеличивать s.wg после начала Wait
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)

	// Shutdown не трогает перехваченные соединения
	s.mu.Lock()
	for _, cc := range s.conns {
		cc.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("🛑 WebSocket сервер остановлен")
	return err
}

// Connections возвращает число активных сессий
func (s *WSServer) Connections() int { return int(s.active.Load()) }

func (s *WSServer) serveWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("id")
	if playerID == "" {
		playerID = uuid.NewString()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = playerID
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	cc := NewClientConn(playerID, r.RemoteAddr, DefaultSendBuffer)
	if _, err := s.dispatcher.Connect(context.Background(), playerID, name, cc); err != nil {
		s.logger.Warn("игрок %s не подключён: %v", playerID, err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, world.ErrorCode(err))
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[playerID] = cc
	if s.closing {
		// Stop уже обошёл s.conns; writePump закроет сокет, readPump отключит игрока
		cc.Close()
	}
	s.mu.Unlock()
	s.active.Add(1)

	go s.writePump(ws, cc)
	s.readPump(ws, cc)
}

// readPump читает команды от клиента до ошибки или закрытия
func (s *WSServer) readPump(ws *websocket.Conn, cc *ClientConn) {
	defer func() {
		cc.Close()
		s.dispatcher.Disconnect(context.Background(), cc.ID())

		s.mu.Lock()
		if s.conns[cc.ID()] == cc {
			delete(s.conns, cc.ID())
		}
		s.mu.Unlock()
		s.active.Add(-1)

		if err := ws.Close(); err != nil {
			s.logger.Trace("close %s: %v", cc.ID(), err)
		}
		s.logger.Info("👋 игрок %s отключился", cc.ID())
	}()

	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("failed to set read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WS ошибка %s: %v", cc.ID(), err)
			}
			return
		}
		if err := s.dispatcher.Handle(context.Background(), cc.ID(), data); err != nil {
			s.logger.Trace("кадр от %s отклонён: %v", cc.ID(), err)
		}
	}
}

// writePump отправляет кадры из очереди клиента и ping
func (s *WSServer) writePump(ws *websocket.Conn, cc *ClientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	msgType := websocket.TextMessage
	if s.binary {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case data := <-cc.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(msgType, data); err != nil {
				s.logger.Debug("запись %s: %v", cc.ID(), err)
				cc.Close()
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cc.Close()
				return
			}

		case <-cc.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
