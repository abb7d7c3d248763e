package world

import (
	"fmt"

	"github.com/annel0/geoworld/internal/protocol"
)

// Рассылки кодируют конверт один раз и обходят только нужное множество игроков:
// участников инстанса или результат запроса по радиусу.

// BroadcastToDungeon отправляет сообщение всем участникам инстанса, кроме exclude.
// Возвращает число доставленных сообщений.
func (m *Manager) BroadcastToDungeon(dungeonID string, env protocol.Envelope, exclude ...string) (int, error) {
	data, err := m.codec.Encode(env)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[dungeonID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInstanceMissing, dungeonID)
	}

	skip := toSet(exclude)
	sent := 0
	for id := range inst.members {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if m.deliverLocked(m.players[id], data) {
			sent++
		}
	}
	return sent, nil
}

// BroadcastToNearby отправляет сообщение игрокам в радиусе radius от originID
// в пределах его мира. Сам originID получает сообщение только при includeOrigin.
func (m *Manager) BroadcastToNearby(originID string, env protocol.Envelope, radius float64, includeOrigin bool) (int, error) {
	data, err := m.codec.Encode(env)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.players[originID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPlayer, originID)
	}

	sent := 0
	for _, id := range m.nearbyLocked(originID, radius) {
		if id == originID && !includeOrigin {
			continue
		}
		if m.deliverLocked(m.players[id], data) {
			sent++
		}
	}
	return sent, nil
}

// BroadcastToAll отправляет сообщение всем подключённым игрокам, кроме exclude
func (m *Manager) BroadcastToAll(env protocol.Envelope, exclude ...string) (int, error) {
	data, err := m.codec.Encode(env)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	skip := toSet(exclude)
	sent := 0
	for id, p := range m.players {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if m.deliverLocked(p, data) {
			sent++
		}
	}
	return sent, nil
}

// SendToPlayer отправляет сообщение одному игроку
func (m *Manager) SendToPlayer(playerID string, env protocol.Envelope) error {
	data, err := m.codec.Encode(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	m.deliverLocked(p, data)
	return nil
}

// sendLocked кодирует и отправляет уведомление игроку
func (m *Manager) sendLocked(p *Player, msgType string, payload any) {
	data, err := m.codec.Encode(protocol.NewEnvelope(msgType, payload, m.now()))
	if err != nil {
		m.log.Error("ошибка кодирования %s для %s: %v", msgType, p.ID, err)
		return
	}
	m.deliverLocked(p, data)
}

// deliverLocked отправляет готовые байты в открытое соединение.
// Закрытое или переполненное соединение пропускается.
func (m *Manager) deliverLocked(p *Player, data []byte) bool {
	if p == nil || p.Conn == nil || !p.Conn.IsOpen() {
		m.messagesSkipped.Add(1)
		return false
	}
	if err := p.Conn.Send(data); err != nil {
		m.messagesSkipped.Add(1)
		m.log.Trace("сообщение для %s пропущено: %v", p.ID, err)
		return false
	}
	m.messagesSent.Add(1)
	return true
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
