package world

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/geoworld/internal/eventbus"
	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/spatial"
	"github.com/annel0/geoworld/internal/vec"
)

// Options: параметры менеджера мира
type Options struct {
	Center            vec.LatLng    // точка появления по умолчанию
	BoundaryRadius    float64       // метры от Center; 0 отключает проверку
	OverworldCellSize float64       // метры
	DungeonCellSize   float64       // локальные единицы
	InstanceIdleTTL   time.Duration // отрицательное значение отключает сборку инстансов

	Codec  protocol.Codec
	Bus    eventbus.EventBus
	Logger *logging.Logger
	Now    func() time.Time
}

// DefaultOptions возвращает параметры по умолчанию
func DefaultOptions() Options {
	return Options{
		Center:            vec.LatLng{Lat: 51.505, Lng: -0.09},
		BoundaryRadius:    5000,
		OverworldCellSize: spatial.DefaultGeoCellSize,
		DungeonCellSize:   spatial.DefaultPlanarCellSize,
		InstanceIdleTTL:   5 * time.Minute,
	}
}

// Manager: владелец состояния мира: сетка поверхности, инстансы подземелий,
// реестр входов и записи игроков.
//
// Все изменяющие операции выполняются под m.mu целиком, поэтому составные переходы
// (снять с поверхности и поставить в подземелье) атомарны для остальных вызовов.
// Отправка сообщений под блокировкой допустима, так как Connection.Send не блокируется.
// События шины публикуются после снятия блокировки.
type Manager struct {
	mu sync.Mutex

	opts      Options
	codec     protocol.Codec
	bus       eventbus.EventBus
	log       *logging.Logger
	now       func() time.Time
	overworld *spatial.GeoIndex
	entrances *EntranceRegistry
	instances map[string]*DungeonInstance
	players   map[string]*Player
	lastExit  map[exitKey]time.Time

	ticks            atomic.Uint64
	messagesSent     atomic.Uint64
	messagesSkipped  atomic.Uint64
	instancesCreated atomic.Uint64
	instancesReaped  atomic.Uint64
}

type exitKey struct {
	playerID  string
	dungeonID string
}

// NewManager создаёт менеджер мира. registry может быть nil.
func NewManager(registry *EntranceRegistry, opts Options) *Manager {
	def := DefaultOptions()
	if opts.OverworldCellSize <= 0 {
		opts.OverworldCellSize = def.OverworldCellSize
	}
	if opts.DungeonCellSize <= 0 {
		opts.DungeonCellSize = def.DungeonCellSize
	}
	if !opts.Center.IsValid() {
		opts.Center = def.Center
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetWorldLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if registry == nil {
		registry, _ = NewEntranceRegistry()
	}

	return &Manager{
		opts:      opts,
		codec:     opts.Codec,
		bus:       opts.Bus,
		log:       opts.Logger,
		now:       opts.Now,
		overworld: spatial.NewGeoIndex(opts.OverworldCellSize),
		entrances: registry,
		instances: make(map[string]*DungeonInstance),
		players:   make(map[string]*Player),
		lastExit:  make(map[exitKey]time.Time),
	}
}

// Center возвращает точку появления по умолчанию
func (m *Manager) Center() vec.LatLng { return m.opts.Center }

// Entrances возвращает реестр входов
func (m *Manager) Entrances() *EntranceRegistry { return m.entrances }

// Codec возвращает кодек исходящих сообщений
func (m *Manager) Codec() protocol.Codec { return m.codec }

// AddPlayer регистрирует игрока. При initial == nil игрок появляется в центре карты.
// Начальное положение в подземелье создаёт инстанс при необходимости.
func (m *Manager) AddPlayer(id, name string, conn Connection, initial Location) (Player, error) {
	if initial == nil {
		initial = AtLatLng(m.opts.Center)
	}

	m.mu.Lock()

	if _, exists := m.players[id]; exists {
		m.mu.Unlock()
		return Player{}, fmt.Errorf("%w: %s", ErrDuplicatePlayer, id)
	}

	now := m.now()
	var events []Event

	switch loc := initial.(type) {
	case Overworld:
		if err := m.checkOverworldPos(loc.Pos()); err != nil {
			m.mu.Unlock()
			return Player{}, err
		}
		if err := m.overworld.AddEntity(id, loc.Pos()); err != nil {
			m.mu.Unlock()
			return Player{}, err
		}

	case Dungeon:
		if _, ok := m.entrances.Get(loc.DungeonID); !ok {
			m.mu.Unlock()
			return Player{}, fmt.Errorf("%w: %s", ErrUnknownDungeon, loc.DungeonID)
		}
		inst, created := m.instanceLocked(loc.DungeonID, now)
		if err := inst.grid.AddEntity(id, loc.Pos()); err != nil {
			m.mu.Unlock()
			return Player{}, err
		}
		inst.join(id)
		if created {
			events = append(events, Event{Type: EventInstanceCreated, DungeonID: loc.DungeonID, At: now})
		}

	default:
		m.mu.Unlock()
		return Player{}, ErrPositionShape
	}

	p := &Player{
		ID:       id,
		Name:     name,
		Conn:     conn,
		Location: initial,
		JoinedAt: now,
	}
	m.players[id] = p
	snapshot := *p
	events = append(events, Event{Type: EventPlayerJoined, PlayerID: id, WorldType: initial.WorldType(), At: now})
	m.mu.Unlock()

	m.log.Info("игрок %s (%s) подключён: %v", id, name, initial)
	m.publish(events)
	return snapshot, nil
}

// RemovePlayer удаляет игрока из того мира, где он находится.
// Для неизвестного id возвращает false и ничего не делает.
func (m *Manager) RemovePlayer(id string) (Player, bool) {
	m.mu.Lock()

	p, exists := m.players[id]
	if !exists {
		m.mu.Unlock()
		return Player{}, false
	}

	now := m.now()
	switch loc := p.Location.(type) {
	case Overworld:
		m.overworld.RemoveEntity(id)
	case Dungeon:
		if inst, ok := m.instances[loc.DungeonID]; ok {
			inst.leave(id, now)
		} else {
			m.log.Warn("игрок %s числится в подземелье %s без инстанса", id, loc.DungeonID)
		}
	default:
		// Неизвестный тег: снимаем игрока отовсюду
		m.overworld.RemoveEntity(id)
		for _, inst := range m.instances {
			inst.leave(id, now)
		}
	}

	delete(m.players, id)
	snapshot := *p
	m.mu.Unlock()

	m.log.Info("игрок %s отключён", id)
	m.publish([]Event{{Type: EventPlayerLeft, PlayerID: id, At: now}})
	return snapshot, true
}

// UpdatePlayerPosition перемещает игрока внутри его текущего мира.
// GeoPos допустим только на поверхности, LocalPos только в подземелье.
func (m *Manager) UpdatePlayerPosition(id string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.players[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}

	switch loc := p.Location.(type) {
	case Overworld:
		geo, ok := pos.(GeoPos)
		if !ok {
			return fmt.Errorf("%w: overworld expects lat/lng", ErrPositionShape)
		}
		target := vec.LatLng(geo)
		if err := m.checkOverworldPos(target); err != nil {
			return err
		}
		if err := m.overworld.UpdateEntity(id, target); err != nil {
			return err
		}
		p.Location = AtLatLng(target)
		m.checkDungeonEntranceLocked(p)
		return nil

	case Dungeon:
		local, ok := pos.(LocalPos)
		if !ok {
			return fmt.Errorf("%w: dungeon expects x/y", ErrPositionShape)
		}
		inst, ok := m.instances[loc.DungeonID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstanceMissing, loc.DungeonID)
		}
		target := vec.Vec2Float(local)
		if err := inst.grid.UpdateEntity(id, target); err != nil {
			return err
		}
		p.Location = InDungeon(loc.DungeonID, target)
		m.checkDungeonExitLocked(p)
		return nil

	default:
		return ErrPositionShape
	}
}

// checkOverworldPos проверяет координату и границу карты
func (m *Manager) checkOverworldPos(pos vec.LatLng) error {
	if !pos.IsValid() {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, pos)
	}
	if m.opts.BoundaryRadius > 0 && m.opts.Center.DistanceTo(pos) > m.opts.BoundaryRadius {
		return fmt.Errorf("%w: %.0fm from center", ErrOutOfBounds, m.opts.Center.DistanceTo(pos))
	}
	return nil
}

// checkDungeonEntranceLocked уведомляет игрока о каждом входе, в радиусе которого он стоит.
// Само уведомление состояние не меняет.
func (m *Manager) checkDungeonEntranceLocked(p *Player) {
	loc, ok := p.Location.(Overworld)
	if !ok {
		return
	}
	for _, e := range m.entrances.Near(loc.Pos()) {
		m.sendLocked(p, protocol.TypeEntityUpdate, protocol.NewDungeonEntrancePayload(e.ID, e.Name))
	}
}

// checkDungeonExitLocked уведомляет игрока, что он стоит у выхода (точки появления)
func (m *Manager) checkDungeonExitLocked(p *Player) {
	loc, ok := p.Location.(Dungeon)
	if !ok {
		return
	}
	e, ok := m.entrances.Get(loc.DungeonID)
	if !ok || e.ExitRadius <= 0 {
		return
	}
	if loc.Pos().DistanceTo(e.EntryPosition) <= e.ExitRadius {
		m.sendLocked(p, protocol.TypeEntityUpdate, protocol.NewDungeonExitPayload(e.ID, e.Name))
	}
}

// NearbyEntrances возвращает входы, доступные игроку из текущей точки
func (m *Manager) NearbyEntrances(playerID string) []DungeonEntrance {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok {
		return nil
	}
	loc, ok := p.Location.(Overworld)
	if !ok {
		return nil
	}
	return m.entrances.Near(loc.Pos())
}

// EnterDungeon переводит игрока с поверхности в инстанс подземелья dungeonID
func (m *Manager) EnterDungeon(playerID, dungeonID string) error {
	m.mu.Lock()

	p, exists := m.players[playerID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	loc, ok := p.Location.(Overworld)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not in the overworld", ErrWrongWorld, playerID)
	}
	entrance, ok := m.entrances.Get(dungeonID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDungeon, dungeonID)
	}
	if d := loc.Pos().DistanceTo(entrance.GeoPosition); d > entrance.InteractionRadius {
		m.mu.Unlock()
		return fmt.Errorf("%w: %.1fm > %.1fm", ErrOutOfRange, d, entrance.InteractionRadius)
	}

	now := m.now()
	if err := m.checkGatesLocked(p, entrance, now); err != nil {
		m.mu.Unlock()
		m.log.Debug("вход %s в %s отклонён: %v", playerID, dungeonID, err)
		return err
	}

	var events []Event
	inst, created := m.instanceLocked(dungeonID, now)
	if created {
		events = append(events, Event{Type: EventInstanceCreated, DungeonID: dungeonID, At: now})
	}

	m.overworld.RemoveEntity(playerID)
	if err := inst.grid.AddEntity(playerID, entrance.EntryPosition); err != nil {
		// Точка появления проверена в Validate, сюда попадать не должны
		_ = m.overworld.AddEntity(playerID, loc.Pos())
		m.mu.Unlock()
		return err
	}
	inst.join(playerID)
	p.Location = InDungeon(dungeonID, entrance.EntryPosition)
	m.sendLocked(p, protocol.TypeWorldTransition, transitionPayload(p.Location))

	events = append(events, Event{Type: EventDungeonEntered, PlayerID: playerID, DungeonID: dungeonID, WorldType: protocol.WorldDungeon, At: now})
	m.mu.Unlock()

	m.log.Info("игрок %s вошёл в подземелье %s", playerID, dungeonID)
	m.publish(events)
	return nil
}

// checkGatesLocked проверяет уровень, кулдаун повторного входа и вместимость
func (m *Manager) checkGatesLocked(p *Player, e DungeonEntrance, now time.Time) error {
	if e.MinLevel > 0 && p.Level < e.MinLevel {
		return fmt.Errorf("%w: %d < %d", ErrLevelTooLow, p.Level, e.MinLevel)
	}
	if e.Cooldown > 0 {
		if last, ok := m.lastExit[exitKey{p.ID, e.ID}]; ok {
			if left := e.Cooldown - now.Sub(last); left > 0 {
				return fmt.Errorf("%w: %s left", ErrCooldown, left.Round(time.Second))
			}
		}
	}
	if e.MaxPlayers > 0 {
		if inst, ok := m.instances[e.ID]; ok && len(inst.members) >= e.MaxPlayers {
			return fmt.Errorf("%w: %d/%d", ErrDungeonFull, len(inst.members), e.MaxPlayers)
		}
	}
	return nil
}

// ExitDungeon возвращает игрока на поверхность в точку входа подземелья
func (m *Manager) ExitDungeon(playerID string) error {
	m.mu.Lock()

	p, exists := m.players[playerID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	loc, ok := p.Location.(Dungeon)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not in a dungeon", ErrWrongWorld, playerID)
	}
	entrance, ok := m.entrances.Get(loc.DungeonID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDungeon, loc.DungeonID)
	}
	inst, ok := m.instances[loc.DungeonID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceMissing, loc.DungeonID)
	}

	if err := m.overworld.AddEntity(playerID, entrance.GeoPosition); err != nil {
		m.mu.Unlock()
		return err
	}
	now := m.now()
	inst.leave(playerID, now)
	p.Location = AtLatLng(entrance.GeoPosition)
	m.lastExit[exitKey{playerID, loc.DungeonID}] = now
	m.sendLocked(p, protocol.TypeWorldTransition, transitionPayload(p.Location))
	m.mu.Unlock()

	m.log.Info("игрок %s вышел из подземелья %s", playerID, loc.DungeonID)
	m.publish([]Event{{Type: EventDungeonExited, PlayerID: playerID, DungeonID: loc.DungeonID, WorldType: protocol.WorldOverworld, At: now}})
	return nil
}

// GetNearbyPlayers возвращает игроков в радиусе radius от игрока (включая его самого)
// в пределах его текущего мира. Для неизвестного игрока возвращает пустой срез.
func (m *Manager) GetNearbyPlayers(playerID string, radius float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nearbyLocked(playerID, radius)
}

func (m *Manager) nearbyLocked(playerID string, radius float64) []string {
	p, exists := m.players[playerID]
	if !exists {
		return []string{}
	}
	switch loc := p.Location.(type) {
	case Overworld:
		return m.overworld.GetNearbyEntities(loc.Pos(), radius)
	case Dungeon:
		inst, ok := m.instances[loc.DungeonID]
		if !ok {
			return []string{}
		}
		return inst.grid.GetNearbyEntities(loc.Pos(), radius)
	default:
		return []string{}
	}
}

// SetPlayerLevel задаёт уровень игрока для проверок входа
func (m *Manager) SetPlayerLevel(playerID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.players[playerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	p.Level = level
	return nil
}

// GetPlayer возвращает копию записи игрока
func (m *Manager) GetPlayer(playerID string) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.players[playerID]
	if !exists {
		return Player{}, false
	}
	return *p, true
}

// Players возвращает копии всех записей, отсортированные по id
func (m *Manager) Players() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Player, 0, len(m.players))
	for _, p := range m.players {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Locations возвращает текущее положение каждого игрока
func (m *Manager) Locations() map[string]Location {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Location, len(m.players))
	for id, p := range m.players {
		out[id] = p.Location
	}
	return out
}

// OverworldPlayers возвращает id игроков в сетке поверхности
func (m *Manager) OverworldPlayers() []string {
	ids := m.overworld.GetAllEntities()
	sort.Strings(ids)
	return ids
}

// Instance возвращает снимок инстанса подземелья
func (m *Manager) Instance(dungeonID string) (InstanceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[dungeonID]
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.info(), true
}

// Instances возвращает снимки всех активных инстансов
func (m *Manager) Instances() []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst.info())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DungeonID < list[j].DungeonID })
	return list
}

// RegisterEntrance добавляет вход во время работы сервера
func (m *Manager) RegisterEntrance(e DungeonEntrance) error {
	if err := m.entrances.Register(e); err != nil {
		return err
	}
	m.log.Info("зарегистрирован вход в подземелье %s (%s)", e.ID, e.Name)
	return nil
}

// UnregisterEntrance удаляет вход. Вход с игроками внутри удалить нельзя,
// пустой инстанс удаляется вместе со входом.
func (m *Manager) UnregisterEntrance(id string) error {
	m.mu.Lock()

	if inst, ok := m.instances[id]; ok {
		if len(inst.members) > 0 {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s has %d players", ErrInstanceBusy, id, len(inst.members))
		}
	}
	if !m.entrances.Unregister(id) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDungeon, id)
	}

	var events []Event
	if inst, ok := m.instances[id]; ok {
		inst.grid.Clear()
		delete(m.instances, id)
		m.instancesReaped.Add(1)
		events = append(events, Event{Type: EventInstanceReaped, DungeonID: id, At: m.now()})
	}
	m.mu.Unlock()

	m.log.Info("вход в подземелье %s удалён", id)
	m.publish(events)
	return nil
}

// instanceLocked возвращает инстанс подземелья, создавая его при первом обращении
func (m *Manager) instanceLocked(dungeonID string, now time.Time) (*DungeonInstance, bool) {
	if inst, ok := m.instances[dungeonID]; ok {
		return inst, false
	}
	inst := newDungeonInstance(dungeonID, m.opts.DungeonCellSize, now)
	m.instances[dungeonID] = inst
	m.instancesCreated.Add(1)
	m.log.Debug("создан инстанс подземелья %s", dungeonID)
	return inst, true
}

// Tick вызывается циклом сессии на каждом тике
func (m *Manager) Tick(dt time.Duration) {
	m.ticks.Add(1)
	m.ReapIdleInstances(m.now())
}

// ReapIdleInstances удаляет инстансы, пустующие не меньше InstanceIdleTTL,
// и забывает истёкшие кулдауны. Возвращает id удалённых инстансов.
func (m *Manager) ReapIdleInstances(now time.Time) []string {
	if m.opts.InstanceIdleTTL < 0 {
		return nil
	}

	m.mu.Lock()
	var reaped []string
	for id, inst := range m.instances {
		if inst.idle(now, m.opts.InstanceIdleTTL) {
			inst.grid.Clear()
			delete(m.instances, id)
			reaped = append(reaped, id)
		}
	}
	for key, at := range m.lastExit {
		e, ok := m.entrances.Get(key.dungeonID)
		if !ok || now.Sub(at) >= e.Cooldown {
			delete(m.lastExit, key)
		}
	}
	m.mu.Unlock()

	if len(reaped) == 0 {
		return nil
	}
	sort.Strings(reaped)
	m.instancesReaped.Add(uint64(len(reaped)))

	events := make([]Event, 0, len(reaped))
	for _, id := range reaped {
		m.log.Debug("инстанс подземелья %s удалён после простоя", id)
		events = append(events, Event{Type: EventInstanceReaped, DungeonID: id, At: now})
	}
	m.publish(events)
	return reaped
}

// Stats: сводка состояния мира
type Stats struct {
	Players          int    `json:"players"`
	OverworldPlayers int    `json:"overworldPlayers"`
	DungeonPlayers   int    `json:"dungeonPlayers"`
	Instances        int    `json:"instances"`
	OverworldCells   int    `json:"overworldCells"`
	MaxCellPlayers   int    `json:"maxCellPlayers"` // самая загруженная ячейка поверхности
	Entrances        int    `json:"entrances"`
	Ticks            uint64 `json:"ticks"`
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesSkipped  uint64 `json:"messagesSkipped"`
	InstancesCreated uint64 `json:"instancesCreated"`
	InstancesReaped  uint64 `json:"instancesReaped"`
}

// Stats возвращает текущую сводку
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	grid := m.overworld.GetStats()
	s := Stats{
		Players:        len(m.players),
		Instances:      len(m.instances),
		OverworldCells: grid.Cells,
		MaxCellPlayers: grid.MaxPerCell,
		Entrances:      m.entrances.Len(),
	}
	for _, p := range m.players {
		if _, ok := p.Location.(Dungeon); ok {
			s.DungeonPlayers++
		} else {
			s.OverworldPlayers++
		}
	}
	m.mu.Unlock()

	s.Ticks = m.ticks.Load()
	s.MessagesSent = m.messagesSent.Load()
	s.MessagesSkipped = m.messagesSkipped.Load()
	s.InstancesCreated = m.instancesCreated.Load()
	s.InstancesReaped = m.instancesReaped.Load()
	return s
}
