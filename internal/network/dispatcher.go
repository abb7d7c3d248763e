package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/world"
)

const tracerName = "github.com/annel0/geoworld/internal/network"

// DefaultNearbyRadius: радиус рассылки перемещений соседям, метры или локальные единицы
const DefaultNearbyRadius = 200.0

// DispatcherConfig: параметры диспетчера
type DispatcherConfig struct {
	TickRate     int                  // сообщается клиенту в welcome
	NearbyRadius float64              // 0 отключает рассылку перемещений
	Locations    storage.LocationRepo // nil отключает сохранение положений
	Logger       *logging.Logger
	Now          func() time.Time
}

// Dispatcher связывает транспорт с менеджером мира: подключение, входящие команды,
// отключение. Транспорты (WebSocket, KCP) вызывают его из своих reader-горутин.
type Dispatcher struct {
	world        *world.Manager
	locations    storage.LocationRepo
	tickRate     int
	nearbyRadius float64
	log          *logging.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewDispatcher создаёт диспетчер для менеджера мира
func NewDispatcher(w *world.Manager, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.GetNetworkLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NearbyRadius < 0 {
		cfg.NearbyRadius = 0
	}
	return &Dispatcher{
		world:        w,
		locations:    cfg.Locations,
		tickRate:     cfg.TickRate,
		nearbyRadius: cfg.NearbyRadius,
		log:          cfg.Logger,
		tracer:       otel.Tracer(tracerName),
		now:          cfg.Now,
	}
}

// World возвращает менеджер мира
func (d *Dispatcher) World() *world.Manager { return d.world }

// Connect регистрирует игрока и отправляет ему welcome.
// Сохранённое положение на поверхности восстанавливается как есть; сохранение
// внутри подземелья превращается в точку его входа на карте, чтобы повторный вход
// снова прошёл проверки уровня, заполненности и перезарядки. Если положение больше
// недопустимо (вход удалён, граница карты изменилась), игрок появляется в центре.
func (d *Dispatcher) Connect(ctx context.Context, playerID, name string, conn world.Connection) (world.Player, error) {
	ctx, span := d.tracer.Start(ctx, "network.Connect", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	initial := d.restoreLocation(ctx, playerID)

	p, err := d.world.AddPlayer(playerID, name, conn, initial)
	if err != nil && initial != nil && !errors.Is(err, world.ErrDuplicatePlayer) {
		d.log.Warn("сохранённое положение %v игрока %s отклонено: %v", initial, playerID, err)
		p, err = d.world.AddPlayer(playerID, name, conn, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, world.ErrorCode(err))
		return world.Player{}, err
	}

	t := world.TransitionPayload(p.Location)
	welcome := protocol.WelcomePayload{
		PlayerID:  p.ID,
		WorldType: t.WorldType,
		DungeonID: t.DungeonID,
		Position:  t.Position,
		TickRate:  d.tickRate,
	}
	for _, e := range d.world.NearbyEntrances(p.ID) {
		welcome.Entrances = append(welcome.Entrances, protocol.EntranceInfo{ID: e.ID, Name: e.Name})
	}
	if err := d.world.SendToPlayer(p.ID, protocol.NewEnvelope(protocol.TypeWelcome, welcome, d.now())); err != nil {
		d.log.Warn("welcome для %s не отправлен: %v", p.ID, err)
	}
	span.SetAttributes(attribute.String("world.type", t.WorldType))
	return p, nil
}

func (d *Dispatcher) restoreLocation(ctx context.Context, playerID string) world.Location {
	if d.locations == nil {
		return nil
	}
	rec, found, err := d.locations.Load(ctx, playerID)
	if err != nil {
		d.log.Warn("не удалось загрузить положение игрока %s: %v", playerID, err)
		return nil
	}
	if !found {
		return nil
	}
	loc, err := rec.ToWorld()
	if err != nil {
		d.log.Warn("повреждённое положение игрока %s: %v", playerID, err)
		return nil
	}
	if dg, ok := loc.(world.Dungeon); ok {
		e, ok := d.world.Entrances().Get(dg.DungeonID)
		if !ok {
			return nil
		}
		return world.AtLatLng(e.GeoPosition)
	}
	return loc
}

// Handle обрабатывает один входящий кадр.
// Отклонённая команда получает ответ error; возвращаемая ошибка нужна только для логов
// и метрик транспорта, соединение из-за неё не закрывается.
func (d *Dispatcher) Handle(ctx context.Context, playerID string, raw []byte) error {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		d.replyError(playerID, "", "invalid_message", err)
		return err
	}

	_, span := d.tracer.Start(ctx, "network.Handle."+msg.Type, trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	switch msg.Type {
	case protocol.CmdMove:
		err = d.handleMove(playerID, msg)
	case protocol.CmdEnterDungeon:
		var p protocol.EnterDungeonPayload
		if p, err = msg.DecodeEnterDungeon(); err == nil {
			err = d.world.EnterDungeon(playerID, p.DungeonID)
		}
	case protocol.CmdExitDungeon:
		err = d.world.ExitDungeon(playerID)
	case protocol.CmdPing:
		ping := msg.DecodePing()
		pong := protocol.PongPayload{ClientTime: ping.ClientTime, ServerTime: d.now().UnixMilli()}
		err = d.world.SendToPlayer(playerID, protocol.NewEnvelope(protocol.TypePong, pong, d.now()))
	default:
		// схема пропускает только известные типы
		err = fmt.Errorf("%w: unknown type %q", protocol.ErrInvalidMessage, msg.Type)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorCode(err))
		d.log.Debug("команда %s игрока %s отклонена: %v", msg.Type, playerID, err)
		d.replyError(playerID, msg.Type, errorCode(err), err)
	}
	return err
}

func (d *Dispatcher) handleMove(playerID string, msg *protocol.ClientMessage) error {
	payload, err := msg.DecodeMove()
	if err != nil {
		return err
	}

	var pos world.Position
	if geo, ok := payload.Geo(); ok {
		pos = world.GeoPos(geo)
	} else if local, ok := payload.Local(); ok {
		pos = world.LocalPos(local)
	} else {
		return world.ErrPositionShape
	}

	if err := d.world.UpdatePlayerPosition(playerID, pos); err != nil {
		return err
	}
	if d.nearbyRadius == 0 {
		return nil
	}

	p, ok := d.world.GetPlayer(playerID)
	if !ok {
		return nil
	}
	t := world.TransitionPayload(p.Location)
	moved := protocol.PlayerPayload{
		Type:      protocol.SubtypePlayerMoved,
		ID:        p.ID,
		Name:      p.Name,
		WorldType: t.WorldType,
		DungeonID: t.DungeonID,
		Position:  t.Position,
	}
	_, err = d.world.BroadcastToNearby(playerID, protocol.NewEnvelope(protocol.TypeEntityUpdate, moved, d.now()), d.nearbyRadius, false)
	if err != nil {
		d.log.Debug("рассылка перемещения %s: %v", playerID, err)
	}
	return nil
}

// Disconnect сообщает соседям об уходе, удаляет игрока и сохраняет его положение
func (d *Dispatcher) Disconnect(ctx context.Context, playerID string) {
	ctx, span := d.tracer.Start(ctx, "network.Disconnect", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	if d.nearbyRadius > 0 {
		left := protocol.PlayerPayload{Type: protocol.SubtypePlayerLeft, ID: playerID}
		_, _ = d.world.BroadcastToNearby(playerID, protocol.NewEnvelope(protocol.TypeEntityUpdate, left, d.now()), d.nearbyRadius, false)
	}

	p, ok := d.world.RemovePlayer(playerID)
	if !ok || d.locations == nil {
		return
	}
	if err := d.locations.Save(ctx, storage.FromWorld(p.ID, p.Location, d.now().UTC())); err != nil {
		span.RecordError(err)
		d.log.Error("не удалось сохранить положение игрока %s: %v", p.ID, err)
	}
}

// SaveAll сохраняет положения всех подключённых игроков одной пачкой
func (d *Dispatcher) SaveAll(ctx context.Context) (int, error) {
	if d.locations == nil {
		return 0, nil
	}
	locs := d.world.Locations()
	if len(locs) == 0 {
		return 0, nil
	}
	now := d.now().UTC()
	batch := make([]storage.SavedLocation, 0, len(locs))
	for id, loc := range locs {
		batch = append(batch, storage.FromWorld(id, loc, now))
	}
	if err := d.locations.BatchSave(ctx, batch); err != nil {
		return 0, fmt.Errorf("автосохранение %d положений: %w", len(batch), err)
	}
	return len(batch), nil
}

func (d *Dispatcher) replyError(playerID, request, code string, err error) {
	payload := protocol.ErrorPayload{Request: request, Code: code, Message: err.Error()}
	if sendErr := d.world.SendToPlayer(playerID, protocol.NewEnvelope(protocol.TypeError, payload, d.now())); sendErr != nil {
		d.log.Trace("ответ error для %s не отправлен: %v", playerID, sendErr)
	}
}

func errorCode(err error) string {
	if errors.Is(err, protocol.ErrInvalidMessage) {
		return "invalid_message"
	}
	return world.ErrorCode(err)
}
