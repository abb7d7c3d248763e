package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/session"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
	"github.com/gin-gonic/gin"
)

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// PlayerView: игрок в ответах API
type PlayerView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WorldType string    `json:"worldType"`
	DungeonID string    `json:"dungeonId,omitempty"`
	Position  any       `json:"position"`
	Level     int       `json:"level"`
	Online    bool      `json:"online"`
	JoinedAt  time.Time `json:"joinedAt"`
}

func newPlayerView(p world.Player) PlayerView {
	tp := world.TransitionPayload(p.Location)
	return PlayerView{
		ID:        p.ID,
		Name:      p.Name,
		WorldType: tp.WorldType,
		DungeonID: tp.DungeonID,
		Position:  tp.Position,
		Level:     p.Level,
		Online:    p.Conn != nil && p.Conn.IsOpen(),
		JoinedAt:  p.JoinedAt,
	}
}

// DungeonView: вход в подземелье и число игроков в его инстансе
type DungeonView struct {
	world.DungeonEntrance
	Active  bool `json:"active"`
	Players int  `json:"players"`
}

// EntranceRequest: тело POST /api/dungeons
type EntranceRequest struct {
	ID                string  `json:"id" binding:"required"`
	Name              string  `json:"name"`
	Lat               float64 `json:"lat"`
	Lng               float64 `json:"lng"`
	EntryX            float64 `json:"entryX"`
	EntryY            float64 `json:"entryY"`
	InteractionRadius float64 `json:"interactionRadius"`
	ExitRadius        float64 `json:"exitRadius"`
	MinLevel          int     `json:"minLevel"`
	Cooldown          string  `json:"cooldown"` // формат time.ParseDuration
	MaxPlayers        int     `json:"maxPlayers"`
}

func (r EntranceRequest) toEntrance() (world.DungeonEntrance, error) {
	var cooldown time.Duration
	if r.Cooldown != "" {
		d, err := time.ParseDuration(r.Cooldown)
		if err != nil {
			return world.DungeonEntrance{}, fmt.Errorf("%w: cooldown: %v", world.ErrInvalidEntrance, err)
		}
		cooldown = d
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return world.DungeonEntrance{
		ID:                r.ID,
		Name:              name,
		GeoPosition:       vec.LatLng{Lat: r.Lat, Lng: r.Lng},
		EntryPosition:     vec.Vec2Float{X: r.EntryX, Y: r.EntryY},
		InteractionRadius: r.InteractionRadius,
		ExitRadius:        r.ExitRadius,
		MinLevel:          r.MinLevel,
		Cooldown:          cooldown,
		MaxPlayers:        r.MaxPlayers,
	}, nil
}

// LevelRequest: тело PUT /api/players/:id/level
type LevelRequest struct {
	Level *int `json:"level" binding:"required"`
}

// MaxNearbyRadius ограничивает радиус GET /api/locations/nearby, метры
const MaxNearbyRadius = 50_000.0

// AnnounceRequest: тело POST /api/admin/announce
type AnnounceRequest struct {
	Message string `json:"message" binding:"required"`
}

// statusFor сопоставляет ошибку мира HTTP-статусу
func statusFor(err error) int {
	switch world.ErrorCode(err) {
	case "unknown_player", "unknown_dungeon", "instance_missing":
		return http.StatusNotFound
	case "duplicate_entrance", "instance_busy", "duplicate_player":
		return http.StatusConflict
	case "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (rs *RestServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		rs.log.Error("ошибка запроса %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, GenericResponse{
		Success: false,
		Message: err.Error(),
		Code:    world.ErrorCode(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: msg, Code: "invalid_request"})
}

// handleHealth возвращает состояние сервера без авторизации
func (rs *RestServer) handleHealth(c *gin.Context) {
	running := rs.loop == nil || rs.loop.Running()
	status, code := "ok", http.StatusOK
	if !running {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"tickRunning": running,
		"time":        time.Now().Unix(),
	})
}

// handleLogin выдаёт токен администратору
func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	if !rs.admin.Authenticate(req.Username, req.Password) {
		rs.log.Warn("неудачный вход в API: %s ip=%s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Неверное имя пользователя или пароль",
		})
		return
	}

	token, err := rs.tokens.Issue(req.Username, true)
	if err != nil {
		rs.log.Error("ошибка выпуска токена: %v", err)
		c.JSON(http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	rs.log.Info("администратор %s вошёл в API", req.Username)
	c.JSON(http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		Message: "Успешный вход",
		IsAdmin: true,
	})
}

// handleWorldStats возвращает сводку мира и цикла тиков
func (rs *RestServer) handleWorldStats(c *gin.Context) {
	data := gin.H{"world": rs.world.Stats()}
	if rs.loop != nil {
		data["loop"] = rs.loop.Stats()
	} else {
		data["loop"] = session.Stats{}
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика мира", Data: data})
}

// handleServerInfo возвращает информацию о процессе
func (rs *RestServer) handleServerInfo(c *gin.Context) {
	info := rs.metrics.Snapshot()
	info.Version = Version
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Информация о сервере", Data: info})
}

func (rs *RestServer) handleListPlayers(c *gin.Context) {
	players := rs.world.Players()
	worldType := c.Query("world")

	views := make([]PlayerView, 0, len(players))
	for _, p := range players {
		v := newPlayerView(p)
		if worldType != "" && v.WorldType != worldType {
			continue
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Игроки", Data: views})
}

func (rs *RestServer) handleGetPlayer(c *gin.Context) {
	id := c.Param("id")
	p, ok := rs.world.GetPlayer(id)
	if !ok {
		rs.fail(c, fmt.Errorf("%w: %s", world.ErrUnknownPlayer, id))
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Игрок", Data: newPlayerView(p)})
}

func (rs *RestServer) handleListDungeons(c *gin.Context) {
	active := make(map[string]int)
	for _, inst := range rs.world.Instances() {
		active[inst.DungeonID] = len(inst.Players)
	}

	entrances := rs.world.Entrances().All()
	views := make([]DungeonView, 0, len(entrances))
	for _, e := range entrances {
		n, ok := active[e.ID]
		views = append(views, DungeonView{DungeonEntrance: e, Active: ok, Players: n})
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Подземелья", Data: views})
}

func (rs *RestServer) handleGetInstance(c *gin.Context) {
	id := c.Param("id")
	if _, ok := rs.world.Entrances().Get(id); !ok {
		rs.fail(c, fmt.Errorf("%w: %s", world.ErrUnknownDungeon, id))
		return
	}
	info, ok := rs.world.Instance(id)
	if !ok {
		rs.fail(c, fmt.Errorf("%w: %s", world.ErrInstanceMissing, id))
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Инстанс подземелья", Data: info})
}

// handleCreateDungeon регистрирует вход и сохраняет его в хранилище
func (rs *RestServer) handleCreateDungeon(c *gin.Context) {
	var req EntranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса")
		return
	}
	e, err := req.toEntrance()
	if err != nil {
		rs.fail(c, err)
		return
	}
	if err := rs.world.RegisterEntrance(e); err != nil {
		rs.fail(c, err)
		return
	}

	if rs.entrances != nil {
		if err := rs.entrances.SaveEntrance(c.Request.Context(), e); err != nil {
			// Откатываем регистрацию, чтобы реестр не расходился с хранилищем
			rs.log.Error("ошибка сохранения входа %s: %v", e.ID, err)
			msg := "Не удалось сохранить вход"
			if uerr := rs.world.UnregisterEntrance(e.ID); uerr != nil {
				// В инстанс уже вошли: вход остаётся в реестре до перезапуска
				rs.log.Error("откат регистрации входа %s не удался: %v", e.ID, uerr)
				msg = "Вход активен, но не сохранён: " + world.ErrorCode(uerr)
			}
			c.JSON(http.StatusInternalServerError, GenericResponse{
				Success: false,
				Message: msg,
				Code:    "internal",
			})
			return
		}
	}

	c.JSON(http.StatusCreated, GenericResponse{Success: true, Message: "Вход зарегистрирован", Data: e})
}

func (rs *RestServer) handleDeleteDungeon(c *gin.Context) {
	id := c.Param("id")
	if err := rs.world.UnregisterEntrance(id); err != nil {
		rs.fail(c, err)
		return
	}

	if rs.entrances != nil {
		err := rs.entrances.DeleteEntrance(c.Request.Context(), id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			// Вход уже снят с реестра; при следующем старте он вернётся из хранилища
			rs.log.Error("ошибка удаления входа %s из хранилища: %v", id, err)
		}
	}

	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Вход удалён"})
}

func (rs *RestServer) handleSetLevel(c *gin.Context) {
	var req LevelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Level == nil || *req.Level < 0 {
		badRequest(c, "Уровень должен быть неотрицательным числом")
		return
	}
	id := c.Param("id")
	if err := rs.world.SetPlayerLevel(id, *req.Level); err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Уровень обновлён", Data: gin.H{"id": id, "level": *req.Level}})
}

// handleAnnounce рассылает сообщение всем игрокам
func (rs *RestServer) handleAnnounce(c *gin.Context) {
	var req AnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		badRequest(c, "Пустое сообщение")
		return
	}

	from, _ := c.Get("username")
	sender, _ := from.(string)
	env := protocol.NewEnvelope(protocol.TypeAnnouncement, protocol.AnnouncementPayload{
		Message: req.Message,
		From:    sender,
	}, time.Now())

	delivered, err := rs.world.BroadcastToAll(env)
	if err != nil {
		rs.fail(c, err)
		return
	}
	rs.log.Info("объявление от %s доставлено %d игрокам", sender, delivered)
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Объявление отправлено", Data: gin.H{"delivered": delivered}})
}

// handleNearbySaved ищет сохранённые положения на поверхности вокруг lat/lng.
// Работает только с хранилищем, поддерживающим гео-поиск (redis, memory).
func (rs *RestServer) handleNearbySaved(c *gin.Context) {
	locator, ok := rs.locations.(storage.GeoLocator)
	if !ok {
		c.JSON(http.StatusNotImplemented, GenericResponse{
			Success: false,
			Message: "Хранилище положений не поддерживает гео-поиск",
			Code:    "unsupported",
		})
		return
	}

	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	radius, errRadius := strconv.ParseFloat(c.DefaultQuery("radius", "100"), 64)
	if errLat != nil || errLng != nil || errRadius != nil {
		badRequest(c, "Параметры lat, lng и radius должны быть числами")
		return
	}
	if !(vec.LatLng{Lat: lat, Lng: lng}).IsValid() || !(radius > 0) || radius > MaxNearbyRadius {
		badRequest(c, "Недопустимая точка или радиус")
		return
	}

	ids, err := locator.NearbyOverworld(c.Request.Context(), lat, lng, radius)
	if err != nil {
		rs.log.Error("ошибка гео-поиска: %v", err)
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: "Ошибка хранилища", Code: "internal"})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Сохранённые положения", Data: ids})
}
