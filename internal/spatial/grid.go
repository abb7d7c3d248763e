// Package spatial содержит пространственные индексы для быстрого поиска сущностей
// по радиусу: географический (широта/долгота) и плоский (x/y внутри подземелий).
package spatial

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidPosition возвращается при попытке проиндексировать некорректную координату
var ErrInvalidPosition = errors.New("spatial: invalid position")

// Index: общий набор операций обоих вариантов индекса.
// WorldManager работает с ним одинаково для поверхности и подземелий.
type Index[P any] interface {
	AddEntity(id string, pos P) error
	RemoveEntity(id string)
	UpdateEntity(id string, pos P) error
	GetNearbyEntities(center P, radius float64) []string
	GetEntityPosition(id string) (P, bool)
	GetAllEntities() []string
	Clear()
}

// cellKey представляет ключ ячейки в пространственной сетке
type cellKey struct {
	x, y int
}

// cellRange: включительный диапазон индексов ячеек.
// Хранится во float64, чтобы бесконечные границы не переполняли int.
type cellRange struct {
	minX, maxX float64
	minY, maxY float64
}

func (r cellRange) contains(k cellKey) bool {
	fx, fy := float64(k.x), float64(k.y)
	return fx >= r.minX && fx <= r.maxX && fy >= r.minY && fy <= r.maxY
}

// area возвращает количество ячеек в диапазоне (может быть +Inf)
func (r cellRange) area() float64 {
	return (r.maxX - r.minX + 1) * (r.maxY - r.minY + 1)
}

// metric задаёт способ разбиения пространства на ячейки и расстояние
type metric[P any] interface {
	valid(p P) bool
	cell(p P) cellKey
	cover(center P, radius float64) cellRange
	distance(a, b P) float64
}

// indexedEntity: запись индекса по сущности: занятая ячейка и последняя координата
type indexedEntity[P any] struct {
	key cellKey
	pos P
}

// Grid: индекс на равномерной сетке ячеек.
// Пустые ячейки удаляются сразу, поэтому число ячеек не превышает число сущностей.
type Grid[P any] struct {
	mu       sync.RWMutex
	metric   metric[P]
	cellSize float64
	cells    map[cellKey]map[string]struct{}
	entities map[string]*indexedEntity[P]
}

func newGrid[P any](m metric[P], cellSize float64) *Grid[P] {
	return &Grid[P]{
		metric:   m,
		cellSize: cellSize,
		cells:    make(map[cellKey]map[string]struct{}),
		entities: make(map[string]*indexedEntity[P]),
	}
}

// CellSize возвращает размер ячейки в единицах индекса
func (g *Grid[P]) CellSize() float64 {
	return g.cellSize
}

// AddEntity добавляет сущность в индекс.
// Повторное добавление существующего id работает как UpdateEntity.
func (g *Grid[P]) AddEntity(id string, pos P) error {
	if !g.metric.valid(pos) {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, pos)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.entities[id]; exists {
		g.moveLocked(id, pos)
		return nil
	}

	key := g.metric.cell(pos)
	g.insertLocked(key, id)
	g.entities[id] = &indexedEntity[P]{key: key, pos: pos}
	return nil
}

// RemoveEntity удаляет сущность. Для неизвестного id ничего не делает.
func (g *Grid[P]) RemoveEntity(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	indexed, exists := g.entities[id]
	if !exists {
		return
	}
	g.evictLocked(indexed.key, id)
	delete(g.entities, id)
}

// UpdateEntity перемещает сущность. Если ячейка не изменилась,
// обновляется только сохранённая координата.
// Неизвестная сущность добавляется.
func (g *Grid[P]) UpdateEntity(id string, pos P) error {
	if !g.metric.valid(pos) {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, pos)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.entities[id]; !exists {
		key := g.metric.cell(pos)
		g.insertLocked(key, id)
		g.entities[id] = &indexedEntity[P]{key: key, pos: pos}
		return nil
	}
	g.moveLocked(id, pos)
	return nil
}

// GetNearbyEntities возвращает id сущностей не дальше radius от center.
// Сначала собираются кандидаты из ячеек ограничивающего прямоугольника,
// затем отсеиваются точным расстоянием. radius = +Inf отключает ограничение.
func (g *Grid[P]) GetNearbyEntities(center P, radius float64) []string {
	if math.IsNaN(radius) || radius < 0 || !g.metric.valid(center) {
		return []string{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if math.IsInf(radius, 1) {
		return g.allLocked()
	}

	rng := g.metric.cover(center, radius)
	result := make([]string, 0)

	collect := func(members map[string]struct{}) {
		for id := range members {
			indexed := g.entities[id]
			if g.metric.distance(center, indexed.pos) <= radius {
				result = append(result, id)
			}
		}
	}

	// Если прямоугольник покрывает больше ячеек, чем занято, дешевле обойти занятые
	if area := rng.area(); math.IsInf(area, 0) || math.IsNaN(area) || area > float64(len(g.cells)) {
		for key, members := range g.cells {
			if rng.contains(key) {
				collect(members)
			}
		}
		return result
	}

	for x := int(rng.minX); x <= int(rng.maxX); x++ {
		for y := int(rng.minY); y <= int(rng.maxY); y++ {
			if members, ok := g.cells[cellKey{x: x, y: y}]; ok {
				collect(members)
			}
		}
	}
	return result
}

// GetEntityPosition возвращает последнюю сохранённую координату сущности
func (g *Grid[P]) GetEntityPosition(id string) (P, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indexed, exists := g.entities[id]
	if !exists {
		var zero P
		return zero, false
	}
	return indexed.pos, true
}

// GetAllEntities возвращает id всех проиндексированных сущностей
func (g *Grid[P]) GetAllEntities() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allLocked()
}

// Has сообщает, проиндексирована ли сущность
func (g *Grid[P]) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.entities[id]
	return exists
}

// Clear удаляет все сущности и ячейки
func (g *Grid[P]) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cells = make(map[cellKey]map[string]struct{})
	g.entities = make(map[string]*indexedEntity[P])
}

// GetCellCount возвращает количество непустых ячеек
func (g *Grid[P]) GetCellCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cells)
}

// GetEntityCount возвращает количество индексированных сущностей
func (g *Grid[P]) GetEntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// GridStats: сводка заполнения сетки
type GridStats struct {
	Entities   int     `json:"entities"`
	Cells      int     `json:"cells"`
	MaxPerCell int     `json:"maxPerCell"`
	AvgPerCell float64 `json:"avgPerCell"`
}

// GetStats возвращает статистику индекса.
// MaxPerCell показывает самую загруженную ячейку: от неё зависит стоимость запроса соседей.
func (g *Grid[P]) GetStats() GridStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := GridStats{Entities: len(g.entities), Cells: len(g.cells)}
	for _, members := range g.cells {
		if len(members) > st.MaxPerCell {
			st.MaxPerCell = len(members)
		}
	}
	if st.Cells > 0 {
		st.AvgPerCell = float64(st.Entities) / float64(st.Cells)
	}
	return st
}

// Вспомогательные методы (вызываются под g.mu)

func (g *Grid[P]) moveLocked(id string, pos P) {
	indexed := g.entities[id]
	newKey := g.metric.cell(pos)
	if newKey != indexed.key {
		g.evictLocked(indexed.key, id)
		g.insertLocked(newKey, id)
		indexed.key = newKey
	}
	indexed.pos = pos
}

func (g *Grid[P]) insertLocked(key cellKey, id string) {
	members, ok := g.cells[key]
	if !ok {
		members = make(map[string]struct{})
		g.cells[key] = members
	}
	members[id] = struct{}{}
}

func (g *Grid[P]) evictLocked(key cellKey, id string) {
	members, ok := g.cells[key]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(g.cells, key)
	}
}

func (g *Grid[P]) allLocked() []string {
	ids := make([]string, 0, len(g.entities))
	for id := range g.entities {
		ids = append(ids, id)
	}
	return ids
}
