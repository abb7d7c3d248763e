package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MariaLocationRepo реализует LocationRepo для базы данных MariaDB/MySQL.
// Использует таблицу player_locations для хранения положений игроков.
type MariaLocationRepo struct {
	db *sql.DB
}

// NewMariaLocationRepo создает новый репозиторий положений для MariaDB.
// Автоматически создает таблицу, если она не существует.
//
// Параметры:
//
//	dsn - строка подключения к базе данных (user:pass@tcp(host:port)/dbname?parseTime=true)
func NewMariaLocationRepo(ctx context.Context, dsn string) (*MariaLocationRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaLocationRepo{db: db}

	if err := repo.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}

	return repo, nil
}

// createTable создает таблицу player_locations, если она не существует.
func (r *MariaLocationRepo) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS player_locations (
			player_id  VARCHAR(64)  PRIMARY KEY,
			world_type VARCHAR(16)  NOT NULL,
			lat        DOUBLE       NOT NULL DEFAULT 0,
			lng        DOUBLE       NOT NULL DEFAULT 0,
			dungeon_id VARCHAR(64)  NOT NULL DEFAULT '',
			x          DOUBLE       NOT NULL DEFAULT 0,
			y          DOUBLE       NOT NULL DEFAULT 0,
			updated_at TIMESTAMP(3) NOT NULL,
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB
	`

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ошибка создания таблицы player_locations: %w", err)
	}
	return nil
}

const upsertLocationQuery = `
	INSERT INTO player_locations (player_id, world_type, lat, lng, dungeon_id, x, y, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		world_type = VALUES(world_type),
		lat = VALUES(lat),
		lng = VALUES(lng),
		dungeon_id = VALUES(dungeon_id),
		x = VALUES(x),
		y = VALUES(y),
		updated_at = VALUES(updated_at)
`

// Save сохраняет положение игрока.
// Использует INSERT ... ON DUPLICATE KEY UPDATE для обновления существующих записей.
func (r *MariaLocationRepo) Save(ctx context.Context, loc SavedLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, upsertLocationQuery,
		loc.PlayerID, loc.WorldType, loc.Lat, loc.Lng, loc.DungeonID, loc.X, loc.Y, loc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("ошибка сохранения положения игрока %s: %w", loc.PlayerID, err)
	}
	return nil
}

// Load загружает положение игрока из базы данных.
func (r *MariaLocationRepo) Load(ctx context.Context, playerID string) (SavedLocation, bool, error) {
	query := `SELECT world_type, lat, lng, dungeon_id, x, y, updated_at FROM player_locations WHERE player_id = ?`

	loc := SavedLocation{PlayerID: playerID}
	err := r.db.QueryRowContext(ctx, query, playerID).Scan(
		&loc.WorldType, &loc.Lat, &loc.Lng, &loc.DungeonID, &loc.X, &loc.Y, &loc.UpdatedAt)

	if err == sql.ErrNoRows {
		// Положение не найдено - первый вход игрока
		return SavedLocation{}, false, nil
	}
	if err != nil {
		return SavedLocation{}, false, fmt.Errorf("ошибка загрузки положения игрока %s: %w", playerID, err)
	}
	return loc, true, nil
}

// Delete удаляет сохраненное положение игрока.
func (r *MariaLocationRepo) Delete(ctx context.Context, playerID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM player_locations WHERE player_id = ?`, playerID)
	if err != nil {
		return fmt.Errorf("ошибка удаления положения игрока %s: %w", playerID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: положение игрока %s", ErrNotFound, playerID)
	}
	return nil
}

// BatchSave сохраняет положения нескольких игроков в одной транзакции.
func (r *MariaLocationRepo) BatchSave(ctx context.Context, locs []SavedLocation) error {
	if len(locs) == 0 {
		return nil
	}
	if err := validateBatch(locs); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() // Откат в случае ошибки

	stmt, err := tx.PrepareContext(ctx, upsertLocationQuery)
	if err != nil {
		return fmt.Errorf("ошибка подготовки запроса: %w", err)
	}
	defer stmt.Close()

	for _, loc := range locs {
		_, err = stmt.ExecContext(ctx,
			loc.PlayerID, loc.WorldType, loc.Lat, loc.Lng, loc.DungeonID, loc.X, loc.Y, loc.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("ошибка сохранения положения игрока %s в batch: %w", loc.PlayerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой данных.
func (r *MariaLocationRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
