package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
)

// Компоненты сервера с отдельными логгерами
const (
	ComponentNetwork = "network"
	ComponentWorld   = "world"
	ComponentStorage = "storage"
	ComponentAPI     = "api"
)

// registry: логгеры компонентов и уровни, заданные в logging.components.
// Логгер создаётся при первом обращении и получает уровень компонента,
// если он задан; иначе действует общий уровень InitDefaultLogger.
type registry struct {
	mu      sync.Mutex
	loggers map[string]*Logger
	levels  map[string]LogLevel
}

var components = &registry{
	loggers: make(map[string]*Logger),
	levels:  make(map[string]LogLevel),
}

// GetComponentLogger возвращает логгер компонента, создавая его при первом вызове.
// Если файл логов открыть не удалось, компонент пишет только в консоль.
func GetComponentLogger(component string) *Logger {
	components.mu.Lock()
	defer components.mu.Unlock()

	if l, ok := components.loggers[component]; ok {
		return l
	}

	l, err := NewLogger(component)
	if err != nil {
		Warn("логгер %s без файла: %v", component, err)
		l = consoleOnly(component, os.Stdout)
	}
	if level, ok := components.levels[component]; ok {
		l.SetLevel(level)
	}
	components.loggers[component] = l
	return l
}

// SetComponentLevels задаёт уровни компонентов. Уровень применяется сразу
// к созданным логгерам и запоминается для тех, что появятся позже.
func SetComponentLevels(levels map[string]LogLevel) {
	components.mu.Lock()
	defer components.mu.Unlock()

	for component, level := range levels {
		components.levels[component] = level
		if l, ok := components.loggers[component]; ok {
			l.SetLevel(level)
		}
	}
	if len(levels) > 0 {
		names := make([]string, 0, len(levels))
		for component, level := range levels {
			names = append(names, component+"="+level.String())
		}
		sort.Strings(names)
		Info("уровни компонентов: %v", names)
	}
}

// CloseComponents закрывает файлы логов всех компонентов
func CloseComponents() error {
	components.mu.Lock()
	defer components.mu.Unlock()

	var errs []error
	for component, l := range components.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logger %s: %w", component, err))
		}
	}
	components.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

func consoleOnly(component string, w io.Writer) *Logger {
	settingsMu.RLock()
	level := consoleLevel
	settingsMu.RUnlock()
	return &Logger{
		component:       component,
		consoleLogger:   log.New(w, fmt.Sprintf("[%s] ", component), log.LstdFlags),
		minConsoleLevel: level,
		minFileLevel:    ERROR,
	}
}

func GetNetworkLogger() *Logger { return GetComponentLogger(ComponentNetwork) }
func GetWorldLogger() *Logger   { return GetComponentLogger(ComponentWorld) }
func GetStorageLogger() *Logger { return GetComponentLogger(ComponentStorage) }
func GetAPILogger() *Logger     { return GetComponentLogger(ComponentAPI) }
