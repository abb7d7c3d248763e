package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/geoworld/internal/app"
	"github.com/annel0/geoworld/internal/auth"
	"github.com/annel0/geoworld/internal/config"
	"github.com/annel0/geoworld/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML-конфигурации (по умолчанию $GAME_CONFIG)")
	hashPassword := flag.String("hash-password", "", "вывести bcrypt-хеш пароля администратора и выйти")
	genSecret := flag.Bool("gen-secret", false, "вывести случайный auth.jwt_secret и выйти")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "время на корректную остановку")
	flag.Parse()

	switch {
	case *hashPassword != "":
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("❌ Ошибка хеширования пароля: %v", err)
		}
		os.Stdout.WriteString(hash + "\n")
		return
	case *genSecret:
		os.Stdout.WriteString(auth.GenerateSecureSecret() + "\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	if err := logging.InitDefaultLogger(cfg.Logging.Dir, logging.ParseLevel(cfg.Logging.Level)); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer logging.CloseComponents()
	logging.SetComponentLevels(cfg.Logging.ComponentLevels())

	logging.Info("🌍 Запуск сервера мира geoworld (tick=%d Гц, codec=%s, storage=%s)",
		cfg.World.TickRate, cfg.Server.Codec, cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := app.New(ctx, cfg)
	if err != nil {
		logging.Error("❌ Ошибка инициализации сервера: %v", err)
		os.Exit(1)
	}

	if err := server.Run(ctx, *shutdownTimeout); err != nil {
		logging.Error("❌ Сервер остановлен с ошибкой: %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}
