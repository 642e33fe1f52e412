package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mmo-zones/internal/config"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/orchestrator"
	"github.com/annel0/mmo-zones/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или ZONE_CONFIG)")
	player := flag.String("player", "player1", "имя игрока")
	zoneName := flag.String("zone", "", "зона входа; по умолчанию main zone")
	ticket := flag.String("ticket", "", "билет перехода, если зона его требует")
	flag.Parse()

	if err := logging.InitDefaultLogger("zoneclient"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("❌ Ошибка настройки логирования: %v", err)
	}
	topology, err := cfg.BuildTopology()
	if err != nil {
		log.Fatalf("❌ Некорректная топология зон: %v", err)
	}

	session, err := transport.NewKCPSession(cfg.Transport)
	if err != nil {
		log.Fatalf("❌ Ошибка создания сетевой сессии: %v", err)
	}

	client, err := orchestrator.NewClient(orchestrator.ClientOptions{
		Topology:   topology,
		Session:    session,
		ContentDir: cfg.Content.Dir,
		Manifests:  cfg.Content.Manifests,
		OnResult: func(r handoff.Result) {
			if r.Err != nil {
				logging.Error("❌ Переход %s в %s не удался: %v", r.Player, r.Zone, r.Err)
				return
			}
			logging.Info("🚪 %s подключён к %s (порт %d)", r.Player, r.Zone, r.Port)
		},
	})
	if err != nil {
		log.Fatalf("❌ Ошибка создания клиента: %v", err)
	}

	target := *zoneName
	if target == "" {
		target = topology.Main.Name
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Join(ctx, *player, target, *ticket)
	cancel()
	if err != nil {
		_ = client.Stop()
		log.Fatalf("❌ Вход в зону %q: %v", target, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := client.Stop(); err != nil {
		logging.Warn("⚠️ Ошибка остановки клиента: %v", err)
	}
	logging.Info("👋 Клиент остановлен")
}
