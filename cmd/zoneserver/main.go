package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mmo-zones/internal/api"
	"github.com/annel0/mmo-zones/internal/cache"
	"github.com/annel0/mmo-zones/internal/config"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/observability"
	"github.com/annel0/mmo-zones/internal/orchestrator"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/transport"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const serviceName = "mmo-zones"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или ZONE_CONFIG)")
	// индекс разбирает orchestrator из исходных аргументов; флаг объявлен, чтобы flag.Parse его принял
	_ = flag.String(zone.ZoneArg, "", "индекс sub-zone; без него процесс становится main zone")
	flag.Parse()

	if err := logging.InitDefaultLogger("zoneserver"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		return orchestrator.ExitError
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Error("❌ Ошибка настройки логирования: %v", err)
		return orchestrator.ExitError
	}
	defer logging.GetLoggerManager().CloseAll()

	topology, err := cfg.BuildTopology()
	if err != nil {
		logging.Error("❌ Некорректная топология зон: %v", err)
		return orchestrator.ExitError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === ИНИЦИАЛИЗАЦИЯ КОМПОНЕНТОВ ===

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logging.Error("❌ Ошибка открытия хранилища: %v", err)
		return orchestrator.ExitError
	}

	st, err = wrapCache(st, cfg)
	if err != nil {
		logging.Error("❌ Ошибка настройки кеша игроков: %v", err)
		return orchestrator.ExitError
	}

	bus, err := openBus(cfg.EventBus)
	if err != nil {
		logging.Error("❌ Ошибка подключения шины событий: %v", err)
		_ = st.Close()
		return orchestrator.ExitError
	}
	defer bus.Close()

	session, err := transport.NewKCPSession(cfg.Transport)
	if err != nil {
		logging.Error("❌ Ошибка создания сетевой сессии: %v", err)
		_ = st.Close()
		return orchestrator.ExitError
	}

	tickets, err := handoff.NewTickets(cfg.Tickets.Secret, cfg.Tickets.TTL)
	if err != nil {
		logging.Error("❌ Ошибка настройки билетов перехода: %v", err)
		_ = st.Close()
		return orchestrator.ExitError
	}
	if !tickets.Enabled() {
		logging.Warn("⚠️ Секрет билетов не задан: вход в зону без проверки билета")
	}

	exe, err := os.Executable()
	if err != nil {
		logging.Error("❌ Не удалось определить путь к бинарю: %v", err)
		_ = st.Close()
		return orchestrator.ExitError
	}

	health := api.NewHealthServer()
	node, err := orchestrator.New(orchestrator.Options{
		Topology:   topology,
		Args:       os.Args[1:],
		Executable: exe,
		Store:      st,
		Session:    session,
		Bus:        bus,
		Tickets:    tickets,
		ContentDir: cfg.Content.Dir,
		Manifests:  cfg.Content.Manifests,
		Health:     health,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logging.Error("❌ Ошибка выбора роли зоны: %v", err)
		_ = session.Close()
		_ = st.Close()
		return orchestrator.ExitError
	}

	def := node.State().Zone()
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, serviceName, def.Name)
	if err != nil {
		logging.Warn("⚠️ Трассировка отключена: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	eventsSub, err := eventbus.StartLoggingListener(bus)
	if err != nil {
		logging.Warn("⚠️ Логирование событий недоступно: %v", err)
	}
	exporter := eventbus.NewMetricsExporter(bus, prometheus.DefaultRegisterer)
	exporter.Start()

	if !cfg.Server.DisableHealth {
		if err := health.Start(cfg.Server.HealthPort(node.State().ListenPort())); err != nil {
			logging.Warn("⚠️ gRPC health не запущен: %v", err)
		}
	}

	if err := node.Start(ctx); err != nil {
		logging.Error("❌ Ошибка запуска зоны %q: %v", def.Name, err)
		_ = node.Stop()
		health.Stop()
		return orchestrator.ExitError
	}

	var rest *api.RestServer
	if !cfg.Server.DisableAdmin {
		rest = api.NewRestServer(api.Config{
			Port:     cfg.Server.AdminPortFor(def),
			Backend:  node,
			Bus:      bus,
			Registry: prometheus.DefaultRegisterer,
			Gatherer: prometheus.DefaultGatherer,
		})
		if err := rest.Start(); err != nil {
			logging.Warn("⚠️ Admin API не запущен: %v", err)
			rest = nil
		}
	}

	logging.Info("✅ Зона %q (%s) готова, порт %d", def.Name, node.State().Role(), node.State().ListenPort())
	if rest != nil {
		logging.Info("   🌐 Admin API: http://%s", rest.Addr())
	}

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := orchestrator.ExitOK
	select {
	case sig := <-sigCh:
		logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
	case reason := <-node.Terminated():
		code = orchestrator.ExitCode(reason)
		logging.GetZoneLogger().Shutdown("🔌 Плановое завершение зоны %q: %v", def.Name, reason)
	}

	// === GRACEFUL SHUTDOWN ===
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if rest != nil {
		if err := rest.Stop(stopCtx); err != nil {
			logging.Warn("⚠️ Ошибка остановки admin API: %v", err)
		}
	}
	health.Stop()
	if err := node.Stop(); err != nil {
		logging.Warn("⚠️ Ошибка остановки зоны: %v", err)
	}
	exporter.Stop()
	if eventsSub != nil {
		eventsSub.Unsubscribe()
	}
	if err := shutdownTelemetry(stopCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки трассировки: %v", err)
	}

	logging.Info("👋 Зона %q остановлена", def.Name)
	return code
}

// wrapCache ставит кеш записей игроков перед хранилищем.
// С шиной jetstream инвалидация идёт через NATS, иначе внутри процесса.
func wrapCache(st store.Store, cfg *config.Config) (store.Store, error) {
	if !cfg.Cache.Enabled {
		return st, nil
	}

	var inv cache.Invalidator = cache.NewLocalInvalidator()
	switch cfg.EventBus.Driver {
	case "jetstream", "nats":
		url := cfg.Cache.NATSURL
		if url == "" {
			url = cfg.EventBus.URL
		}
		ni, err := cache.NewNATSInvalidator(url, cfg.Cache.Subject, uuid.NewString())
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		inv = ni
	}

	pc, err := cache.NewPlayerCache(st, inv, cfg.Cache.TTL)
	if err != nil {
		_ = inv.Close()
		_ = st.Close()
		return nil, err
	}
	logging.Info("🗄️ Кеш записей игроков включён (TTL %v)", cfg.Cache.TTL)
	return pc, nil
}

func openBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	switch cfg.Driver {
	case "", "memory":
		return eventbus.NewMemoryBus(cfg.Capacity), nil
	case "jetstream", "nats":
		jb, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, cfg.RetentionDuration())
		if err != nil {
			return nil, err
		}
		return jb, nil
	default:
		return nil, fmt.Errorf("неизвестный драйвер шины событий %q", cfg.Driver)
	}
}
