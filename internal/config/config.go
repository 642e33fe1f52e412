package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/annel0/mmo-zones/internal/cache"
	"github.com/annel0/mmo-zones/internal/content"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/observability"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/transport"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "ZONE_"

// Config корневая структура конфигурации процесса зоны.
// Порядок источников: значения по умолчанию, YAML файл, переменные ZONE_*.
type Config struct {
	Zones     ZonesConfig          `yaml:"zones" envPrefix:"ZONES_"`
	Content   ContentConfig        `yaml:"content" envPrefix:"CONTENT_"`
	Store     store.Config         `yaml:"store" envPrefix:"STORE_"`
	Cache     cache.Config         `yaml:"cache" envPrefix:"CACHE_"`
	EventBus  EventBusConfig       `yaml:"eventbus" envPrefix:"EVENTBUS_"`
	Transport transport.Config     `yaml:"transport" envPrefix:"TRANSPORT_"`
	Tickets   TicketsConfig        `yaml:"tickets" envPrefix:"TICKETS_"`
	Server    ServerConfig         `yaml:"server" envPrefix:"SERVER_"`
	Telemetry observability.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging   LoggingConfig        `yaml:"logging" envPrefix:"LOG_"`
}

// ZonesConfig топология: main zone и sub-zone
type ZonesConfig struct {
	Active       bool          `yaml:"active" env:"ACTIVE"`
	BasePort     uint16        `yaml:"base_port" env:"BASE_PORT"`
	IntervalMain time.Duration `yaml:"interval_main" env:"INTERVAL_MAIN"`
	Main         ZoneConfig    `yaml:"main" envPrefix:"MAIN_"`
	SubZones     []ZoneConfig  `yaml:"sub_zones"`
}

// ZoneConfig описание одной зоны
type ZoneConfig struct {
	Name              string  `yaml:"name" env:"NAME"`
	Content           string  `yaml:"content" env:"CONTENT"`
	TimeoutMultiplier float64 `yaml:"timeout_multiplier" env:"TIMEOUT_MULTIPLIER"`
}

func (z ZoneConfig) definition() zone.Definition {
	return zone.Definition{Name: z.Name, ContentRef: z.Content, TimeoutMultiplier: z.TimeoutMultiplier}
}

// ContentConfig источник манифестов контента
type ContentConfig struct {
	Dir       string             `yaml:"dir" env:"DIR"`
	Manifests []content.Manifest `yaml:"manifests"`
}

// EventBusConfig шина событий: memory (по умолчанию) или jetstream
type EventBusConfig struct {
	Driver    string `yaml:"driver" env:"DRIVER"`
	URL       string `yaml:"url" env:"URL"`
	Stream    string `yaml:"stream" env:"STREAM"`
	Retention int    `yaml:"retention_hours" env:"RETENTION_HOURS"`
	Capacity  int    `yaml:"capacity" env:"CAPACITY"`
}

// RetentionDuration срок хранения событий в потоке
func (e EventBusConfig) RetentionDuration() time.Duration {
	return time.Duration(e.Retention) * time.Hour
}

// TicketsConfig билеты перехода; пустой секрет отключает проверку
type TicketsConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// ServerConfig порты служебных серверов
type ServerConfig struct {
	AdminPort int `yaml:"admin_port" env:"ADMIN_PORT"`
	// HealthPortOffset gRPC health слушает порт зоны + смещение (TCP)
	HealthPortOffset int  `yaml:"health_port_offset" env:"HEALTH_PORT_OFFSET"`
	DisableAdmin     bool `yaml:"disable_admin" env:"DISABLE_ADMIN"`
	DisableHealth    bool `yaml:"disable_health" env:"DISABLE_HEALTH"`
}

// LoggingConfig уровень и запись в файлы
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	File  bool   `yaml:"file" env:"FILE"`
}

// GetAdminPort возвращает порт admin API main zone с поддержкой fallback значений
func (s *ServerConfig) GetAdminPort() int {
	return getPortWithEnvFallback(s.AdminPort, "ZONE_ADMIN_PORT", 8088)
}

// AdminPortFor порт admin API зоны: sub-zone i получает базовый + i + 1
func (s *ServerConfig) AdminPortFor(def zone.Definition) int {
	if def.IsMain() {
		return s.GetAdminPort()
	}
	return s.GetAdminPort() + def.Index + 1
}

// HealthPort порт gRPC health для зоны на порту listenPort
func (s *ServerConfig) HealthPort(listenPort uint16) int {
	offset := s.HealthPortOffset
	if offset <= 0 {
		offset = 1000
	}
	return int(listenPort) + offset
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Default конфигурация без файла: одна main zone на 7777
func Default() *Config {
	return &Config{
		Zones: ZonesConfig{
			Active:       true,
			BasePort:     7777,
			IntervalMain: 5 * time.Second,
			Main:         ZoneConfig{Name: zone.DefaultMainZoneName},
		},
		Content:   ContentConfig{Dir: "content"},
		Cache:     cache.Config{TTL: cache.DefaultTTL, Subject: cache.DefaultSubject},
		EventBus:  EventBusConfig{Driver: "memory", Stream: "ZONES", Retention: 24, Capacity: 1024},
		Transport: transport.DefaultConfig(),
		Tickets:   TicketsConfig{TTL: 30 * time.Second},
		Server:    ServerConfig{HealthPortOffset: 1000},
		Logging:   LoggingConfig{Level: "INFO"},
	}
}

// Load читает YAML файл конфигурации и применяет переменные окружения.
// Если path == "", пытается прочитать путь из ENV ZONE_CONFIG; без файла
// используются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: разбор %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// BuildTopology строит и проверяет топологию зон
func (c *Config) BuildTopology() (*zone.Topology, error) {
	subs := make([]zone.Definition, len(c.Zones.SubZones))
	for i, z := range c.Zones.SubZones {
		subs[i] = z.definition()
	}
	return zone.NewTopology(c.Zones.Active, c.Zones.BasePort, c.Zones.IntervalMain, c.Zones.Main.definition(), subs)
}

// ApplyLogging настраивает уровень логирования и запись в файлы
func (c *Config) ApplyLogging() error {
	if c.Logging.Level != "" {
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return fmt.Errorf("config: logging.level: %w", err)
		}
		logging.SetDefaultLevel(level)
		logging.GetLoggerManager().SetConsoleLevel(level)
	}
	if c.Logging.File {
		logging.GetLoggerManager().EnableFileLogging()
	}
	return nil
}
