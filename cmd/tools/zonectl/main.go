package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/mmo-zones/internal/api"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultNatsURL   = "nats://127.0.0.1:4222"
	defaultHealthAdr = "localhost:8777"
	defaultAdminURL  = "http://localhost:8088"
	timeFormat       = "2006-01-02T15:04:05Z"
)

func main() {
	var (
		command   = flag.String("cmd", "tail", "Command: tail, health, zones, transfer")
		natsURL   = flag.String("nats", defaultNatsURL, "NATS server URL")
		stream    = flag.String("stream", "ZONES", "JetStream stream name")
		eventType = flag.String("types", "", "Event types filter (comma-separated)")
		sources   = flag.String("sources", "", "Source zones filter (comma-separated)")
		since     = flag.String("since", "", "Replay events since (e.g., 1h, 30m or RFC3339); empty means only new")
		limit     = flag.Int("limit", 0, "Stop after N events (0 = unlimited)")
		healthAdr = flag.String("health", defaultHealthAdr, "gRPC health address of a zone")
		adminURL  = flag.String("admin", defaultAdminURL, "Admin API base URL")
		player    = flag.String("player", "", "Player name for transfer")
		zoneName  = flag.String("zone", "", "Target zone for transfer")
		anchor    = flag.String("anchor", "", "Target anchor for transfer")
	)
	flag.Parse()

	var err error
	switch *command {
	case "tail":
		err = tailEvents(&TailOptions{
			URL:     *natsURL,
			Stream:  *stream,
			Types:   parseStringList(*eventType),
			Sources: parseStringList(*sources),
			Since:   *since,
			Limit:   *limit,
		})
	case "health":
		err = checkHealth(*healthAdr)
	case "zones":
		err = showZones(*adminURL)
	case "transfer":
		err = transfer(*adminURL, *player, api.TransferRequest{Zone: *zoneName, Anchor: *anchor})
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, health, zones, transfer")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

type TailOptions struct {
	URL     string
	Stream  string
	Types   []string
	Sources []string
	Since   string
	Limit   int
}

// tailEvents выводит события зон из JetStream
func tailEvents(opts *TailOptions) error {
	bus, err := eventbus.NewJetStreamBus(opts.URL, opts.Stream, 0)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := make(chan *eventbus.Envelope, 64)
	handler := func(_ context.Context, ev *eventbus.Envelope) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	filter := eventbus.Filter{Types: opts.Types, Sources: opts.Sources}

	var sub eventbus.Subscription
	if opts.Since != "" {
		start, err := parseSinceTime(opts.Since, time.Now())
		if err != nil {
			return fmt.Errorf("invalid since time: %v", err)
		}
		fmt.Printf("🎬 Replaying events since %s\n", start.Format(timeFormat))
		sub, err = bus.SubscribeSince(ctx, filter, start, handler)
		if err != nil {
			return err
		}
	} else {
		fmt.Println("🎬 Tailing new events")
		sub, err = bus.Subscribe(ctx, filter, handler)
		if err != nil {
			return err
		}
	}
	defer sub.Unsubscribe()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n📊 Total events: %d\n", count)
			return nil
		case ev := <-events:
			printEvent(ev)
			count++
			if opts.Limit > 0 && count >= opts.Limit {
				fmt.Printf("\n📊 Total events: %d\n", count)
				return nil
			}
		}
	}
}

// checkHealth запрашивает gRPC health зоны
func checkHealth(addr string) error {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: api.HealthService})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", addr, resp.GetStatus())
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
	return nil
}

// showZones выводит топологию и запущенные sub-zone
func showZones(base string) error {
	resp, err := http.Get(strings.TrimRight(base, "/") + "/zones")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API: %s", resp.Status)
	}

	var zones api.ZonesResponse
	if err := json.NewDecoder(resp.Body).Decode(&zones); err != nil {
		return err
	}

	fmt.Printf("Main: %s (port %d, heartbeat every %s, active=%v)\n", zones.Main.Name, zones.BasePort, zones.IntervalMain, zones.Active)
	for _, child := range zones.Children {
		status := "running"
		switch {
		case child.Error != "":
			status = "failed: " + child.Error
		case !child.Stats.Running:
			status = "exited"
		}
		fmt.Printf("  [%d] %s port %d pid %d %s rss=%.1fMB\n",
			child.Index, child.Zone, child.Port, child.PID, status, child.Stats.RSSMB)
	}
	return nil
}

// transfer просит зону перевести игрока
func transfer(base, player string, req api.TransferRequest) error {
	if player == "" || req.Zone == "" {
		return fmt.Errorf("-player and -zone are required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/players/%s/transfer", strings.TrimRight(base, "/"), player)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API: %s %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Printf("✅ %s -> %s\n", player, req.Zone)
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	fmt.Printf("[%s] %s [%s] %s\n",
		ev.Timestamp.Format("15:04:05"),
		ev.Source,
		ev.EventType,
		ev.ID)

	// Добавляем детали в зависимости от типа события
	switch ev.EventType {
	case eventbus.EventZoneSpawned:
		var p eventbus.ZoneSpawnedPayload
		if ev.Decode(&p) == nil {
			fmt.Printf("  Zone: %s [%d] pid %d port %d\n", p.Zone, p.Index, p.PID, p.Port)
		}
	case eventbus.EventZoneSpawnFailed:
		var p eventbus.ZoneSpawnFailedPayload
		if ev.Decode(&p) == nil {
			fmt.Printf("  Zone: %s [%d] error: %s\n", p.Zone, p.Index, p.Error)
		}
	case eventbus.EventHandoffRequested, eventbus.EventHandoffCompleted, eventbus.EventHandoffFailed:
		var p eventbus.HandoffPayload
		if ev.Decode(&p) == nil {
			fmt.Printf("  Player: %s %s -> %s anchor %q\n", p.Player, p.From, p.Zone, p.Anchor)
		}
	case eventbus.EventPlayerLoggedIn, eventbus.EventPlayerLoggedOut:
		var p eventbus.PlayerPayload
		if ev.Decode(&p) == nil {
			fmt.Printf("  Player: %s online: %d\n", p.Player, p.PlayersOnline)
		}
	case eventbus.EventMainZoneLost:
		var p eventbus.MainZoneLostPayload
		if ev.Decode(&p) == nil {
			fmt.Printf("  Main zone: %s silent %s (timeout %s)\n", p.MainZone, p.Elapsed, p.Timeout)
		}
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m" или абсолютное RFC3339
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return from, nil
	}

	duration, err := time.ParseDuration(since)
	if err != nil {
		// Пробуем парсить как абсолютное время
		return time.Parse(timeFormat, since)
	}

	return from.Add(-duration), nil
}
