package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"multiplayer/internal/api"
	"multiplayer/internal/config"
	"multiplayer/internal/game"
	"multiplayer/internal/replication"
	"multiplayer/internal/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	} else {
		log.Println("✅ Loaded environment from .env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  MULTIPLAYER REPLICATION SERVER")
	log.Println("🎮 ================================")

	appConfig, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	if *configPath != "" {
		log.Printf("✅ Loaded config from %s", *configPath)
	}

	worldCfg := appConfig.World
	replCfg := appConfig.Replication
	log.Printf("🎮 World: %.0fx%.0f, %d TPS, %d wanderers, %d beacons",
		worldCfg.Width, worldCfg.Height, worldCfg.TickRate, worldCfg.Wanderers, worldCfg.Beacons)
	log.Printf("📡 Replication: window %d, view radius %.0f, payload %d bytes",
		replCfg.MaxEntitySendCount, replCfg.ViewRadius, replCfg.MaxPayloadSize)
	if r := replCfg.Region; r != nil {
		log.Printf("🗺️ Region domain: (%.0f, %.0f) to (%.0f, %.0f)", r.MinX, r.MinY, r.MaxX, r.MaxY)
	}

	engine := game.NewEngine(worldOptions(appConfig))
	engine.SetTickObserver(api.RecordTick)

	if path := appConfig.Observability.EventLogPath; path != "" {
		if err := engine.StartEventLog(path); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		} else {
			log.Printf("📝 Event log: %s", path)
		}
	}

	server := api.NewServer(engine, api.ServerConfig{
		Session:        sessionConfig(appConfig),
		MaxConnections: appConfig.Server.MaxConnections,
		MaxPerIP:       appConfig.Server.MaxConnectionsIP,
		CORSOrigins:    appConfig.Server.CORSOrigins,
		AdminKey:       appConfig.Server.AdminKey,
	})

	debugCfg := api.DefaultObservabilityConfig()
	debugCfg.Enabled = appConfig.Observability.DebugEnabled
	debugCfg.ListenAddr = appConfig.Observability.DebugAddr
	if err := api.StartDebugServer(debugCfg, server.Hub()); err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}

	engine.Start()
	log.Println("✅ World engine started")

	stopGauges := make(chan struct{})
	go recordGauges(engine, stopGauges)

	go func() {
		addr := ":" + strconv.Itoa(appConfig.Server.Port)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	close(stopGauges)
	engine.Stop()
	engine.StopEventLog()
	log.Println("👋 Goodbye!")
}

// recordGauges copies engine stats into metrics once a second. The tick
// observer runs under the engine lock, so gauges are read from here instead.
func recordGauges(engine *game.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := engine.Stats()
			api.RecordEngineStats(s.Entities, s.Players, s.EventLog)
		}
	}
}

func worldOptions(cfg config.AppConfig) game.Options {
	w := cfg.World
	opts := game.DefaultOptions()
	opts.TickRate = w.TickRate
	opts.WorldWidth, opts.WorldHeight = w.Width, w.Height
	opts.CellSize = w.CellSize
	opts.Wanderers, opts.Beacons = w.Wanderers, w.Beacons
	opts.PlayerSpeed, opts.PropSpeed = w.PlayerSpeed, w.PropSpeed
	opts.Limits.MaxPlayers = w.MaxPlayers
	opts.Seed = w.Seed
	return opts
}

func sessionConfig(cfg config.AppConfig) session.Config {
	r := cfg.Replication
	sc := session.DefaultConfig()

	sc.Window = replication.WindowConfig{
		MaxEntitySendCount:  r.MaxEntitySendCount,
		ViewRadius:          r.ViewRadius,
		UpdateInterval:      r.UpdateInterval,
		DistanceWeight:      r.DistanceWeight,
		AgeWeight:           r.AgeWeight,
		AgeCap:              r.AgeCap,
		AlwaysRelevantBoost: r.AlwaysRelevantBoost,
	}
	sc.Manager.MaxPayloadSize = r.MaxPayloadSize
	sc.Manager.MaxPendingCreation = r.MaxPendingCreation
	sc.Manager.PendingRemovalTicks = r.PendingRemovalTicks
	sc.Manager.ResendTimeoutTicks = r.ResendTimeoutTicks
	sc.Manager.CompressThreshold = r.CompressThreshold
	if reg := r.Region; reg != nil {
		sc.Region = &replication.Bounds{MinX: reg.MinX, MinY: reg.MinY, MaxX: reg.MaxX, MaxY: reg.MaxY}
	}

	sc.TickRate = uint16(cfg.World.TickRate)
	s := cfg.Session
	sc.SendQueue, sc.InputQueue = s.SendQueue, s.InputQueue
	sc.InputRate, sc.InputBurst = s.InputRate, s.InputBurst
	return sc
}
