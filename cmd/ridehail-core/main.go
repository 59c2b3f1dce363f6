package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ridehail/internal/dispatch"
	"ridehail/internal/presence"
	"ridehail/internal/pricing"
	"ridehail/internal/push"
	"ridehail/internal/realtime"
	"ridehail/internal/restapi"
	"ridehail/internal/rideengine"
	"ridehail/internal/rideid"
	"ridehail/internal/shared/config"
	"ridehail/internal/shared/db"
	"ridehail/internal/shared/health"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/mq"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
	"ridehail/internal/wallet"
	"ridehail/internal/workinghours"
)

func main() {
	log := util.New()

	log.Info("RidehailCore", "Starting service initialization...")

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatal("Config", err)
	}
	log.OK("Config", "Configuration loaded successfully")

	database := db.ConnectToDB(&cfg.Database)
	defer database.Close()
	log.OK("Database", "Connected successfully")

	conn, ch, err := mq.ConnectToRMQ(&cfg.RabbitMQ)
	if err != nil {
		log.Fatal("RabbitMQ", err)
	}
	defer conn.Close()
	defer ch.Close()

	if err := mq.DeclareTopology(ch); err != nil {
		log.Fatal("RabbitMQ", err)
	}
	publisher := mq.NewPublisher(ch)
	log.OK("RabbitMQ", "Connected and topology declared")

	pgStore := store.NewPostgresStore(database)
	issuer := jwt.NewIssuer(cfg.Auth.JWTSecret, 24*time.Hour)

	// The engines below all take a Gateway-shaped interface at
	// construction, and Gateway itself needs the built engines to
	// dispatch inbound events, so it's built in two phases (see
	// realtime.Gateway.Wire).
	hub := realtime.NewHub(issuer, log)
	gw := realtime.NewGateway(hub, pgStore, pgStore, log)

	pricingCache := pricing.NewCache(pgStore, gw, log)
	pricingCache.SetEventPublisher(publisher)
	pricingCache.ApplyConfigDefaults(cfg.Pricing.DefaultPerKm)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pricingCache.Load(bootCtx); err != nil {
		log.Fatal("Pricing", err)
	}
	bootCancel()
	log.OK("Pricing", "Price table loaded")

	ledger := wallet.NewLedger(pgStore, gw, log)
	ledger.SetEventPublisher(publisher)
	presenceReg := presence.NewRegistry(pgStore, pgStore, gw, log, cfg.Sweep)
	workingHours := workinghours.NewService(pgStore, ledger, gw, log, cfg.WorkingHours)
	rideAlloc := rideid.NewAllocator(pgStore, log)
	pusher := push.NewOutbox(publisher)

	dispatchEngine := dispatch.NewEngine(pgStore, pgStore, rideAlloc, pricingCache, gw, pusher, log, cfg.Dispatch.DedupWindowSeconds)
	rideEngine := rideengine.NewEngine(pgStore, pgStore, pricingCache, ledger, gw, presenceReg, log)
	rideEngine.SetEventPublisher(publisher)

	gw.Wire(dispatchEngine, rideEngine, workingHours, presenceReg, pricingCache)
	presenceReg.SetDedupSweeper(dispatchEngine)

	presenceReg.Start()
	defer presenceReg.Close()

	// Startup recovery (§4.6, §4.7): re-arm the working-hours timer for
	// every driver who was mid-shift when the process last stopped.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 10*time.Second)
	activeDrivers, err := pgStore.ListTimerActiveDrivers(recoverCtx)
	recoverCancel()
	if err != nil {
		log.Warn("Recovery", "failed to list timer-active drivers: "+err.Error())
	} else {
		for _, d := range activeDrivers {
			workingHours.Rearm(d)
		}
		log.OK("Recovery", "re-armed working-hours timers for "+strconv.Itoa(len(activeDrivers))+" driver(s)")
	}

	pushWorker := push.NewWorker(ch, push.NewNoopSender(log), log)
	if err := pushWorker.Start(); err != nil {
		log.Fatal("PushWorker", err)
	}
	defer pushWorker.Stop()
	log.OK("PushWorker", "Consuming push_topic")

	handler := restapi.NewHandler(pgStore, pgStore, pgStore, pricingCache, ledger, workingHours, dispatchEngine, rideEngine, issuer, log)

	restMux := handler.Router()
	restMux.HandleFunc("/health", health.Handler("ridehail-core", database, conn))

	restServer := &http.Server{
		Addr:    ":" + cfg.Server.HTTPPort,
		Handler: restMux,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", hub.ServeWS)
	wsServer := &http.Server{
		Addr:    ":" + cfg.Server.WSPort,
		Handler: wsMux,
	}

	go func() {
		log.OK("HTTP", "REST surface running on :"+cfg.Server.HTTPPort)
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP", err)
		}
	}()

	go func() {
		log.OK("WS", "realtime gateway running on :"+cfg.Server.WSPort)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("WS", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Warn("RidehailCore", "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("WS", err)
	}
	log.Info("RidehailCore", "Shutdown complete")
}
