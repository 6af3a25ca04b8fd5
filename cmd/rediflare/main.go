package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rediflare/rediflare/internal/actor"
	"github.com/rediflare/rediflare/internal/api"
	"github.com/rediflare/rediflare/internal/buildinfo"
	"github.com/rediflare/rediflare/internal/config"
	"github.com/rediflare/rediflare/internal/geoip"
	"github.com/rediflare/rediflare/internal/scanloop"
	"github.com/rediflare/rediflare/internal/service"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Load the API key set
	keys, err := config.LoadKeySet(envCfg.APIKeysCSV, envCfg.APIKeysFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if envCfg.APIAuthEnabled {
		log.Printf("[main] loaded %d API key(s)", keys.Len())
	} else {
		log.Printf("[main] API auth disabled, all requests map to the public tenant")
	}

	// 3. GeoIP enrichment (optional)
	geo := geoip.NewService(envCfg.GeoIPMMDBPath)
	if err := geo.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer geo.Close()

	// 4. Actor host and control plane
	host := actor.NewHost(actor.Config{
		StateDir:         envCfg.StateDir,
		StatsSubmitDelay: envCfg.StatsSubmitDelay,
		VisitsRetention:  envCfg.VisitsRetention,
		IdleEvictAfter:   envCfg.IdleEvictAfter,
	})
	cp := service.New(service.Config{
		Host:          host,
		Geo:           geo,
		MissCacheSize: envCfg.MissCacheSize,
		MissCacheTTL:  envCfg.MissCacheTTL,
	})

	// 5. Background maintenance: idle actor eviction and GeoIP DB reloads
	stopCh := make(chan struct{})
	go scanloop.Run(stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, func() {
		host.SweepIdle()
		geo.MaybeReload()
	})

	// 6. Periodic sweep for actors holding stats that never flushed
	// (schedule validated at config load)
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(envCfg.StatsSweepSchedule, host.FlushOrphanedStats); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid stats sweep schedule: %v\n", err)
		os.Exit(1)
	}
	sweeper.Start()

	// 7. Create and start the API server
	srv := api.NewServer(
		envCfg.ListenAddress,
		envCfg.Port,
		envCfg.APIAuthEnabled,
		keys,
		int64(envCfg.APIMaxBodyBytes),
		cp,
	)

	go func() {
		log.Printf("rediflare %s (%s) listening on %s:%d",
			buildinfo.Version, buildinfo.GitCommit, envCfg.ListenAddress, envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	close(stopCh)
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Closing the host pushes pending stats and closes every actor DB.
	host.Close()
	log.Println("Server stopped")
}
