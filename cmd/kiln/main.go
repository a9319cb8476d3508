package main

import (
	"log"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/comfy"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/cost"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/probe"
	"github.com/seantiz/kiln/internal/resolver"
	"github.com/seantiz/kiln/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"gpu_types", cfg.GPUTypes(),
		"default_gpu", cfg.GPUType,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry(cfg.GPUType)
	for _, gpu := range cfg.GPUTypes() {
		client, err := comfy.New(comfy.Config{
			Name:           gpu + "@" + cfg.Backends[gpu],
			BaseURL:        cfg.Backends[gpu],
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("backend %s: %v", gpu, err)
		}
		reg.Register(gpu, client)
	}
	logger.Info("registered backends", "count", len(reg.List()), "default_gpu", reg.DefaultGPU())

	var overrides map[string]float64
	defaultRate := cfg.DefaultRate
	if cfg.RatesFile != "" {
		rf, err := cost.LoadRates(cfg.RatesFile)
		if err != nil {
			log.Fatalf("failed to load rates: %v", err)
		}
		overrides = rf.Rates
		if defaultRate == nil {
			defaultRate = rf.Default
		}
		logger.Info("loaded rate table", "path", cfg.RatesFile, "entries", len(rf.Rates))
	}

	tiers := make([]resolver.Tier, len(cfg.AdapterTiers))
	for i, t := range cfg.AdapterTiers {
		tiers[i] = resolver.Tier{Name: t.Name, Dir: t.Dir}
	}
	res := resolver.New(resolver.Config{LocalDir: cfg.AdapterDir, Tiers: tiers}, logger)

	exec := engine.NewExecutor(engine.ExecutorConfig{
		PollInterval:    cfg.PollInterval,
		JobTimeout:      cfg.JobTimeout,
		RetryDelay:      cfg.RetryDelay,
		CancelOnTimeout: cfg.CancelOnTimeout,
	}, logger)

	eng := engine.NewEngine(engine.Deps{
		Store:    db,
		Registry: reg,
		Resolver: res,
		Prober:   probe.New(cfg.ProbeTTL, logger),
		Costs:    cost.NewAttributor(overrides, defaultRate),
		Executor: exec,
		Logger:   logger,
	})

	// A synchronous generation may run two full attempts plus the retry delay.
	writeTimeout := 2*cfg.JobTimeout + cfg.RetryDelay + time.Minute
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger, api.WithWriteTimeout(writeTimeout))

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	logger.Info("waiting for background runs")
	eng.Wait()
}
