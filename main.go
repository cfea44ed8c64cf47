package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/api"
	"github.com/kyhoon/defi-basel-framework/internal/basel"
	"github.com/kyhoon/defi-basel-framework/internal/catalog"
	"github.com/kyhoon/defi-basel-framework/internal/collector"
	"github.com/kyhoon/defi-basel-framework/internal/config"
	"github.com/kyhoon/defi-basel-framework/internal/explorer"
	"github.com/kyhoon/defi-basel-framework/internal/oracle"
	"github.com/kyhoon/defi-basel-framework/internal/repository"
	"github.com/kyhoon/defi-basel-framework/internal/scheduler"
	"github.com/kyhoon/defi-basel-framework/internal/snapshots"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	log.Info().Msg("initializing database")
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if err := repo.Migrate("schema.sql"); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := catalog.NewLoader(repo, cfg.DataDir, log)
	if err := loader.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("catalog load failed")
	}

	planner := snapshots.NewPlanner(repo, log)
	if err := bootstrapSnapshots(ctx, repo, planner, log); err != nil {
		log.Fatal().Err(err).Msg("snapshot bootstrap failed")
	}

	exp := explorer.NewClient(cfg.EtherscanToken, log)
	orc := oracle.NewClient(log)
	transferCollector := collector.NewTransferCollector(repo, exp, log)
	priceCollector := collector.NewPriceCollector(repo, orc, cfg.PricePageWorkers, log)
	engine := basel.NewEngine(repo, cfg.CARWorkers, log)

	sched := scheduler.New(log)
	sched.AddInterval("heartbeat", time.Minute, 1, func(ctx context.Context) error {
		return heartbeat(ctx, repo, log)
	})
	sched.AddInterval("collect_prices", time.Second, 1, priceCollector.Run)
	sched.AddInterval("collect_transfers", time.Second, cfg.TransferWorkers, transferCollector.Run)
	sched.AddDaily("update_snapshots", 0, func(ctx context.Context) error {
		if err := loader.Load(ctx); err != nil {
			return err
		}
		return planner.Update(ctx)
	})
	sched.AddDaily("calculate_car", 1, engine.Run)
	sched.Start(ctx)

	server := api.NewServer(repo, engine.Run, cfg.APIPort, cfg.AdminJWTSecret, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	log.Info().Msg("running main loop, press Ctrl+C to exit")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("terminating main loop")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown failed")
	}
	sched.Wait()
}

// bootstrapSnapshots enqueues the cold-start backlog when both backlogs
// are empty, meaning this is a fresh database.
func bootstrapSnapshots(ctx context.Context, repo *repository.Repository, planner *snapshots.Planner, log zerolog.Logger) error {
	transfers, err := repo.CountTransferSnapshots(ctx)
	if err != nil {
		return err
	}
	prices, err := repo.CountPriceSnapshots(ctx)
	if err != nil {
		return err
	}
	if transfers > 0 || prices > 0 {
		log.Info().
			Int64("transfer_snapshots", transfers).
			Int64("price_snapshots", prices).
			Msg("resuming existing backlog")
		return nil
	}
	log.Info().Msg("initializing snapshots")
	return planner.Initialize(ctx)
}

func heartbeat(ctx context.Context, repo *repository.Repository, log zerolog.Logger) error {
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	log.Debug().
		Int64("protocols", stats["protocols"]).
		Int64("tokens", stats["tokens"]).
		Int64("assets", stats["assets"]).
		Msg("data collected")
	log.Debug().
		Int64("transfers", stats["transfer_snapshots"]).
		Int64("prices", stats["price_snapshots"]).
		Msg("snapshots left")
	return nil
}
