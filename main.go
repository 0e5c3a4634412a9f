package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raine/resale-pricer/config"
	"github.com/raine/resale-pricer/internal/driver"
	"github.com/raine/resale-pricer/internal/market"
	"github.com/raine/resale-pricer/internal/queue"
	"github.com/raine/resale-pricer/internal/quota"
	"github.com/raine/resale-pricer/internal/storage"
	"github.com/raine/resale-pricer/internal/vision"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	resume := flag.Bool("resume", false, "clear the quota pause and start the queue")
	flag.Parse()

	config.LoadEnvFile()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	encryptionKey, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive encryption key")
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath, encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("store initialized")

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gemini, err := vision.NewGeminiIdentifier(ctx, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize gemini identifier")
	}
	identifier := vision.NewCachedIdentifier(gemini, store)
	log.Info().Msg("gemini identifier initialized")

	marketClient := market.NewClient(market.ClientOpts{
		BaseURL:             cfg.MarketplaceBaseURL,
		AuthBaseURL:         cfg.MarketplaceBaseURL,
		ClientID:            cfg.MarketplaceClientID,
		ClientSecret:        cfg.MarketplaceClientSecret,
		TokenStore:          store,
		ActivePriceDiscount: cfg.ActivePriceDiscount,
	})

	authority := quota.NewMonthlyCap(store, cfg.MonthlyAnalysisCap)

	d, err := driver.New(store, identifier, marketClient, authority, driver.Opts{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize queue driver")
	}

	// Each photo file given on the command line joins a single job.
	if args := flag.Args(); len(args) > 0 {
		var photos [][]byte
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Fatal().Err(err).Str("path", path).Msg("failed to read photo")
			}
			photos = append(photos, data)
		}
		jobID, err := d.Enqueue(ctx, photos)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to enqueue job")
		}
		log.Info().Str("jobID", jobID).Msg("enqueued photo set from command line")
	} else if *resume {
		d.Resume(ctx)
	} else {
		d.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.Stop()
				d.Wait()
				return ctx.Err()
			case <-ticker.C:
				if !d.Progress().Running {
					return nil
				}
			}
		}
	})

	err = g.Wait()
	printSummary(d, store)
	if err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func printSummary(d *driver.Driver, store *storage.SQLiteStore) {
	progress := d.Progress()
	if progress.Paused {
		fmt.Println("queue paused: monthly analysis quota exhausted, resume when quota resets")
	}

	for _, view := range d.Queue().Snapshot() {
		switch view.Status {
		case queue.StatusCompleted:
			result, err := store.LoadJobResult(view.ID)
			if err != nil || result == nil {
				continue
			}
			fmt.Printf("#%d %s\n", view.Position, result.Item.Title)
			fmt.Printf("   quick %.2f € / market %.2f € / premium %.2f €\n",
				result.Tiers.QuickSell, result.Tiers.Market, result.Tiers.Premium)
			fmt.Printf("   %s\n", result.Item.Description)
		case queue.StatusFailed:
			fmt.Printf("#%d failed: %s\n", view.Position, view.ErrorMessage)
		case queue.StatusPending:
			fmt.Printf("#%d pending\n", view.Position)
		}
	}
}
