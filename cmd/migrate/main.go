package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"leasehold.org/internal/migrate"
	"leasehold.org/internal/obs"
	"leasehold.org/internal/store/pg"
	"leasehold.org/migrations"
)

func main() {
	obs.InitLogging(obs.LogConfig{Format: "console"})
	log := obs.Logger()

	dsn := flag.String("dsn", os.Getenv("LEASEHOLD_DATABASE__URL"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or LEASEHOLD_DATABASE__URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.FS, ".", "seeds")

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	log.Info().Str("command", cmd).Msg("done")
}
