package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jmaddaus/issuebridge/internal/bridge"
	"github.com/jmaddaus/issuebridge/internal/config"
	"github.com/jmaddaus/issuebridge/internal/daemon"
	"github.com/jmaddaus/issuebridge/internal/discord"
	"github.com/jmaddaus/issuebridge/internal/github"
	"github.com/jmaddaus/issuebridge/internal/ledger"
)

var version = "dev"

func main() {
	log.Printf("issuebridge version %s", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	led, err := ledger.NewSQLiteLedger(cfg.DBPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	tracker := github.NewClient(github.Options{
		Token: cfg.GitHubToken,
		Owner: cfg.Owner,
		Repo:  cfg.Repo,
		Project: github.ProjectConfig{
			ID:         cfg.ProjectID,
			FieldName:  cfg.StatusFieldName,
			OptionName: cfg.StatusOptionName,
		},
		Timeout: cfg.HTTPTimeout,
	})
	notifier := discord.NewNotifier(cfg.DiscordToken, cfg.HTTPTimeout)

	b := bridge.New(cfg, led, tracker, notifier)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		// Configuration errors (bad project/field/option names) land here,
		// before any event is consumed.
		log.Fatalf("start bridge: %v", err)
	}

	d := daemon.New(cfg, b)
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
