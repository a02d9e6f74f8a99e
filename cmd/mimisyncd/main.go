// Command mimisyncd runs the offline-first sync engine as a daemon and
// provides inspection commands over the local store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mimisupply/mimisync/internal/config"
	"github.com/mimisupply/mimisync/internal/db"
	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
	"github.com/mimisupply/mimisync/internal/remote"
	syncpkg "github.com/mimisupply/mimisync/internal/sync"
	"github.com/mimisupply/mimisync/internal/sync/listener"
	"github.com/mimisupply/mimisync/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "mimisyncd",
		Usage:   "offline-first sync engine daemon",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the sync engine until interrupted",
				Action: runDaemon,
			},
			{
				Name:   "status",
				Usage:  "Show pending, dead-letter and conflict counts",
				Action: runStatus,
			},
			{
				Name:   "queue",
				Usage:  "List queued outbox mutations",
				Action: runQueue,
			},
			{
				Name:  "serve-remote",
				Usage: "Run the in-memory reference remote store",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Value: ":8787",
						Usage: "listen address",
					},
				},
				Action: runServeRemote,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func openStore(cfg *config.Config) (*db.DB, *db.Store, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return database, db.NewStore(database), nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, cfg.LogLevel)

	database, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	client := remote.NewClient(cfg.RemoteURL, cfg.AccessToken, cfg.PushTimeout)
	engine := syncpkg.New(cfg, store, client)

	sched := scheduler.New(engine, scheduler.Config{PullInterval: cfg.PullInterval})
	sched.Start()
	defer sched.Stop()

	debounced := listener.New(sched.SchedulePull, cfg.DebounceInterval)
	defer debounced.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := strings.Replace(cfg.RemoteURL, "http", "ws", 1) + "/ws"
	ws := listener.NewWSListener(wsURL, cfg.AccessToken, debounced)
	go ws.Run(ctx)

	reach := listener.NewReachability(sched.OnReachabilityChange)
	probe := listener.NewHealthProbe(cfg.RemoteURL+"/health", 0, reach)
	go probe.Run(ctx)

	sched.SyncNow()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("Shutting down", nil)
	return nil
}

func runStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, "error")

	database, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := store.PendingCount()
	if err != nil {
		return err
	}
	letters, err := store.DeadLetters()
	if err != nil {
		return err
	}
	conflicts, err := store.PendingConflicts()
	if err != nil {
		return err
	}

	fmt.Printf("Pending mutations:  %d\n", pending)
	fmt.Printf("Dead letters:       %d\n", len(letters))
	fmt.Printf("Pending conflicts:  %d\n", len(conflicts))

	for _, p := range cfg.Partitions {
		token, err := store.Token(p)
		if err != nil {
			return err
		}
		display := token.String()
		if token.IsZero() {
			display = "(never pulled)"
		}
		fmt.Printf("Token %-12s %s\n", string(p)+":", display)
	}
	return nil
}

func runQueue(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, "error")

	database, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := store.PendingMutations(nil)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("Outbox is empty")
		return nil
	}

	for _, m := range pending {
		fmt.Printf("%-8s %-24s %s attempts=%d enqueued=%s\n",
			string(m.Op), m.Target().Key(), m.MutationID.String(),
			m.AttemptCount, m.EnqueuedAtTime().Format("2006-01-02 15:04:05"))
		if m.LastError != "" {
			fmt.Printf("         last error: %s\n", m.LastError)
		}
	}
	return nil
}

func runServeRemote(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, cfg.LogLevel)

	defaultPartition := models.Partition("private")
	if len(cfg.Partitions) > 0 {
		defaultPartition = cfg.Partitions[0]
	}
	server := remote.NewServer(map[models.RecordType]models.Partition{}, defaultPartition)

	addr := c.String("listen")
	logging.Info("Reference remote store listening", map[string]interface{}{"addr": addr})
	return http.ListenAndServe(addr, server.Handler())
}
