package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/NicolasHaas/typeduel/pkg/auth"
	"github.com/NicolasHaas/typeduel/pkg/datastore"
	"github.com/NicolasHaas/typeduel/pkg/leaderboard"
	"github.com/NicolasHaas/typeduel/pkg/logging"
	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/server"
	"github.com/NicolasHaas/typeduel/pkg/store"
	"github.com/NicolasHaas/typeduel/pkg/version"
)

func main() {
	// A missing .env is fine; real deployments pass the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DBDriver = "postgres"
		cfg.DBPath = dsn
	}
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.RedisDB = db
	}

	category := string(cfg.Category)
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP bind address for /ws, /api and /metrics")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver: sqlite or postgres")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file path or PostgreSQL DSN")
	flag.BoolVar(&cfg.Memory, "memory", false, "Use the in-memory store (nothing is persisted)")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for bearer tokens (env JWT_SECRET)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the leaderboard (empty to disable)")
	flag.StringVar(&category, "category", category, "Sentence category for races: FIFTEEN, TWENTY_FIVE or FIFTY")
	flag.DurationVar(&cfg.PairRetryInterval, "pair-retry", cfg.PairRetryInterval, "Interval for retrying queued pairs (0 to disable)")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket ping period")
	flag.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "Silence after which a connection is dropped")
	flag.IntVar(&cfg.SendQueueSize, "send-queue", cfg.SendQueueSize, "Outbound frames buffered per connection")
	flag.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "Expose Prometheus /metrics")
	flag.StringVar(&cfg.SentencesFile, "sentences-file", "", "YAML file with sentences to import on startup")
	flag.BoolVar(&cfg.ExportResults, "export-results", false, "Export all results as YAML and exit")
	flag.StringVar(&cfg.IssueToken, "issue-token", "", "Print a signed token for this user id and exit")

	logOpts := logging.FromEnv()
	flag.StringVar(&logOpts.Level, "log-level", logOpts.Level, "Log level: "+logging.LevelNames())
	flag.StringVar(&logOpts.Format, "log-format", logOpts.Format, "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	logOpts.Output = os.Stdout
	if err := logging.Setup(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	c, err := model.ParseCategory(category)
	if err != nil {
		slog.Error("invalid category", "err", err)
		os.Exit(1)
	}
	cfg.Category = c

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		slog.Error("token verifier", "err", err)
		os.Exit(1)
	}

	// Handle CLI actions (run and exit)
	if cfg.IssueToken != "" {
		token, err := verifier.Issue(cfg.IssueToken, "")
		if err != nil {
			slog.Error("issue token", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	if cfg.ExportResults {
		data, err := server.ExportResultsYAML(context.Background(), st)
		_ = st.Close()
		if err != nil {
			slog.Error("export results", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	var board *leaderboard.Board
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		board, err = leaderboard.Dial(ctx, leaderboard.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cancel()
		if err != nil {
			slog.Error("connect leaderboard", "addr", cfg.RedisAddr, "err", err)
			_ = st.Close()
			os.Exit(1)
		}
	}

	slog.Info("starting TypeDuel", "version", version.Full(), "store", storeName(cfg), "leaderboard", board != nil)

	srv, err := server.New(cfg, server.Dependencies{Store: st, Verifier: verifier, Leaderboard: board})
	if err != nil {
		slog.Error("create server", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg server.Config) (store.DataStore, error) {
	if cfg.Memory {
		return store.NewMemory(), nil
	}
	driver, err := datastore.ParseDriver(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	return datastore.NewProviderFactory(driver, cfg.DBPath)
}

func storeName(cfg server.Config) string {
	if cfg.Memory {
		return "memory"
	}
	return cfg.DBDriver
}
