package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/server"
	"github.com/oarkflow/rebac/stores"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		dbPath     = flag.String("db", "rebac.db", "sqlite database path")
		configPath = flag.String("config", "", "seed configuration file (.yaml, .json, .bin)")
		redisAddr  = flag.String("redis", "", "optional redis address for the relation store")
	)
	flag.Parse()

	log := logger.NewPhusluLogger()

	sqlDB, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Error("open database failed", "path", *dbPath, "error", err.Error())
		os.Exit(1)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "rebac")
	if err := stores.Migrate(db); err != nil {
		log.Error("migrate failed", "error", err.Error())
		os.Exit(1)
	}

	var relations rebac.RelationStore = stores.NewSQLRelationStore(db)
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Error("redis ping failed", "addr", *redisAddr, "error", err.Error())
			os.Exit(1)
		}
		relations = stores.NewRedisRelationStore(client)
		log.Info("using redis relation store", "addr", *redisAddr)
	}

	schema := rebac.NewSchema()
	engine, err := rebac.NewEngine(
		relations,
		stores.NewSQLPolicyStore(db),
		stores.NewSQLDecisionStore(db),
		schema,
		rebac.WithLogger(log),
	)
	if err != nil {
		log.Error("engine setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer engine.Close()

	projector := rebac.NewProjector(engine, stores.NewSQLUIStore(db), log)

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			log.Error("load config failed", "path", *configPath, "error", err.Error())
			os.Exit(1)
		}
		if err := rebac.ApplyConfig(context.Background(), engine, projector, cfg); err != nil {
			log.Error("apply config failed", "error", err.Error())
			os.Exit(1)
		}
		log.Info("configuration applied",
			"namespaces", len(cfg.Namespaces),
			"tuples", len(cfg.Tuples),
			"policies", len(cfg.Policies))
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           server.New(engine, projector, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "error", err.Error())
	}
}

func loadConfig(path string) (*rebac.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loader := rebac.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return loader.LoadYAML(data)
	}
}
