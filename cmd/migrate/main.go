package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"YDCoursePurchase/internal/config"
	"YDCoursePurchase/internal/db"
	"YDCoursePurchase/internal/logging"

	"go.uber.org/zap"
)

const migrationsDir = "migrations"

func main() {
	boot := logging.Bootstrap()
	cfg, err := config.Load("")
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()
	if cfg.DB.DSN == "" {
		log.Fatal("db.dsn is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, log)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		log.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(migrationsDir)
	if err != nil {
		log.Fatal("list migrations failed", zap.Error(err))
	}

	applied := 0
	for _, file := range files {
		done, err := isApplied(ctx, pool, file)
		if err != nil {
			log.Fatal("check migration failed", zap.String("file", file), zap.Error(err))
		}
		if done {
			continue
		}

		if err := applyMigration(ctx, pool, file); err != nil {
			log.Fatal("apply migration failed", zap.String("file", file), zap.Error(err))
		}
		applied++
		log.Info("migration applied", zap.String("file", file))
	}
	log.Info("migrations up to date", zap.Int("applied", applied), zap.Int("total", len(files)))
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sql") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, filepath.Base(file))
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs the file and records it in one transaction, so a
// failed migration is retried on the next run.
func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if body := strings.TrimSpace(string(data)); body != "" {
		if _, err := tx.Exec(ctx, body); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, filepath.Base(file)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
