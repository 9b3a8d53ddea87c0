// Command migrate применяет, откатывает и показывает миграции схемы PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/postgres"
)

const migrateTimeout = 30 * time.Second

type options struct {
	direction  string
	steps      int
	dsn        string
	configPath string
}

// migrator — операции над схемой, которые использует команда.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or roll back (default 1)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN, overrides postgres.dsn from config and OSTRICH_POSTGRES_DSN")
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction %q, use up|down|status", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must not be negative: %d", opts.steps)
	}
	return opts, nil
}

// resolveDSN берёт -dsn, иначе postgres.dsn из конфигурации.
func resolveDSN(opts options) (string, error) {
	if dsn := strings.TrimSpace(opts.dsn); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if dsn := strings.TrimSpace(cfg.Postgres.DSN); dsn != "" {
		return dsn, nil
	}
	return "", errors.New("postgres DSN is required: pass -dsn or set OSTRICH_POSTGRES_DSN")
}

func execute(ctx context.Context, m migrator, opts options, out io.Writer) error {
	switch opts.direction {
	case "up":
		if err := m.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := m.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	}

	state, err := m.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d pending=%d\n", opts.direction, state.Version, state.Applied, state.Pending)
	return err
}

func run(args []string, out io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	dsn, err := resolveDSN(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn, postgres.PoolOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()

	return execute(ctx, store, opts, out)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}
}
