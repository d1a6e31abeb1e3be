package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labbridge/internal/config"
	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/db"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string
	rootCmd := &cobra.Command{
		Use:          "labbridge",
		Short:        "Laboratory interface engine",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(envFiles)
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Load environment variables from these files before reading config")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(integrationCmd())
	rootCmd.AddCommand(messagesCmd())
	return rootCmd
}

// loadEnvFiles loads the given dotenv files. Variables already present in the
// process environment win.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// newLogger builds the process logger. Development gets the console writer.
func newLogger(env, level string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "labbridge").Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, logger, err
	}
	return cfg, logger, nil
}

// app holds the stores shared by the server and the maintenance commands.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	pool         *pgxpool.Pool
	messages     *messagelog.Service
	integrations *integration.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	keyring, err := cfg.Keyring()
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.EncryptionKey == "" {
		logger.Warn().Msg("LIS_ENCRYPTION_KEY not set; stored credentials will not survive a restart")
	}

	msgs := messagelog.NewService(messagelog.NewRepoPG(pool), cfg.Retention(), logger)
	ints := integration.NewService(integration.NewRepoPG(pool), integration.NewMappingRepoPG(pool), msgs, keyring, logger)
	ints.SetTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	})

	return &app{cfg: cfg, logger: logger, pool: pool, messages: msgs, integrations: ints}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

// withApp loads config, opens the stores and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
