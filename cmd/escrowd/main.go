package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/internal/app"
	"github.com/eidos-exchange/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos-escrow/internal/middleware"
	"github.com/eidos-exchange/eidos-escrow/internal/oracle"
	"github.com/eidos-exchange/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos-escrow/migrations"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
	"github.com/eidos-exchange/eidos-escrow/pkg/migrate"
)

const serviceName = "eidos-escrow"

func main() {
	cmd := &cli.Command{
		Name:  "escrowd",
		Usage: "escrow wager settlement engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config/config.yaml",
				Sources: cli.EnvVars("ESCROW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
			},
		},
		Before: loadEnv,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run http, grpc and scheduled jobs",
				Action: runServe,
			},
			{
				Name:  "migrate",
				Usage: "apply versioned database migrations",
				Commands: []*cli.Command{
					{Name: "up", Action: runMigrate("up")},
					{Name: "down", Usage: "roll back one version", Action: runMigrate("down")},
					{Name: "version", Action: runMigrate("version")},
				},
			},
			{
				Name:      "verify-outcome",
				Usage:     "recompute the coin flip of a settled wager",
				ArgsUsage: "<wager-id>",
				Action:    runVerifyOutcome,
			},
			{
				Name:  "admin-token",
				Usage: "issue an admin bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "admin-id", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: runAdminToken,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnv 加载 .env，文件不存在时忽略
func loadEnv(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if err := godotenv.Load(cmd.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ctx, fmt.Errorf("load env file: %w", err)
	}
	return ctx, nil
}

func setup(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
	}); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}

func runServe(_ context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", serviceName),
		zap.String("env", cfg.Service.Env),
		zap.Int("http_port", cfg.Service.HTTPPort),
		zap.Int("grpc_port", cfg.Service.GRPCPort))

	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Error("failed to create app", zap.Error(err))
		return err
	}
	if err := application.Run(); err != nil {
		logger.Error("app run error", zap.Error(err))
		return err
	}
	logger.Info("service stopped")
	return nil
}

func runMigrate(action string) cli.ActionFunc {
	return func(_ context.Context, cmd *cli.Command) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := app.OpenDatabase(cfg.Postgres)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		m := migrate.NewMigrator(sqlDB, serviceName, migrations.FS, ".", logger.L())
		switch action {
		case "up":
			return m.Up()
		case "down":
			return m.Rollback()
		default:
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
			return nil
		}
	}
}

func runVerifyOutcome(ctx context.Context, cmd *cli.Command) error {
	wagerID := cmd.Args().First()
	if wagerID == "" {
		return errors.New("wager id is required")
	}
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := app.OpenDatabase(cfg.Postgres)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	game, err := repository.NewGameRepository(db).GetByWagerID(ctx, wagerID)
	if err != nil {
		return fmt.Errorf("load game for %s: %w", wagerID, err)
	}
	out, err := json.MarshalIndent(oracle.Verification(game), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runAdminToken(_ context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	token, err := middleware.NewAdminAuth(cfg.Admin.JWTSecret).IssueToken(cmd.String("admin-id"), cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
