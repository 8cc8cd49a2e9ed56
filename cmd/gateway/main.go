package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dakydaky/ConsentBridge/internal/app"
	"github.com/dakydaky/ConsentBridge/internal/config"
	"github.com/dakydaky/ConsentBridge/internal/infra/db"
	"github.com/dakydaky/ConsentBridge/internal/logging"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:   "gateway",
		Usage:  "ConsentBridge consent token and signing gateway",
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP gateway and the audit sweep",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: runMigrate,
			},
			{
				Name:  "keys",
				Usage: "Tenant signing key maintenance",
				Commands: []*cli.Command{
					{
						Name:  "rotate",
						Usage: "Rotate the active consent-token key of a tenant",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "tenant", Usage: "tenant slug", Required: true},
						},
						Action: runKeysRotate,
					},
				},
			},
			{
				Name:  "audit",
				Usage: "Audit chain maintenance",
				Commands: []*cli.Command{
					{
						Name:  "verify",
						Usage: "Verify a tenant's audit chain over the last N days",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "tenant", Usage: "tenant slug", Required: true},
							&cli.IntFlag{Name: "days", Value: 1, Usage: "window length in days"},
						},
						Action: runAuditVerify,
					},
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(ctx context.Context, _ *cli.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close resources", "error", err)
		}
	}()
	if err := a.Store.Migrate(ctx); err != nil {
		return err
	}
	if err := a.SeedTenants(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx)
	})
	if cfg.AuditSweepEnabled {
		g.Go(func() error {
			a.AuditSweep.Start(gctx)
			<-gctx.Done()
			return a.AuditSweep.Close()
		})
	}
	return g.Wait()
}

func runMigrate(ctx context.Context, _ *cli.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := db.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied", "driver", store.Driver)
	return nil
}

func runKeysRotate(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	key, err := a.RotateTenant(ctx, cmd.String("tenant"))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"tenant":     cmd.String("tenant"),
		"kid":        key.KID,
		"status":     key.Status,
		"expires_at": key.ExpiresAt,
	})
}

func runAuditVerify(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	result, err := a.AuditVerify.VerifyDays(ctx, cmd.String("tenant"), int(cmd.Int("days")))
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return cli.Exit("audit chain verification failed", 2)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
