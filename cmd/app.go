package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/example/libcal-scheduler/internal/config"
	"github.com/example/libcal-scheduler/internal/db"
	"github.com/example/libcal-scheduler/internal/libcal"
	"github.com/example/libcal-scheduler/internal/logging"
	"github.com/example/libcal-scheduler/internal/migrate"
	"github.com/example/libcal-scheduler/internal/securestore"
)

// app bundles the pieces every subcommand needs: config, logger, postgres.
type app struct {
	cfg config.Config
	log zerolog.Logger
	db  *db.DB

	logCloser io.Closer
}

func newApp(ctx context.Context, migrateUp bool) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Console: true,
		Path:    cfg.ActivityLogPath,
	})
	if err != nil {
		return nil, err
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		_ = logCloser.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			_ = logCloser.Close()
			return nil, err
		}
	}

	return &app{cfg: cfg, log: log, db: d, logCloser: logCloser}, nil
}

func (a *app) Close() {
	a.db.Close()
	_ = a.logCloser.Close()
}

func (a *app) portal() *libcal.Client {
	return libcal.New(libcal.Options{
		BaseURL:    a.cfg.PortalBaseURL,
		LID:        a.cfg.PortalLID,
		GID:        a.cfg.PortalGID,
		EID:        a.cfg.PortalEID,
		RatePerSec: a.cfg.PortalRate,
	})
}

func (a *app) profiles() (*securestore.ProfileRepo, error) {
	if len(a.cfg.CredEncKey) == 0 {
		return nil, fmt.Errorf("CRED_ENC_KEY is not set; run `libsched keys` to generate one")
	}
	aead, err := securestore.NewAEAD(a.cfg.CredEncKey)
	if err != nil {
		return nil, err
	}
	return securestore.NewProfileRepo(a.db, aead), nil
}
