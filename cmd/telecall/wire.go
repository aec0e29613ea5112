package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/1ureka/telecall/internal/config"
	"github.com/1ureka/telecall/internal/directory"
	"github.com/1ureka/telecall/internal/media"
	"github.com/1ureka/telecall/internal/media/device"
	"github.com/1ureka/telecall/internal/peer"
	"github.com/1ureka/telecall/internal/profile"
	"github.com/1ureka/telecall/internal/relay"
	"github.com/1ureka/telecall/internal/util"
)

func backoff(c config.BackoffConfig) relay.Backoff {
	return relay.Backoff{Min: c.Min, Max: c.Max, Factor: c.Factor, Budget: c.Budget}
}

func openRelay(ctx context.Context, cfg config.Config) (relay.Client, error) {
	switch cfg.Relay.Backend {
	case config.RelayRedis:
		rdb, err := relay.OpenRedis(ctx, relay.RedisConfig{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		util.LogSuccess("relay: redis at %s", cfg.Relay.RedisAddr)
		return relay.NewRedis(ctx, rdb, backoff(cfg.Relay.Backoff), nil), nil
	case config.RelayMemory:
		util.LogWarning("relay: in-process hub, no other party can reach this agent")
		return relay.NewMemoryHub().Connect(), nil
	default:
		util.LogInfo("relay: connecting to %s", cfg.Relay.URL)
		return relay.DialWS(ctx, relay.WSConfig{
			URL:     cfg.Relay.URL,
			Token:   cfg.Relay.Token,
			Backoff: backoff(cfg.Relay.Backoff),
		}), nil
	}
}

// store bundles the call directory with the profile lookup that shares its
// database, if any.
type store struct {
	dir      directory.Directory
	profiles profile.Lookup
	db       *sql.DB
}

func (s store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config, pub directory.Publisher) (store, error) {
	var (
		db      *sql.DB
		dialect directory.Dialect
		err     error
	)
	switch cfg.Directory.Driver {
	case config.DriverMemory:
		return store{
			dir:      directory.NewNotifying(directory.NewMemory(nil), pub),
			profiles: profile.Static(cfg.Profiles),
		}, nil
	case config.DriverPostgres:
		dialect = directory.Postgres
		db, err = directory.OpenPostgres(ctx, cfg.Directory.DSN, directory.PoolConfig{MaxOpenConns: cfg.Directory.MaxOpenConns})
	default:
		dialect = directory.SQLite
		db, err = directory.OpenSQLite(ctx, cfg.Directory.DSN)
	}
	if err != nil {
		return store{}, err
	}

	calls := directory.NewSQL(db, dialect, nil)
	if err := calls.Migrate(ctx); err != nil {
		db.Close()
		return store{}, fmt.Errorf("migrate calls: %w", err)
	}
	profiles := profile.NewSQL(db)
	if err := profiles.Migrate(ctx); err != nil {
		db.Close()
		return store{}, fmt.Errorf("migrate profiles: %w", err)
	}
	for party, name := range cfg.Profiles {
		if err := profiles.Upsert(ctx, party, name); err != nil {
			util.LogWarning("profile %s not stored: %v", party, err)
		}
	}
	util.LogSuccess("directory: %s ready", cfg.Directory.Driver)

	return store{
		dir:      directory.NewNotifying(calls, pub),
		profiles: profiles,
		db:       db,
	}, nil
}

func peerConfig(cfg config.Config) peer.Config {
	return peer.Config{
		ICEServers:        cfg.ICE.STUNServers,
		DisconnectedGrace: cfg.ICE.DisconnectedGrace,
		IncludeLoopback:   cfg.ICE.IncludeLoopback,
	}
}

func capturer(cfg config.Config) media.Capturer {
	if cfg.Media.Synthetic {
		return media.Synthetic{}
	}
	return device.Capturer{}
}
