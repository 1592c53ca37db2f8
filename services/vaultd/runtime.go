package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"nhbvault/core/events"
	"nhbvault/crypto"
	"nhbvault/native/amm"
	"nhbvault/native/bank"
	"nhbvault/native/vault"
	"nhbvault/observability"
	"nhbvault/services/vaultd/config"
	"nhbvault/services/vaultd/server"
	"nhbvault/services/vaultd/state"
	"nhbvault/services/vaultd/storage"
	statedb "nhbvault/storage"
)

// runtime owns every component vaultd wires together.
type runtime struct {
	bank      *bank.Ledger
	exchange  *amm.Exchange
	engine    *vault.Engine
	journal   *storage.Storage
	snapshots statedb.Database
	recorder  *events.Recorder
	server    *server.Server
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.journal != nil {
		_ = r.journal.Close()
	}
	if r.snapshots != nil {
		r.snapshots.Close()
	}
}

// buildRuntime assembles the ledger, venue, engine and HTTP server from cfg.
// Genesis balances and pools are applied first; persisted state, when
// present, then replaces the bank, the pools and the vault ledger.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *runtime, err error) {
	params, err := cfg.VaultParams()
	if err != nil {
		return nil, fmt.Errorf("vault params: %w", err)
	}
	rt := &runtime{bank: bank.NewLedger(), recorder: events.NewRecorder(0)}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := applyGenesis(rt.bank, cfg.Genesis); err != nil {
		return nil, err
	}

	rt.exchange, err = amm.NewExchange(rt.bank, params.Venue)
	if err != nil {
		return nil, err
	}
	if !params.Native.IsZero() && !params.WrappedNative.IsZero() {
		rt.exchange.SetNative(params.Native, params.WrappedNative)
	}
	if err := seedPools(ctx, rt.exchange, cfg.Venue.Pools); err != nil {
		return nil, err
	}

	rt.engine, err = vault.NewEngine(params, rt.exchange.Router(params.Vault), rt.bank)
	if err != nil {
		return nil, fmt.Errorf("vault engine: %w", err)
	}
	rt.engine.SetLogger(logger.With("component", "vault"))
	rt.engine.SetObserver(observability.VaultMetrics())
	rt.engine.SetEmitter(events.Fanout{rt.recorder, observability.Events()})

	if dir := strings.TrimSpace(cfg.StateDir); dir != "" {
		rt.snapshots, err = statedb.NewLevelDB(filepath.Join(dir, "vault"))
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
	} else {
		logger.Warn("vaultd: state_dir not configured; vault ledger is kept in memory")
		rt.snapshots = statedb.NewMemDB()
	}
	store := state.New(rt.snapshots)
	found, err := store.Load(rt.engine, rt.bank, rt.exchange)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if found {
		logger.Info("vaultd: restored persisted state", "total", vault.FormatAmount(rt.engine.TotalValue()), "paused", rt.engine.Paused())
	} else if err := store.Save(rt.engine, rt.bank, rt.exchange); err != nil {
		return nil, fmt.Errorf("save genesis state: %w", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage DSN: %w", err)
	}
	rt.journal, err = storage.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rt.server, err = server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, server.Dependencies{
		Engine:   rt.engine,
		Bank:     rt.bank,
		Exchange: rt.exchange,
		Journal:  rt.journal,
		State:    store,
		Events:   rt.recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure server: %w", err)
	}
	return rt, nil
}

func applyGenesis(ledger *bank.Ledger, entries []config.GenesisEntry) error {
	var errs []error
	for i, entry := range entries {
		asset, err := crypto.DecodeAddress(entry.Asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d].asset: %w", i, err))
			continue
		}
		holder, err := crypto.DecodeAddress(entry.Holder)
		if err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d].holder: %w", i, err))
			continue
		}
		amount, err := vault.ParseAmount(entry.Amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d].amount: %w", i, err))
			continue
		}
		if err := ledger.Mint(asset, holder, amount); err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func seedPools(ctx context.Context, exchange *amm.Exchange, pools []config.Pool) error {
	for i, p := range pools {
		provider, err := crypto.DecodeAddress(p.Provider)
		if err != nil {
			return fmt.Errorf("venue.pools[%d].provider: %w", i, err)
		}
		assetA, err := crypto.DecodeAddress(p.AssetA)
		if err != nil {
			return fmt.Errorf("venue.pools[%d].asset_a: %w", i, err)
		}
		assetB, err := crypto.DecodeAddress(p.AssetB)
		if err != nil {
			return fmt.Errorf("venue.pools[%d].asset_b: %w", i, err)
		}
		reserveA, err := vault.ParseAmount(p.ReserveA)
		if err != nil {
			return fmt.Errorf("venue.pools[%d].reserve_a: %w", i, err)
		}
		reserveB, err := vault.ParseAmount(p.ReserveB)
		if err != nil {
			return fmt.Errorf("venue.pools[%d].reserve_b: %w", i, err)
		}
		if err := exchange.AddLiquidity(ctx, provider, assetA, assetB, reserveA, reserveB); err != nil {
			return fmt.Errorf("venue.pools[%d]: %w", i, err)
		}
	}
	return nil
}
