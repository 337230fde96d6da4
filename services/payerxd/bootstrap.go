package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"payerx/core/settlement"
	"payerx/native/rates"
	"payerx/native/token"
	"payerx/services/payerxd/adapters"
	"payerx/services/payerxd/config"
	"payerx/services/payerxd/oracle"
	"payerx/services/payerxd/server"
)

func settlementConfig(cfg config.Config) settlement.Config {
	assets := make([]token.Asset, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		assets = append(assets, token.Asset{
			Address:  common.HexToAddress(tok.Address),
			Symbol:   strings.ToUpper(strings.TrimSpace(tok.Symbol)),
			Decimals: tok.Decimals,
		})
	}
	engines := make([]settlement.EngineConfig, 0, len(cfg.Engines))
	for _, eng := range cfg.Engines {
		engines = append(engines, settlement.EngineConfig{
			Address:      common.HexToAddress(eng.Address),
			RateValidity: eng.RateValidity.Duration,
		})
	}
	return settlement.Config{
		Owner:   common.HexToAddress(cfg.Owner),
		Minter:  common.HexToAddress(cfg.Minter),
		Assets:  assets,
		Engines: engines,
		Router: settlement.RouterConfig{
			Address:      common.HexToAddress(cfg.Router.Address),
			FeeCollector: common.HexToAddress(cfg.Router.FeeCollector),
			FeeBps:       cfg.Router.Fee(),
			MaxFeeBps:    cfg.Router.MaxFeeBps,
		},
	}
}

func credentials(cfg config.Config) []server.Credential {
	out := make([]server.Credential, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		out = append(out, server.Credential{
			Name:    acct.Name,
			Account: common.HexToAddress(acct.Address),
			APIKey:  acct.APIKey,
		})
	}
	return out
}

// bootstrap seeds a fresh deployment: liquidity providers and the oracle
// account on every engine, initial rates on the active engine, and reserves
// minted from the minter for faucet tokens.
func bootstrap(ctx context.Context, engine *settlement.Engine, cfg config.Config, logger *slog.Logger) error {
	owner := common.HexToAddress(cfg.Owner)
	minter := common.HexToAddress(cfg.Minter)
	oracleAcc := common.HexToAddress(cfg.Oracle.Account)

	for _, eng := range engine.Engines() {
		for _, raw := range cfg.Bootstrap.Providers {
			if err := engine.SetProvider(ctx, owner, eng, common.HexToAddress(raw), true); err != nil {
				return fmt.Errorf("provider %s: %w", raw, err)
			}
		}
		if oracleAcc != owner {
			if err := engine.SetOracle(ctx, owner, eng, oracleAcc, true); err != nil {
				return fmt.Errorf("oracle %s: %w", oracleAcc.Hex(), err)
			}
		}
	}

	for _, seed := range cfg.Bootstrap.Rates {
		in, err := engine.Lookup(seed.TokenIn)
		if err != nil {
			return err
		}
		out, err := engine.Lookup(seed.TokenOut)
		if err != nil {
			return err
		}
		rate, err := rates.ParseRate(seed.Rate)
		if err != nil {
			return fmt.Errorf("seed rate %s/%s: %w", in.Symbol, out.Symbol, err)
		}
		if err := engine.SetRate(ctx, owner, common.Address{}, in.Address, out.Address, rate); err != nil {
			return fmt.Errorf("seed rate %s/%s: %w", in.Symbol, out.Symbol, err)
		}
	}

	faucet := make(map[common.Address]bool, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		faucet[common.HexToAddress(tok.Address)] = tok.Faucet
	}
	info, err := engine.Router(ctx)
	if err != nil {
		return err
	}
	for _, alloc := range cfg.Bootstrap.Liquidity {
		asset, err := engine.Lookup(alloc.Token)
		if err != nil {
			return err
		}
		if !faucet[asset.Address] {
			logger.Warn("skipping bootstrap liquidity for non-faucet token", "token", asset.Symbol)
			continue
		}
		amount, err := token.ParseUnits(alloc.Amount, asset.Decimals)
		if err != nil {
			return fmt.Errorf("liquidity %s: %w", asset.Symbol, err)
		}
		target := info.Engine
		if strings.TrimSpace(alloc.Engine) != "" {
			target = common.HexToAddress(alloc.Engine)
		}
		if err := engine.Mint(ctx, minter, asset.Address, owner, amount); err != nil {
			return fmt.Errorf("mint %s: %w", asset.Symbol, err)
		}
		if err := engine.Approve(ctx, owner, asset.Address, target, amount); err != nil {
			return fmt.Errorf("approve %s: %w", asset.Symbol, err)
		}
		if err := engine.AddLiquidity(ctx, owner, target, asset.Address, amount); err != nil {
			return fmt.Errorf("add liquidity %s: %w", asset.Symbol, err)
		}
		logger.Info("bootstrap liquidity added", "token", asset.Symbol, "engine", target.Hex(), "amount", token.FormatUnits(amount, asset.Decimals))
	}
	return nil
}

func optionalDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return value, nil
}

func oraclePairs(cfg config.Config, engine *settlement.Engine) ([]oracle.Pair, error) {
	pairs := make([]oracle.Pair, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		in, err := engine.Lookup(p.TokenIn)
		if err != nil {
			return nil, err
		}
		out, err := engine.Lookup(p.TokenOut)
		if err != nil {
			return nil, err
		}
		pair := oracle.Pair{Base: p.Base, Quote: p.Quote, TokenIn: in.Address, TokenOut: out.Address, Invert: p.Invert}
		if pair.MinRate, err = optionalDecimal("min_rate", p.MinRate); err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair.Label(), err)
		}
		if pair.MaxRate, err = optionalDecimal("max_rate", p.MaxRate); err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair.Label(), err)
		}
		if pair.Fallback, err = optionalDecimal("fallback", p.Fallback); err != nil {
			return nil, fmt.Errorf("pair %s: %w", pair.Label(), err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func oracleSources(cfg config.Config, registry *adapters.Registry) ([]oracle.Source, error) {
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Rate, src.Assets)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", src.Name, err)
		}
		sources = append(sources, built)
	}
	return sources, nil
}
