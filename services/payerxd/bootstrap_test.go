package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"payerx/core/settlement"
	"payerx/native/rates"
	"payerx/services/payerxd/adapters"
	"payerx/services/payerxd/config"
)

func testConfig() config.Config {
	fee := uint16(10)
	return config.Config{
		Owner:  "0x00000000000000000000000000000000000000aa",
		Minter: "0x00000000000000000000000000000000000000ab",
		Tokens: []config.Token{
			{Symbol: "EURC", Address: "0x89b50855aa3be2f677cd6303cec089b5f319d72a", Decimals: 6, Faucet: true},
			{Symbol: "USDC", Address: "0x3600000000000000000000000000000000000000", Decimals: 6, Faucet: true},
			{Symbol: "GBPT", Address: "0x00000000000000000000000000000000000000cc", Decimals: 6},
		},
		Router: config.RouterConfig{
			Address:      "0x00000000000000000000000000000000000000e0",
			FeeBps:       &fee,
			MaxFeeBps:    100,
			FeeCollector: "0x00000000000000000000000000000000000000c1",
		},
		Engines: []config.Engine{{Address: "0x00000000000000000000000000000000000000fa", RateValidity: config.Duration{Duration: 5 * time.Minute}}},
		Oracle:  config.OracleConfig{Account: "0x00000000000000000000000000000000000000dd"},
		Sources: []config.Source{{Name: "manual", Type: "static", Rate: "1.09"}},
		Pairs: []config.Pair{{
			TokenIn: "EURC", TokenOut: "USDC", Base: "EUR", Quote: "USD",
			MinRate: "0.9", MaxRate: "1.3", Fallback: "1.09", Invert: true,
		}},
		Bootstrap: config.Bootstrap{
			Providers: []string{"0x00000000000000000000000000000000000000a7"},
			Liquidity: []config.Allocation{
				{Token: "USDC", Amount: "250000"},
				{Token: "GBPT", Amount: "10"},
			},
			Rates: []config.SeedRate{{TokenIn: "EURC", TokenOut: "USDC", Rate: "1.0850"}},
		},
	}
}

func TestBootstrapSeedsFreshEngine(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()
	engine, err := settlement.New(settlementConfig(cfg))
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	require.NoError(t, bootstrap(ctx, engine, cfg, logger))

	usdc := common.HexToAddress(cfg.Tokens[1].Address)
	gbpt := common.HexToAddress(cfg.Tokens[2].Address)
	reserve, err := engine.GetLiquidity(ctx, common.Address{}, usdc)
	require.NoError(t, err)
	require.Equal(t, "250000000000", reserve.Dec())

	// Non-faucet tokens are never minted.
	reserve, err = engine.GetLiquidity(ctx, common.Address{}, gbpt)
	require.NoError(t, err)
	require.True(t, reserve.IsZero())

	info, err := engine.GetRate(ctx, common.Address{}, common.HexToAddress(cfg.Tokens[0].Address), usdc)
	require.NoError(t, err)
	require.Equal(t, "1.085", rates.FormatRate(info.Rate))
	require.True(t, info.Fresh)

	ok, err := engine.IsRateSetter(ctx, common.Address{}, common.HexToAddress(cfg.Oracle.Account))
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Engines, 1)
	require.Contains(t, snap.Engines[0].Providers, common.HexToAddress(cfg.Bootstrap.Providers[0]))
}

func TestOraclePairsAndSources(t *testing.T) {
	cfg := testConfig()
	engine, err := settlement.New(settlementConfig(cfg))
	require.NoError(t, err)

	pairs, err := oraclePairs(cfg, engine)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "EUR/USD", pairs[0].Label())
	require.Equal(t, "1.09", pairs[0].Fallback.String())
	require.True(t, pairs[0].Invert)

	sources, err := oracleSources(cfg, adapters.NewRegistry())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "manual", sources[0].Name())

	cfg.Pairs[0].MaxRate = "-1"
	_, err = oraclePairs(cfg, engine)
	require.Error(t, err)
}

func TestCredentialsMapAccounts(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts = []config.Account{{Name: "merchant", Address: "0x00000000000000000000000000000000000000a1", APIKey: "merchant-key-000001"}}
	creds := credentials(cfg)
	require.Len(t, creds, 1)
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000a1"), creds[0].Account)
}
