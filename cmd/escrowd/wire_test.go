package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Handshake-Escrow/internal/config"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/registry"
)

const (
	operatorHex = "0x00000000000000000000000000000000000000e1"
	ownerHex    = "0x00000000000000000000000000000000000000f1"
)

const catalogYAML = `
native:
  symbol: SOL
  decimals: 9
  faucet_amount: "1"
assets:
  - symbol: USD
    address: "0x00000000000000000000000000000000000000a1"
    decimals: 6
    faucet_amount: "100"
pools:
  - id: usd-main
    asset: USD
    operator: "` + operatorHex + `"
    fee_bps: 50
balances:
  - owner: "` + ownerHex + `"
    asset: USD
    amount: "250.5"
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestGenesisFromCatalog(t *testing.T) {
	catalog, err := registry.LoadFile(writeCatalog(t))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	g := genesisFromCatalog(catalog)
	if len(g.Assets) != 2 {
		t.Fatalf("expected native and USD assets, got %+v", g.Assets)
	}
	if g.Assets[0].Address != (common.Address{}) || g.Assets[0].Symbol != "SOL" {
		t.Fatalf("expected native asset first, got %+v", g.Assets[0])
	}
	if len(g.Pools) != 1 || g.Pools[0].FeeBps != 50 || g.Pools[0].Operator != common.HexToAddress(operatorHex) {
		t.Fatalf("unexpected pools: %+v", g.Pools)
	}
	if len(g.Holdings) != 1 || g.Holdings[0].Balance != 250_500_000 {
		t.Fatalf("unexpected holdings: %+v", g.Holdings)
	}
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Catalog.Path = writeCatalog(t)
	cfg.Ledger.SlotInterval = 10 * time.Millisecond
	cfg.Orchestrator.PollInterval = 5 * time.Millisecond
	cfg.Orchestrator.ConfirmationTimeout = 3 * time.Second
	return cfg
}

func TestBuildEmbeddedStack(t *testing.T) {
	cfg := memoryConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := build(ctx, cfg, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()
	if c.local == nil || c.processor == nil || c.queue == nil {
		t.Fatal("expected embedded ledger, queue and processor")
	}
	go func() { _ = c.local.Run(ctx) }()

	report, err := c.reconciler.SyncRegistryAndPools(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pools != 1 || len(report.Skipped) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	pools, err := c.service.ListPools(ctx)
	if err != nil {
		t.Fatalf("list pools: %v", err)
	}
	want := escrow.DerivePoolAddress(common.HexToAddress("0xa1"), common.HexToAddress(operatorHex))
	if len(pools) != 1 || pools[0].Address != want {
		t.Fatalf("expected pool %s, got %+v", want.Hex(), pools)
	}

	grant, err := c.service.RequestFaucetGrant(ctx, "usd", common.HexToAddress(ownerHex))
	if err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if grant.Amount != 100_000_000 {
		t.Fatalf("expected 100 USD grant, got %d", grant.Amount)
	}
}

func TestBuildRejectsUnknownDrivers(t *testing.T) {
	ctx := context.Background()
	if _, err := openMirror(ctx, config.MirrorConfig{Driver: "sqlite"}); err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("expected unknown mirror driver error, got %v", err)
	}
	if _, err := openQueue(ctx, config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected unknown queue driver error")
	}
	if _, err := openCooldowns(ctx, config.FaucetConfig{Store: "etcd"}); err == nil {
		t.Fatal("expected unknown faucet store error")
	}
}

func TestSystemSignerFromHex(t *testing.T) {
	signer, err := systemSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Fatal("expected an address")
	}
	if _, err := systemSigner("not-a-key"); err == nil {
		t.Fatal("expected invalid key error")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "sync", "ledger", "keygen"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected subcommand %s, got %v", name, err)
		}
	}
}
