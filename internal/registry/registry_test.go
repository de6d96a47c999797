package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

const catalogYAML = `
native:
  symbol: SOL
  decimals: 9
  faucet_amount: "1"
assets:
  - symbol: usd
    address: "0x00000000000000000000000000000000000000a1"
    decimals: 4
    faucet_amount: "100"
  - symbol: EUR
    address: "0x00000000000000000000000000000000000000a2"
    decimals: 2
pools:
  - id: usd-main
    asset: USD
    operator: "0x00000000000000000000000000000000000000f1"
    fee_bps: 100
balances:
  - owner: "0x00000000000000000000000000000000000000b1"
    asset: USD
    amount: "2500.0000"
`

var (
	usdAddress = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	eurAddress = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assets.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func TestLoadCatalog(t *testing.T) {
	c := loadTestCatalog(t)

	usd, err := c.Lookup("Usd")
	if err != nil {
		t.Fatalf("lookup usd: %v", err)
	}
	if usd.Address != usdAddress || usd.Decimals != 4 || usd.FaucetAmount != 1_000_000 {
		t.Fatalf("unexpected usd %+v", usd)
	}
	native, err := c.Lookup("native")
	if err != nil || !native.Native || native.Symbol != "SOL" || native.FaucetAmount != 1_000_000_000 {
		t.Fatalf("unexpected native %+v %v", native, err)
	}
	if native.Key() != "native" || usd.Key() != "0x00000000000000000000000000000000000000a1" {
		t.Fatalf("unexpected keys %q %q", native.Key(), usd.Key())
	}
	if eur, _ := c.Lookup(eurAddress.Hex()); eur.FaucetAmount != 0 {
		t.Fatalf("eur faucet should be disabled")
	}

	pools := c.Pools()
	if len(pools) != 1 {
		t.Fatalf("expected one pool, got %d", len(pools))
	}
	want := escrow.DerivePoolAddress(usdAddress, common.HexToAddress("0xf1"))
	if pools[0].Address != want || pools[0].FeeBps != 100 {
		t.Fatalf("unexpected pool %+v", pools[0])
	}
	if b := c.Balances(); len(b) != 1 || b[0].Amount != 25_000_000 {
		t.Fatalf("unexpected balances %+v", b)
	}
}

func TestLookupUnknownAsset(t *testing.T) {
	c := loadTestCatalog(t)
	for _, ref := range []string{"", "BTC", "0x00000000000000000000000000000000000000ff"} {
		if _, err := c.Lookup(ref); !xerrors.IsCode(err, xerrors.CodeAssetNotFound) {
			t.Fatalf("lookup %q: expected asset not found, got %v", ref, err)
		}
	}
}

func TestParseRejectsBadCatalog(t *testing.T) {
	cases := map[string]string{
		"bad address":      "assets:\n  - symbol: X\n    address: nope\n",
		"duplicate":        "assets:\n  - symbol: NATIVE\n    address: \"0x00000000000000000000000000000000000000a1\"\n",
		"unknown pool":     "pools:\n  - id: p\n    asset: BTC\n    operator: \"0x00000000000000000000000000000000000000f1\"\n",
		"fee too high":     "pools:\n  - id: p\n    asset: native\n    operator: \"0x00000000000000000000000000000000000000f1\"\n    fee_bps: 10001\n",
		"precise faucet":   "native:\n  decimals: 2\n  faucet_amount: \"0.001\"\n",
		"missing operator": "pools:\n  - id: p\n    asset: native\n    operator: \"0x0000000000000000000000000000000000000000\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw      string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{raw: "2500.0000", decimals: 4, want: 25_000_000},
		{raw: "2500", decimals: 4, want: 25_000_000},
		{raw: "0.0001", decimals: 4, want: 1},
		{raw: "1.5", decimals: 0, wantErr: true},
		{raw: "0", decimals: 4, wantErr: true},
		{raw: "-1", decimals: 4, wantErr: true},
		{raw: "abc", decimals: 4, wantErr: true},
		{raw: "18446744073709551616", decimals: 0, wantErr: true},
		{raw: "18446744073709551615", decimals: 0, want: 18446744073709551615},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw, tc.decimals)
		if tc.wantErr {
			if !xerrors.IsCode(err, xerrors.CodeInvalidAmount) {
				t.Fatalf("%s: expected invalid amount, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %d, %v", tc.raw, got, err)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(25_000_000, 4); got != "2500.0000" {
		t.Fatalf("got %s", got)
	}
	if got := FormatAmount(7, 0); got != "7" {
		t.Fatalf("got %s", got)
	}
	if got := FormatAmount(1, 9); got != "0.000000001" {
		t.Fatalf("got %s", got)
	}
}

func TestResolvePool(t *testing.T) {
	c := loadTestCatalog(t)
	usdA := PoolView{Address: common.HexToAddress("0x10"), Asset: usdAddress, Paused: true}
	usdB := PoolView{Address: common.HexToAddress("0x20"), Asset: usdAddress}
	nativeP := PoolView{Address: common.HexToAddress("0x05"), Asset: common.Address{}, Paused: true}
	pools := []PoolView{usdB, nativeP, usdA}

	cases := []struct {
		name    string
		ref     string
		pools   []PoolView
		want    common.Address
		errCode xerrors.Code
	}{
		{name: "explicit pool address", ref: usdA.Address.Hex(), pools: pools, want: usdA.Address},
		{name: "asset address prefers unpaused", ref: usdAddress.Hex(), pools: pools, want: usdB.Address},
		{name: "symbol case insensitive", ref: "usd", pools: pools, want: usdB.Address},
		{name: "only paused match", ref: "native", pools: pools, want: nativeP.Address},
		{name: "empty ref first unpaused", ref: "", pools: pools, want: usdB.Address},
		{name: "known asset without pool", ref: "EUR", pools: pools, errCode: xerrors.CodeNoActivePool},
		{name: "unknown symbol", ref: "BTC", pools: pools, errCode: xerrors.CodeAssetNotFound},
		{name: "unknown address", ref: "0x00000000000000000000000000000000000000ff", pools: pools, errCode: xerrors.CodeAssetNotFound},
		{name: "nothing unpaused", ref: "", pools: []PoolView{usdA}, errCode: xerrors.CodeNoActivePool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.ResolvePool(tc.ref, tc.pools)
			if tc.errCode != "" {
				if !xerrors.IsCode(err, tc.errCode) {
					t.Fatalf("expected %s, got %v", tc.errCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.Address != tc.want {
				t.Fatalf("got %s want %s", got.Address.Hex(), tc.want.Hex())
			}
		})
	}
}
