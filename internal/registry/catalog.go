// Package registry maps asset symbols to descriptors, loads the asset and
// pool catalog and resolves the pool a request should use.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

// NativeSymbol is the default symbol of the ledger's native asset.
const NativeSymbol = "NATIVE"

// Asset describes a fungible token. It is immutable once registered.
type Asset struct {
	Symbol       string         `json:"symbol"`
	Address      common.Address `json:"address"`
	Decimals     uint8          `json:"decimals"`
	FaucetAmount uint64         `json:"faucet_amount"`
	Native       bool           `json:"native"`
}

// Key returns the faucet ledger key of the asset.
func (a Asset) Key() string {
	if a.Native {
		return "native"
	}
	return strings.ToLower(a.Address.Hex())
}

// PoolRef is a pool declared by the catalog.
type PoolRef struct {
	ID       string         `json:"id"`
	Asset    common.Address `json:"asset"`
	Operator common.Address `json:"operator"`
	FeeBps   uint16         `json:"fee_bps"`
	Address  common.Address `json:"address"`
}

// Balance is a dev-ledger funding entry.
type Balance struct {
	Owner  common.Address
	Asset  common.Address
	Amount uint64
}

type catalogFile struct {
	Native *struct {
		Symbol       string `yaml:"symbol"`
		Decimals     uint8  `yaml:"decimals"`
		FaucetAmount string `yaml:"faucet_amount"`
	} `yaml:"native"`
	Assets []struct {
		Symbol       string `yaml:"symbol"`
		Address      string `yaml:"address"`
		Decimals     uint8  `yaml:"decimals"`
		FaucetAmount string `yaml:"faucet_amount"`
	} `yaml:"assets"`
	Pools []struct {
		ID       string `yaml:"id"`
		Asset    string `yaml:"asset"`
		Operator string `yaml:"operator"`
		FeeBps   uint16 `yaml:"fee_bps"`
	} `yaml:"pools"`
	Balances []struct {
		Owner  string `yaml:"owner"`
		Asset  string `yaml:"asset"`
		Amount string `yaml:"amount"`
	} `yaml:"balances"`
}

// Catalog is the set of known assets and configured pools.
type Catalog struct {
	assets    []Asset
	pools     []PoolRef
	balances  []Balance
	bySymbol  map[string]int
	byAddress map[common.Address]int
}

// NewCatalog builds a catalog from assets. Pools and balances may be added
// with AddPool and AddBalance.
func NewCatalog(assets ...Asset) (*Catalog, error) {
	c := &Catalog{
		bySymbol:  make(map[string]int),
		byAddress: make(map[common.Address]int),
	}
	for _, a := range assets {
		if err := c.add(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(a Asset) error {
	symbol := strings.ToUpper(strings.TrimSpace(a.Symbol))
	if symbol == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "asset symbol is required")
	}
	a.Symbol = symbol
	if _, ok := c.bySymbol[symbol]; ok {
		return xerrors.New(xerrors.CodeConflict, "duplicate asset symbol "+symbol)
	}
	if _, ok := c.byAddress[a.Address]; ok {
		return xerrors.New(xerrors.CodeConflict, "duplicate asset address "+a.Address.Hex())
	}
	if a.Address == (common.Address{}) {
		a.Native = true
	}
	c.bySymbol[symbol] = len(c.assets)
	c.byAddress[a.Address] = len(c.assets)
	c.assets = append(c.assets, a)
	return nil
}

// AddPool declares a pool for a registered asset.
func (c *Catalog) AddPool(id string, asset, operator common.Address, feeBps uint16) error {
	if _, ok := c.byAddress[asset]; !ok {
		return xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", asset.Hex()))
	}
	if feeBps > escrow.MaxFeeBps {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("pool %s: fee rate exceeds %d bps", id, escrow.MaxFeeBps))
	}
	if operator == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("pool %s: operator is required", id))
	}
	c.pools = append(c.pools, PoolRef{
		ID:       id,
		Asset:    asset,
		Operator: operator,
		FeeBps:   feeBps,
		Address:  escrow.DerivePoolAddress(asset, operator),
	})
	return nil
}

// AddBalance declares a genesis balance for the embedded ledger.
func (c *Catalog) AddBalance(owner, asset common.Address, amount uint64) {
	c.balances = append(c.balances, Balance{Owner: owner, Asset: asset, Amount: amount})
}

// LoadFile parses a YAML catalog. An empty path yields a catalog holding only
// the native asset.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return NewCatalog(Asset{Symbol: NativeSymbol, Decimals: 9, Native: true})
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset catalog: %w", err)
	}
	return Parse(content)
}

// Parse decodes a YAML catalog.
func Parse(content []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse asset catalog: %w", err)
	}

	native := Asset{Symbol: NativeSymbol, Decimals: 9, Native: true}
	if file.Native != nil {
		if file.Native.Symbol != "" {
			native.Symbol = file.Native.Symbol
		}
		if file.Native.Decimals != 0 {
			native.Decimals = file.Native.Decimals
		}
		amount, err := parseOptionalAmount(file.Native.FaucetAmount, native.Decimals)
		if err != nil {
			return nil, fmt.Errorf("native faucet amount: %w", err)
		}
		native.FaucetAmount = amount
	}
	c, err := NewCatalog(native)
	if err != nil {
		return nil, err
	}

	for _, raw := range file.Assets {
		if !common.IsHexAddress(raw.Address) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("asset %s: invalid address %q", raw.Symbol, raw.Address))
		}
		amount, err := parseOptionalAmount(raw.FaucetAmount, raw.Decimals)
		if err != nil {
			return nil, fmt.Errorf("asset %s faucet amount: %w", raw.Symbol, err)
		}
		if err := c.add(Asset{
			Symbol:       raw.Symbol,
			Address:      common.HexToAddress(raw.Address),
			Decimals:     raw.Decimals,
			FaucetAmount: amount,
		}); err != nil {
			return nil, err
		}
	}

	for _, raw := range file.Pools {
		asset, err := c.Lookup(raw.Asset)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", raw.ID, err)
		}
		if !common.IsHexAddress(raw.Operator) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("pool %s: invalid operator %q", raw.ID, raw.Operator))
		}
		if err := c.AddPool(raw.ID, asset.Address, common.HexToAddress(raw.Operator), raw.FeeBps); err != nil {
			return nil, err
		}
	}

	for _, raw := range file.Balances {
		asset, err := c.Lookup(raw.Asset)
		if err != nil {
			return nil, fmt.Errorf("balance for %s: %w", raw.Owner, err)
		}
		if !common.IsHexAddress(raw.Owner) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid balance owner %q", raw.Owner))
		}
		amount, err := ParseAmount(raw.Amount, asset.Decimals)
		if err != nil {
			return nil, fmt.Errorf("balance for %s: %w", raw.Owner, err)
		}
		c.AddBalance(common.HexToAddress(raw.Owner), asset.Address, amount)
	}
	return c, nil
}

func parseOptionalAmount(raw string, decimals uint8) (uint64, error) {
	if strings.TrimSpace(raw) == "" || strings.TrimSpace(raw) == "0" {
		return 0, nil
	}
	return ParseAmount(raw, decimals)
}

// Assets returns every asset in registration order.
func (c *Catalog) Assets() []Asset {
	return append([]Asset(nil), c.assets...)
}

// Pools returns every configured pool ordered by address.
func (c *Catalog) Pools() []PoolRef {
	out := append([]PoolRef(nil), c.pools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Balances returns the genesis balances.
func (c *Catalog) Balances() []Balance {
	return append([]Balance(nil), c.balances...)
}

// Native returns the native asset.
func (c *Catalog) Native() Asset {
	return c.assets[c.byAddress[common.Address{}]]
}

// Lookup resolves a symbol (case-insensitive), a hex address or "native".
func (c *Catalog) Lookup(ref string) (Asset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Asset{}, xerrors.New(xerrors.CodeAssetNotFound, "asset reference is empty")
	}
	if strings.EqualFold(ref, "native") {
		return c.Native(), nil
	}
	if common.IsHexAddress(ref) {
		if idx, ok := c.byAddress[common.HexToAddress(ref)]; ok {
			return c.assets[idx], nil
		}
		return Asset{}, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", ref))
	}
	if idx, ok := c.bySymbol[strings.ToUpper(ref)]; ok {
		return c.assets[idx], nil
	}
	return Asset{}, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", ref))
}

// ByAddress returns the asset registered at address.
func (c *Catalog) ByAddress(address common.Address) (Asset, bool) {
	idx, ok := c.byAddress[address]
	if !ok {
		return Asset{}, false
	}
	return c.assets[idx], true
}
