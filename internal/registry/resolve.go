package registry

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
)

// PoolView is the subset of pool state needed to pick a pool.
type PoolView struct {
	Address common.Address
	Asset   common.Address
	Paused  bool
}

// ResolvePool picks the pool for ref among pools.
//
// An explicit pool address wins. Otherwise ref is resolved to an asset by
// address, then by symbol, and the asset's pools are considered. An empty ref
// falls back to the first unpaused pool. Within a match an unpaused pool is
// preferred, ties broken by address.
func (c *Catalog) ResolvePool(ref string, pools []PoolView) (PoolView, error) {
	sorted := append([]PoolView(nil), pools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address.Cmp(sorted[j].Address) < 0 })

	ref = strings.TrimSpace(ref)
	if ref == "" {
		for _, p := range sorted {
			if !p.Paused {
				return p, nil
			}
		}
		return PoolView{}, xerrors.New(xerrors.CodeNoActivePool, "no unpaused pool is available")
	}

	var asset common.Address
	known := false
	if common.IsHexAddress(ref) {
		address := common.HexToAddress(ref)
		for _, p := range sorted {
			if p.Address == address {
				return p, nil
			}
		}
		asset = address
		_, known = c.ByAddress(address)
		for _, p := range sorted {
			if p.Asset == address {
				known = true
				break
			}
		}
	} else {
		a, err := c.Lookup(ref)
		if err != nil {
			return PoolView{}, err
		}
		asset, known = a.Address, true
	}
	if !known {
		return PoolView{}, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", ref))
	}

	var paused *PoolView
	for i, p := range sorted {
		if p.Asset != asset {
			continue
		}
		if !p.Paused {
			return p, nil
		}
		if paused == nil {
			paused = &sorted[i]
		}
	}
	if paused != nil {
		return *paused, nil
	}
	return PoolView{}, xerrors.New(xerrors.CodeNoActivePool, "", xerrors.WithMetadata("asset", asset.Hex()))
}
