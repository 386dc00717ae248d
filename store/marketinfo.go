package store

import (
	"sort"

	"github.com/dnldd/candlecache/shared"
)

// MarketInfoStore is an in-memory directory of market metadata, refreshed
// from the backing store. Entries are first write wins, later refreshes do
// not overwrite markets already known.
type MarketInfoStore struct {
	markets        map[int64]*shared.MarketInfo
	marketsBySlugs map[string][]int64
}

// NewMarketInfoStore initializes a new market info store.
func NewMarketInfoStore() *MarketInfoStore {
	return &MarketInfoStore{
		markets:        make(map[int64]*shared.MarketInfo),
		marketsBySlugs: make(map[string][]int64),
	}
}

// UpdateMarketInfo folds the provided market groups into the directory,
// skipping markets already known.
func (s *MarketInfoStore) UpdateMarketInfo(groups []*shared.MarketGroup) {
	for _, group := range groups {
		resourceSlug := group.ResourceSlug
		if resourceSlug == "" {
			resourceSlug = "no-resource"
		}

		for idx := range group.Markets {
			market := &group.Markets[idx]
			if _, ok := s.markets[market.MarketIdx]; ok {
				continue
			}

			s.markets[market.MarketIdx] = &shared.MarketInfo{
				MarketIdx:          market.MarketIdx,
				MarketID:           market.MarketID,
				MarketGroupIdx:     group.MarketGroupIdx,
				ResourceSlug:       resourceSlug,
				MarketGroupAddress: group.Address,
				MarketGroupChainID: group.ChainID,
				StartTimestamp:     market.StartTimestamp,
				EndTimestamp:       market.EndTimestamp,
				IsCumulative:       market.IsCumulative,
			}
			s.marketsBySlugs[resourceSlug] = append(s.marketsBySlugs[resourceSlug], market.MarketIdx)
		}
	}
}

// MarketInfo fetches the directory entry for the provided market index, nil
// if unknown.
func (s *MarketInfoStore) MarketInfo(marketIdx int64) *shared.MarketInfo {
	return s.markets[marketIdx]
}

// MarketInfoByChainAndAddress fetches the directory entry matching the
// provided chain, market group address and market id, nil if unknown.
func (s *MarketInfoStore) MarketInfoByChainAndAddress(chainID int64, address string, marketID int64) *shared.MarketInfo {
	for _, info := range s.markets {
		if info.MarketGroupChainID == chainID && info.MarketGroupAddress == address &&
			info.MarketID == marketID {
			return info
		}
	}

	return nil
}

// MarketIndexesByResourceSlug lists the indices of every market backed by
// the provided resource.
func (s *MarketInfoStore) MarketIndexesByResourceSlug(resourceSlug string) []int64 {
	return s.marketsBySlugs[resourceSlug]
}

// AllMarkets lists the directory entry of every known market, sorted by
// market index for deterministic iteration.
func (s *MarketInfoStore) AllMarkets() []*shared.MarketInfo {
	infos := make([]*shared.MarketInfo, 0, len(s.markets))
	for _, info := range s.markets {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].MarketIdx < infos[j].MarketIdx
	})

	return infos
}

// IsMarketActive reports whether the provided market is active at the
// provided timestamp. A zero end timestamp means the market has no end.
func (s *MarketInfoStore) IsMarketActive(marketIdx int64, timestamp int64) bool {
	info := s.markets[marketIdx]
	if info == nil {
		return false
	}

	if timestamp < info.StartTimestamp {
		return false
	}

	return info.EndTimestamp == 0 || timestamp <= info.EndTimestamp
}
