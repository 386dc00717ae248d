package shared

import (
	"github.com/shopspring/decimal"
)

// ResourcePrice represents a raw resource price event produced by the
// blockchain price indexer. Rows are immutable and read only to this system.
type ResourcePrice struct {
	ResourceSlug string
	Timestamp    int64
	Value        decimal.Decimal
	Used         decimal.Decimal
	FeePaid      decimal.Decimal
}

// MarketPrice represents a raw market price event, already reduced to its
// market index, timestamp and value by the backing store's join.
type MarketPrice struct {
	MarketIdx int64
	Timestamp int64
	Value     decimal.Decimal
}

// PricePoint represents one trailing history observation for a resource.
type PricePoint struct {
	Timestamp int64
	Used      decimal.Decimal
	Fee       decimal.Decimal
}

// Market represents a single market within a market group.
type Market struct {
	MarketIdx      int64
	MarketID       int64
	StartTimestamp int64
	EndTimestamp   int64
	IsCumulative   bool
}

// MarketGroup represents a market group row with its nested markets and
// resource affiliation, fetched for directory refreshes.
type MarketGroup struct {
	MarketGroupIdx int64
	Address        string
	ChainID        int64
	ResourceSlug   string
	Markets        []Market
}

// MarketInfo represents the directory metadata tracked for a single market.
type MarketInfo struct {
	MarketIdx          int64
	MarketID           int64
	MarketGroupIdx     int64
	ResourceSlug       string
	MarketGroupAddress string
	MarketGroupChainID int64
	StartTimestamp     int64
	EndTimestamp       int64
	IsCumulative       bool
}
