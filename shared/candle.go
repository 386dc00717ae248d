package shared

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CandleType represents the candle family an aggregate belongs to.
type CandleType int

const (
	ResourceCandle CandleType = iota
	MarketCandle
	IndexCandle
	TrailingAvgCandle
)

// String stringifies the provided candle type.
func (t CandleType) String() string {
	switch t {
	case ResourceCandle:
		return "resource"
	case MarketCandle:
		return "market"
	case IndexCandle:
		return "index"
	case TrailingAvgCandle:
		return "trailingAvg"
	default:
		return "unknown"
	}
}

// ParseCandleType parses the provided candle type string.
func ParseCandleType(value string) (CandleType, error) {
	switch value {
	case "resource":
		return ResourceCandle, nil
	case "market":
		return MarketCandle, nil
	case "index":
		return IndexCandle, nil
	case "trailingAvg":
		return TrailingAvgCandle, nil
	default:
		return 0, fmt.Errorf("unknown candle type: %s", value)
	}
}

// Candle represents one OHLC aggregate for a fixed time bucket and entity scope.
type Candle struct {
	// Identity and scope.
	Type            CandleType
	Interval        int64
	ResourceSlug    string
	MarketIdx       int64
	MarketID        int64
	Address         string
	ChainID         int64
	TrailingAvgTime int64

	// Window bounds, Timestamp inclusive and EndTimestamp exclusive.
	Timestamp    int64
	EndTimestamp int64

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	// Running totals since tracking began, index and trailing average
	// candles only. These are never reset per interval.
	SumUsed    decimal.Decimal
	SumFeePaid decimal.Decimal

	// LastUpdatedTimestamp is the timestamp of the last raw event folded
	// into this candle, used for stale update rejection.
	LastUpdatedTimestamp int64
	// TrailingStartTimestamp is the start of the active sliding window,
	// trailing average candles only.
	TrailingStartTimestamp int64
}

// Ratio returns the fee to usage ratio using truncating integer division.
// The ratio is zero when the denominator is zero.
func Ratio(sumFeePaid decimal.Decimal, sumUsed decimal.Decimal) decimal.Decimal {
	if sumUsed.IsZero() {
		return decimal.Zero
	}

	quotient, _ := sumFeePaid.QuoRem(sumUsed, 0)
	return quotient
}
