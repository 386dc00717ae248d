package database

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/candlecache/shared"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// SQL statements. The cache_candle and cache_param tables are owned by
	// this process; the price and market tables are written by the external
	// indexer and only read here.
	createCandleTableSQL = "CREATE TABLE IF NOT EXISTS cache_candle (type TEXT, interval INTEGER, " +
		"resource_slug TEXT, market_idx INTEGER, market_id INTEGER, address TEXT, chain_id INTEGER, " +
		"trailing_avg_time INTEGER, timestamp INTEGER, end_timestamp INTEGER, open TEXT, high TEXT, " +
		"low TEXT, close TEXT, sum_used TEXT, sum_fee_paid TEXT, last_updated_timestamp INTEGER, " +
		"trailing_start_timestamp INTEGER, " +
		"PRIMARY KEY(type, interval, resource_slug, market_idx, trailing_avg_time, timestamp))"
	createParamTableSQL = "CREATE TABLE IF NOT EXISTS cache_param " +
		"(name TEXT PRIMARY KEY, value INTEGER, text_value TEXT)"

	saveCandleSQL = "INSERT INTO cache_candle (type, interval, resource_slug, market_idx, market_id, " +
		"address, chain_id, trailing_avg_time, timestamp, end_timestamp, open, high, low, close, " +
		"sum_used, sum_fee_paid, last_updated_timestamp, trailing_start_timestamp) " +
		"VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) " +
		"ON CONFLICT(type, interval, resource_slug, market_idx, trailing_avg_time, timestamp) " +
		"DO UPDATE SET market_id = excluded.market_id, address = excluded.address, " +
		"chain_id = excluded.chain_id, end_timestamp = excluded.end_timestamp, " +
		"open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close, " +
		"sum_used = excluded.sum_used, sum_fee_paid = excluded.sum_fee_paid, " +
		"last_updated_timestamp = excluded.last_updated_timestamp, " +
		"trailing_start_timestamp = excluded.trailing_start_timestamp"
	candleColumnsSQL = "SELECT type, interval, resource_slug, market_idx, market_id, address, " +
		"chain_id, trailing_avg_time, timestamp, end_timestamp, open, high, low, close, sum_used, " +
		"sum_fee_paid, last_updated_timestamp, trailing_start_timestamp FROM cache_candle"
	truncateCandlesSQL = "DELETE FROM cache_candle"

	setParamSQL = "INSERT INTO cache_param (name, value, text_value) VALUES(?,?,'') " +
		"ON CONFLICT(name) DO UPDATE SET value = excluded.value"
	setStringParamSQL = "INSERT INTO cache_param (name, value, text_value) VALUES(?,0,?) " +
		"ON CONFLICT(name) DO UPDATE SET text_value = excluded.text_value"
	paramSQL          = "SELECT value FROM cache_param WHERE name = ?"
	stringParamSQL    = "SELECT text_value FROM cache_param WHERE name = ?"
	truncateParamsSQL = "DELETE FROM cache_param"

	resourcePricesSQL = "SELECT resource_slug, timestamp, value, used, fee_paid FROM resource_price"
	marketPricesSQL   = "SELECT market_idx, timestamp, value FROM market_price"
	marketGroupsSQL = "SELECT mg.idx AS group_idx, mg.address, mg.chain_id, mg.resource_slug, " +
		"m.idx AS market_idx, m.market_id, m.start_timestamp, m.end_timestamp, m.is_cumulative " +
		"FROM market_group mg JOIN market m ON m.market_group_idx = mg.idx " +
		"ORDER BY mg.idx, m.idx"
)

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Database represents the database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the store interfaces.
var _ shared.CandleStore = (*Database)(nil)
var _ shared.ParamStore = (*Database)(nil)
var _ shared.PriceSource = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	httpc := &http.Client{Timeout: time.Second * 5}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	client.SetBasicAuth(cfg.User, cfg.Pass)

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the tables owned by this process.
func (db *Database) bootstrap(ctx context.Context) error {
	_, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createCandleTableSQL},
		{SQL: createParamTableSQL},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	return nil
}

// asInt64 converts a decoded column value to an integer.
func asInt64(value any) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// asString converts a decoded column value to a string.
func asString(value any) string {
	if v, ok := value.(string); ok {
		return v
	}

	return ""
}

// asDecimal converts a decoded column value to a decimal. Prices are stored
// as text to avoid float truncation on large chain quantities.
func (db *Database) asDecimal(value any) decimal.Decimal {
	switch v := value.(type) {
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			db.cfg.Logger.Error().Msgf("unexpected decimal column value: %s", spew.Sdump(value))
			return decimal.Zero
		}
		return dec
	case float64:
		return decimal.NewFromFloat(v)
	default:
		if value != nil {
			db.cfg.Logger.Error().Msgf("unexpected decimal column value: %s", spew.Sdump(value))
		}
		return decimal.Zero
	}
}

// queryRows runs the provided query and returns its associated rows.
func (db *Database) queryRows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	resp, err := db.client.QuerySingle(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	results := resp.GetQueryResultsAssoc()
	if len(results) == 0 {
		return nil, nil
	}

	return results[0].Rows, nil
}

// execute runs the provided statement and surfaces statement level errors.
func (db *Database) execute(ctx context.Context, sql string, args ...any) error {
	resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: sql, PositionalParams: args},
	}, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("executing statement: %d -> %s", idx, errStr)
	}

	return nil
}

// rowToCandle decodes an associated row into a candle.
func (db *Database) rowToCandle(row map[string]any) (*shared.Candle, error) {
	kind, err := shared.ParseCandleType(asString(row["type"]))
	if err != nil {
		return nil, err
	}

	return &shared.Candle{
		Type:                   kind,
		Interval:               asInt64(row["interval"]),
		ResourceSlug:           asString(row["resource_slug"]),
		MarketIdx:              asInt64(row["market_idx"]),
		MarketID:               asInt64(row["market_id"]),
		Address:                asString(row["address"]),
		ChainID:                asInt64(row["chain_id"]),
		TrailingAvgTime:        asInt64(row["trailing_avg_time"]),
		Timestamp:              asInt64(row["timestamp"]),
		EndTimestamp:           asInt64(row["end_timestamp"]),
		Open:                   db.asDecimal(row["open"]),
		High:                   db.asDecimal(row["high"]),
		Low:                    db.asDecimal(row["low"]),
		Close:                  db.asDecimal(row["close"]),
		SumUsed:                db.asDecimal(row["sum_used"]),
		SumFeePaid:             db.asDecimal(row["sum_fee_paid"]),
		LastUpdatedTimestamp:   asInt64(row["last_updated_timestamp"]),
		TrailingStartTimestamp: asInt64(row["trailing_start_timestamp"]),
	}, nil
}

// SaveCandle upserts the provided candle by its natural composite key.
func (db *Database) SaveCandle(ctx context.Context, candle *shared.Candle) error {
	err := db.execute(ctx, saveCandleSQL,
		candle.Type.String(), candle.Interval, candle.ResourceSlug, candle.MarketIdx,
		candle.MarketID, candle.Address, candle.ChainID, candle.TrailingAvgTime,
		candle.Timestamp, candle.EndTimestamp, candle.Open.String(), candle.High.String(),
		candle.Low.String(), candle.Close.String(), candle.SumUsed.String(),
		candle.SumFeePaid.String(), candle.LastUpdatedTimestamp, candle.TrailingStartTimestamp)
	if err != nil {
		return fmt.Errorf("saving candle: %w", err)
	}

	return nil
}

// candleKeyClause builds the key filter for the provided candle query.
func candleKeyClause(query *shared.CandleQuery) (string, []any) {
	clause := " WHERE type = ? AND interval = ?"
	args := []any{query.Type.String(), query.Interval}

	if query.ResourceSlug != "" {
		clause += " AND resource_slug = ?"
		args = append(args, query.ResourceSlug)
	}
	if query.MarketIdx != 0 {
		clause += " AND market_idx = ?"
		args = append(args, query.MarketIdx)
	}
	if query.TrailingAvgTime != 0 {
		clause += " AND trailing_avg_time = ?"
		args = append(args, query.TrailingAvgTime)
	}

	return clause, args
}

// LastCandle fetches the most recent candle matching the provided query,
// nil when none exists.
func (db *Database) LastCandle(ctx context.Context, query *shared.CandleQuery) (*shared.Candle, error) {
	clause, args := candleKeyClause(query)
	rows, err := db.queryRows(ctx, candleColumnsSQL+clause+" ORDER BY timestamp DESC LIMIT 1", args...)
	if err != nil {
		return nil, fmt.Errorf("fetching last candle: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return db.rowToCandle(rows[0])
}

// Candles fetches candles in the provided query range, timestamp ascending.
func (db *Database) Candles(ctx context.Context, query *shared.CandleQuery) ([]*shared.Candle, error) {
	clause, args := candleKeyClause(query)
	clause += " AND timestamp >= ? AND timestamp <= ?"
	args = append(args, query.From, query.To)

	rows, err := db.queryRows(ctx, candleColumnsSQL+clause+" ORDER BY timestamp ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("fetching candles: %w", err)
	}

	candles := make([]*shared.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := db.rowToCandle(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// TruncateCandles empties the candle table.
func (db *Database) TruncateCandles(ctx context.Context) error {
	if err := db.execute(ctx, truncateCandlesSQL); err != nil {
		return fmt.Errorf("truncating candles: %w", err)
	}

	return nil
}

// Param fetches the named integer parameter, zero if absent.
func (db *Database) Param(ctx context.Context, name string) (int64, error) {
	rows, err := db.queryRows(ctx, paramSQL, name)
	if err != nil {
		return 0, fmt.Errorf("fetching param %s: %w", name, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	return asInt64(rows[0]["value"]), nil
}

// SetParam upserts the named integer parameter.
func (db *Database) SetParam(ctx context.Context, name string, value int64) error {
	if err := db.execute(ctx, setParamSQL, name, value); err != nil {
		return fmt.Errorf("setting param %s: %w", name, err)
	}

	return nil
}

// StringParam fetches the named string parameter, empty if absent.
func (db *Database) StringParam(ctx context.Context, name string) (string, error) {
	rows, err := db.queryRows(ctx, stringParamSQL, name)
	if err != nil {
		return "", fmt.Errorf("fetching param %s: %w", name, err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	return asString(rows[0]["text_value"]), nil
}

// SetStringParam upserts the named string parameter.
func (db *Database) SetStringParam(ctx context.Context, name string, value string) error {
	if err := db.execute(ctx, setStringParamSQL, name, value); err != nil {
		return fmt.Errorf("setting param %s: %w", name, err)
	}

	return nil
}

// TruncateParams empties the parameters table.
func (db *Database) TruncateParams(ctx context.Context) error {
	if err := db.execute(ctx, truncateParamsSQL); err != nil {
		return fmt.Errorf("truncating params: %w", err)
	}

	return nil
}

// ResourcePrices fetches one page of resource prices, timestamp ascending.
// One row beyond the page size is requested to detect whether more pages
// remain without a second count query.
func (db *Database) ResourcePrices(ctx context.Context, params *shared.ResourcePriceParams) ([]*shared.ResourcePrice, bool, error) {
	clause := " WHERE timestamp > ?"
	args := []any{params.InitialTimestamp}

	if params.ResourceSlug != "" {
		clause += " AND resource_slug = ?"
		args = append(args, params.ResourceSlug)
	}
	if params.EndTimestamp > 0 {
		clause += " AND timestamp <= ?"
		args = append(args, params.EndTimestamp)
	}

	clause += " ORDER BY timestamp ASC LIMIT ?"
	args = append(args, params.Quantity+1)

	rows, err := db.queryRows(ctx, resourcePricesSQL+clause, args...)
	if err != nil {
		return nil, false, fmt.Errorf("fetching resource prices: %w", err)
	}

	hasMore := len(rows) > params.Quantity
	if hasMore {
		rows = rows[:params.Quantity]
	}

	prices := make([]*shared.ResourcePrice, 0, len(rows))
	for _, row := range rows {
		prices = append(prices, &shared.ResourcePrice{
			ResourceSlug: asString(row["resource_slug"]),
			Timestamp:    asInt64(row["timestamp"]),
			Value:        db.asDecimal(row["value"]),
			Used:         db.asDecimal(row["used"]),
			FeePaid:      db.asDecimal(row["fee_paid"]),
		})
	}

	return prices, hasMore, nil
}

// ResourcePricesCount counts resource prices matching the provided filters.
func (db *Database) ResourcePricesCount(ctx context.Context, params *shared.ResourcePriceParams) (int64, error) {
	clause := " WHERE timestamp > ?"
	args := []any{params.InitialTimestamp}

	if params.ResourceSlug != "" {
		clause += " AND resource_slug = ?"
		args = append(args, params.ResourceSlug)
	}
	if params.EndTimestamp > 0 {
		clause += " AND timestamp <= ?"
		args = append(args, params.EndTimestamp)
	}

	rows, err := db.queryRows(ctx, "SELECT COUNT(*) AS count FROM resource_price"+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("counting resource prices: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	return asInt64(rows[0]["count"]), nil
}

// MarketPrices fetches one page of market prices, timestamp ascending.
func (db *Database) MarketPrices(ctx context.Context, params *shared.MarketPriceParams) ([]*shared.MarketPrice, bool, error) {
	clause := " WHERE timestamp > ?"
	args := []any{params.InitialTimestamp}

	if params.EndTimestamp > 0 {
		clause += " AND timestamp <= ?"
		args = append(args, params.EndTimestamp)
	}

	clause += " ORDER BY timestamp ASC LIMIT ?"
	args = append(args, params.Quantity+1)

	rows, err := db.queryRows(ctx, marketPricesSQL+clause, args...)
	if err != nil {
		return nil, false, fmt.Errorf("fetching market prices: %w", err)
	}

	hasMore := len(rows) > params.Quantity
	if hasMore {
		rows = rows[:params.Quantity]
	}

	prices := make([]*shared.MarketPrice, 0, len(rows))
	for _, row := range rows {
		prices = append(prices, &shared.MarketPrice{
			MarketIdx: asInt64(row["market_idx"]),
			Timestamp: asInt64(row["timestamp"]),
			Value:     db.asDecimal(row["value"]),
		})
	}

	return prices, hasMore, nil
}

// MarketPricesCount counts market prices newer than the provided timestamp.
func (db *Database) MarketPricesCount(ctx context.Context, initialTimestamp int64) (int64, error) {
	rows, err := db.queryRows(ctx,
		"SELECT COUNT(*) AS count FROM market_price WHERE timestamp > ?", initialTimestamp)
	if err != nil {
		return 0, fmt.Errorf("counting market prices: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	return asInt64(rows[0]["count"]), nil
}

// MarketGroups fetches all market groups with their nested markets.
func (db *Database) MarketGroups(ctx context.Context) ([]*shared.MarketGroup, error) {
	rows, err := db.queryRows(ctx, marketGroupsSQL)
	if err != nil {
		return nil, fmt.Errorf("fetching market groups: %w", err)
	}

	var groups []*shared.MarketGroup
	byIdx := make(map[int64]*shared.MarketGroup)
	for _, row := range rows {
		groupIdx := asInt64(row["group_idx"])
		group, ok := byIdx[groupIdx]
		if !ok {
			group = &shared.MarketGroup{
				MarketGroupIdx: groupIdx,
				Address:        asString(row["address"]),
				ChainID:        asInt64(row["chain_id"]),
				ResourceSlug:   asString(row["resource_slug"]),
			}
			byIdx[groupIdx] = group
			groups = append(groups, group)
		}

		group.Markets = append(group.Markets, shared.Market{
			MarketIdx:      asInt64(row["market_idx"]),
			MarketID:       asInt64(row["market_id"]),
			StartTimestamp: asInt64(row["start_timestamp"]),
			EndTimestamp:   asInt64(row["end_timestamp"]),
			IsCumulative:   asInt64(row["is_cumulative"]) != 0,
		})
	}

	return groups, nil
}
