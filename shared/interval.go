package shared

// StartOfInterval aligns the provided timestamp to the start of its
// interval bucket. Division truncates toward zero, which floors for the
// non-negative timestamps this system operates on.
func StartOfInterval(timestamp int64, interval int64) int64 {
	return (timestamp / interval) * interval
}

// StartOfNextInterval returns the start of the interval bucket after the
// one containing the provided timestamp.
func StartOfNextInterval(timestamp int64, interval int64) int64 {
	return StartOfInterval(timestamp, interval) + interval
}

// CandleWindow returns the inclusive start and exclusive end of the candle
// bucket containing the provided timestamp.
func CandleWindow(timestamp int64, interval int64) (int64, int64) {
	start := StartOfInterval(timestamp, interval)
	return start, start + interval
}

// TimeWindow aligns the provided range to interval boundaries, widening it
// to include partially covered buckets on both ends.
func TimeWindow(from int64, to int64, interval int64) (int64, int64) {
	return StartOfInterval(from, interval), StartOfNextInterval(to, interval)
}
