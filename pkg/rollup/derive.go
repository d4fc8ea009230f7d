package rollup

import "math"

// Stats are the derived statistics computed from raw counters at read time.
// They are never stored; deriving twice from the same counters always yields
// the same values.
type Stats struct {
	AverageLatencyMS         float64 `json:"average_latency_ms"`
	LatencyStdDevMS          float64 `json:"latency_std_dev_ms"`
	AverageBytes             float64 `json:"average_bytes"`
	BytesStdDev              float64 `json:"bytes_std_dev"`
	FlaggedRate              float64 `json:"flagged_rate"`
	AverageFlagsPerScan      float64 `json:"average_flags_per_scan"`
	AverageFramesPerScan     float64 `json:"average_frames_per_scan"`
	AverageLatencyPerFrameMS float64 `json:"average_latency_per_frame_ms"`
	FramesPerSecond          float64 `json:"frames_per_second"`
	FrameCoverageRate        float64 `json:"frame_coverage_rate"`
}

// Derive computes every statistic from one set of raw counters. All ratios
// floor their denominator at 1, so an empty bucket derives to zeros rather
// than dividing by zero.
func Derive(c Counters) Stats {
	n := c.ScansCount

	s := Stats{
		AverageLatencyMS:     average(c.TotalDurationMS, n),
		LatencyStdDevMS:      stdDev(c.TotalDurationMS, c.TotalDurationSqMS, n),
		AverageBytes:         average(c.TotalBytes, n),
		BytesStdDev:          stdDev(c.TotalBytes, c.TotalBytesSq, n),
		FlaggedRate:          average(c.FlaggedCount, n),
		AverageFlagsPerScan:  average(c.FlagsSum, n),
		AverageFramesPerScan: average(c.TotalFramesScanned, n),
	}

	if c.TotalFramesScanned > 0 {
		s.AverageLatencyPerFrameMS = float64(c.TotalDurationMS) / float64(c.TotalFramesScanned)
	} else {
		s.AverageLatencyPerFrameMS = s.AverageLatencyMS
	}

	if c.TotalDurationMS > 0 {
		s.FramesPerSecond = float64(c.TotalFramesScanned) * 1000 / float64(c.TotalDurationMS)
	}

	// The coverage denominator prefers the media frame count, falls back to
	// the sampling target, and never drops below the scanned count so the
	// rate stays within [0, 1].
	denom := c.TotalFramesMedia
	if c.TotalFramesTarget > denom {
		denom = c.TotalFramesTarget
	}
	if c.TotalFramesScanned > denom {
		denom = c.TotalFramesScanned
	}
	if denom < 1 {
		denom = 1
	}
	s.FrameCoverageRate = float64(c.TotalFramesScanned) / float64(denom)

	return s
}

func average(total, count int64) float64 {
	if count <= 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// stdDev is the population standard deviation recovered from the running sum
// and sum of squares: sqrt(E[x^2] - E[x]^2), clipped at zero against
// floating-point drift.
func stdDev(total, totalSq, count int64) float64 {
	if count <= 0 {
		return 0
	}
	mean := float64(total) / float64(count)
	variance := float64(totalSq)/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}
