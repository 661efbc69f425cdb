package benchutil

// Shared constants for benchmarks across packages.

// BenchmarkSeed is the default seed for reproducible benchmark data generation.
const BenchmarkSeed = 42

// BenchmarkSizes are standard row counts for quick runs.
var BenchmarkSizes = []int{1_000, 10_000, 100_000}

// ScalingSizes are larger row counts for scaling runs.
// Used with MAILMETRICS_LONG_BENCH=1 environment variable.
var ScalingSizes = []int{250_000, 1_000_000, 5_000_000}
