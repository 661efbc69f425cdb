// Package sysmem detects physical memory so the dedup tracker can size
// its in-memory index when no explicit budget is configured.
package sysmem

// DefaultMemoryBytes is assumed when detection is unavailable.
const DefaultMemoryBytes uint64 = 4 * 1024 * 1024 * 1024

// Result is a detected memory size and how it was obtained.
type Result struct {
	TotalBytes uint64
	// Method names the platform probe, or "default" for the fallback.
	Method string
	// Reliable is false when TotalBytes is DefaultMemoryBytes.
	Reliable bool
}

// Total probes the platform and falls back to DefaultMemoryBytes.
func Total() Result {
	bytes, method, ok := probe()
	if !ok || bytes == 0 {
		return Result{TotalBytes: DefaultMemoryBytes, Method: "default"}
	}
	return Result{TotalBytes: bytes, Method: method, Reliable: true}
}
