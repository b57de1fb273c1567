//go:build !linux && !windows

package dispatch

// threadID is not available here; confinement falls back to the task
// marker alone.
func threadID() int64 { return 0 }
