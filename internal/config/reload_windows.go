//go:build windows

package config

// registerSignalHandler is a no-op: Windows has no SIGHUP, so the file
// watcher is the only trigger for re-applying resilience tunables.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("no SIGHUP on this platform, resilience config reloads via file watcher only")
}
