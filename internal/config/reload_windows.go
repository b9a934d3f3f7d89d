//go:build windows

package config

// registerSignalHandler is a no-op on Windows, where SIGHUP does not exist.
// The file watcher remains the only reload trigger.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("signal-based reload unavailable on Windows, file watcher only")
}
