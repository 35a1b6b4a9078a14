// Package backend defines the container runtime capability the compilation
// engine consumes: image inspect/pull, container create/start/inspect/stop/
// remove, logs, and daemon ping/version. The engine never depends on any
// operation outside this set, so the runtime may sit behind a restricted proxy.
package backend
