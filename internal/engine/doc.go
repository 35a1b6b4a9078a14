// Package engine compiles LaTeX sources inside short-lived, locked-down
// containers. It bounds concurrency with an admission gate, makes sure the
// compiler image is present, drives each container through create, start,
// wait and cleanup, and retries transient runtime failures under a single
// overall deadline.
package engine
