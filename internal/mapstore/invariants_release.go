//go:build !tracemerge_debug

package mapstore

// violation returns err so the caller can roll back and reject the run.
func violation(err error) error { return err }
