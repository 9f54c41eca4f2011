//go:build tracemerge_debug

package mapstore

// violation aborts loudly; debug builds treat a broken edge invariant as a
// logic fault.
func violation(err error) error { panic(err) }
