//go:build !unix

package fsutil

// Lock is a no-op where advisory locks are unavailable; only one process
// may use a given file there.
func Lock(string) (func(), error) {
	return func() {}, nil
}
