//go:build !unix

package queue

// Without flock the file queue is only safe within one process.
func lockFile(path string) (func(), error) {
	return func() {}, nil
}
