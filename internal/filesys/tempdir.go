package filesys

import "os"

// CreateTempDir creates a fresh temp directory under the OS temp root,
// namespaced by prefix, for use in tests and ephemeral working state.
func CreateTempDir(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp("", prefix+"-*")
	if err != nil {
		return "", func() {}, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
