package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvePath locates a file or directory relative to the project root by
// walking up the directory tree from the working directory.
func ResolvePath(relative string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}
