package utils

import (
	"os"
	"path/filepath"
)

// HomeEnv pins the keybar root directory, skipping the upward search.
const HomeEnv = "KEYBAR_HOME"

// rootMarkers identify a keybar root: a deployment keeps keybar.toml there,
// a source checkout has go.mod.
var rootMarkers = []string{"keybar.toml", "go.mod"}

// GetProjectRoot returns $KEYBAR_HOME when set, otherwise the nearest
// directory at or above the working directory holding one of rootMarkers.
// It falls back to ".".
func GetProjectRoot() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return findRoot(wd)
}

func findRoot(dir string) string {
	for {
		for _, marker := range rootMarkers {
			if FileExists(filepath.Join(dir, marker)) {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

// GetUserDataDir is where the encrypted user files live by default.
func GetUserDataDir() string {
	return filepath.Join(GetProjectRoot(), "data", "users")
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
