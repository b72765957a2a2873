package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/atekin/mprt/internal/errors"
)

const appDirName = "mprt"

// GetDefaultConfigPaths returns the directories searched for config.yaml:
// the working directory, then the per-user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "get-working-directory").
			Build()
	}

	paths := []string{wd}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appDirName))
	}
	if runtime.GOOS != "windows" {
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", appDirName))
		}
	}
	return paths, nil
}

// FindConfigFile returns the first config.yaml found in the default paths.
func FindConfigFile() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		candidate := filepath.Join(p, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Newf("config file not found").
		Component("conf").
		Category(errors.CategoryNotFound).
		Context("operation", "find-config-file").
		Build()
}
