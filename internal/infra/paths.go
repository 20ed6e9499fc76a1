package infra

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "bookfeed"

// ResolveConfigPath finds a config file when none is given on the command
// line. Priority: ./configs/bookfeed.yaml, then the OS config dir. Returns
// "" when neither exists, which means run on defaults.
func ResolveConfigPath() string {
	localPath := filepath.Join("configs", "bookfeed.yaml")
	if _, err := os.Stat(localPath); err == nil {
		return localPath
	}

	configRoot, err := os.UserConfigDir()
	if err == nil {
		osPath := filepath.Join(configRoot, appName, "bookfeed.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}

	return ""
}

// EnsureDir creates the directory if it doesn't exist with safe permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile guards the recorder database against a second writer.
// Returns a closer that releases the lock.
func CreateLockFile(dbPath string) (func(), error) {
	lockPath := dbPath + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another instance is already recording to %s (lock file exists)", dbPath)
		}
		return nil, err
	}

	// PID for debugging stale locks
	f.WriteString(fmt.Sprintf("%d", os.Getpid()))
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}
