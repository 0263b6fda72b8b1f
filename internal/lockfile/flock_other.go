//go:build !unix

package lockfile

import "os"

// Without flock the lock file only records the pid.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
func processAlive(int) bool     { return false }
