//go:build windows

package connection

import "os"

// FindProcess opens a handle on Windows and fails once the process is gone.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
