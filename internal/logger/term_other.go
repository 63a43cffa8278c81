//go:build !linux

package logger

import "os"

// IsTerminal reports whether fd refers to a character device, which is the
// closest portable approximation of a terminal.
func IsTerminal(fd uintptr) bool {
	fi, err := os.NewFile(fd, "").Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
