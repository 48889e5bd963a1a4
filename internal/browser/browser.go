// Package browser opens verification URLs in the user's default browser.
package browser

import (
	"fmt"
	"os"
	"runtime"

	"github.com/skratchdot/open-golang/open"
)

// opener is replaced in tests.
var opener = open.Start

// Open starts the default browser on url without waiting for it to exit.
func Open(url string) error {
	if err := opener(url); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}

// Available reports whether a graphical browser is likely reachable: not in
// an SSH session, and on Linux only with a display server.
func Available() bool {
	return available(runtime.GOOS, os.Getenv)
}

func available(goos string, getenv func(string) string) bool {
	if getenv("SSH_CONNECTION") != "" || getenv("SSH_TTY") != "" {
		return false
	}
	switch goos {
	case "darwin", "windows":
		return true
	default:
		return getenv("DISPLAY") != "" || getenv("WAYLAND_DISPLAY") != ""
	}
}
