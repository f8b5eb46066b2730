package auth

import (
	"os/exec"
	"runtime"
)

// BrowserOpener opens a URL for the user.
type BrowserOpener func(url string) error

// SystemBrowser opens url with the platform's default handler.
func SystemBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start() // #nosec G204 -- fixed launcher, URL passed as a single argument
}
