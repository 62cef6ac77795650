package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// freePort terminates whatever process currently listens on port so a stale
// instance cannot block startup. Failures are logged and ignored; the listen
// call will surface the conflict if the port stays busy.
func freePort(port int, logger *log.Logger) {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf(":%d", port)).Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			logger.WithFields(log.Fields{"pid": pid, "error": err.Error()}).Warn("could not terminate port holder")
			continue
		}
		logger.WithFields(log.Fields{"pid": pid, "port": port}).Info("terminated process holding port")
	}
	// Give the old listener a moment to release the socket.
	time.Sleep(200 * time.Millisecond)
}

// openBrowserSoon launches the default browser at url once the server has had
// a chance to bind.
func openBrowserSoon(url string, logger *log.Logger) {
	go func() {
		time.Sleep(500 * time.Millisecond)

		var cmd *exec.Cmd
		switch runtime.GOOS {
		case "darwin":
			cmd = exec.Command("open", url)
		case "windows":
			cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
		default:
			cmd = exec.Command("xdg-open", url)
		}
		if err := cmd.Start(); err != nil {
			logger.WithField("error", err.Error()).Warn("could not open browser")
		}
	}()
}
