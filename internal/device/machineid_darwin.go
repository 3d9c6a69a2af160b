//go:build darwin

package device

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// machineID reads IOPlatformUUID from the IOPlatformExpertDevice registry entry.
func machineID() (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("ioreg: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if id := strings.Trim(strings.TrimSpace(parts[1]), `"`); id != "" {
			return id, nil
		}
	}
	return "", errors.New("IOPlatformUUID not found")
}
