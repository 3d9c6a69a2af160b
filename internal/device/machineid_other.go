//go:build !linux && !darwin && !windows

package device

import (
	"errors"
	"os"
	"strings"
)

func machineID() (string, error) {
	data, err := os.ReadFile("/etc/hostid")
	if err != nil {
		return "", err
	}
	if id := strings.TrimSpace(string(data)); id != "" {
		return id, nil
	}
	return "", errors.New("hostid is empty")
}
