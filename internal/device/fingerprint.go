// Package device computes the identifier a vault's encryption key is bound to.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

const separator = "|"

// ErrNoSignal is returned when no machine signal at all could be read.
var ErrNoSignal = errors.New("no usable device signal")

// Sources supplies the raw machine signals. Nil functions count as missing.
type Sources struct {
	MachineID    func() (string, error)
	Hostname     func() (string, error)
	HardwareAddr func() (net.HardwareAddr, error)
}

// SystemSources reads the signals of the running machine.
func SystemSources() Sources {
	return Sources{
		MachineID:    machineID,
		Hostname:     os.Hostname,
		HardwareAddr: primaryHardwareAddr,
	}
}

// Fingerprinter derives stable identifiers from a set of Sources.
type Fingerprinter struct {
	src Sources
}

// New returns a Fingerprinter over the running machine.
func New() *Fingerprinter {
	return &Fingerprinter{src: SystemSources()}
}

// NewWithSources returns a Fingerprinter over caller-supplied signals.
func NewWithSources(src Sources) *Fingerprinter {
	return &Fingerprinter{src: src}
}

// Compute returns hex(SHA-256(machineID | hostname | mac48)). A signal that
// cannot be read contributes an empty segment; only a machine exposing none
// of the three fails.
func (f *Fingerprinter) Compute() (string, error) {
	var id, host, mac string
	if f.src.MachineID != nil {
		if v, err := f.src.MachineID(); err == nil {
			id = strings.TrimSpace(v)
		}
	}
	if f.src.Hostname != nil {
		if v, err := f.src.Hostname(); err == nil {
			host = strings.TrimSpace(v)
		}
	}
	if n, ok := f.mac48(); ok {
		mac = strconv.FormatUint(n, 10)
	}

	if id == "" && host == "" && mac == "" {
		return "", ErrNoSignal
	}

	sum := sha256.Sum256([]byte(id + separator + host + separator + mac))
	return hex.EncodeToString(sum[:]), nil
}

// LegacyID returns the pre-fingerprint identifier: hex(SHA-256) of the
// primary MAC address written as a decimal 48-bit integer.
func (f *Fingerprinter) LegacyID() (string, error) {
	n, ok := f.mac48()
	if !ok {
		return "", fmt.Errorf("legacy device id: %w", ErrNoSignal)
	}
	sum := sha256.Sum256([]byte(strconv.FormatUint(n, 10)))
	return hex.EncodeToString(sum[:]), nil
}

func (f *Fingerprinter) mac48() (uint64, bool) {
	if f.src.HardwareAddr == nil {
		return 0, false
	}
	addr, err := f.src.HardwareAddr()
	if err != nil || len(addr) != 6 {
		return 0, false
	}
	var n uint64
	for _, b := range addr {
		n = n<<8 | uint64(b)
	}
	return n, true
}

// primaryHardwareAddr picks the lowest-indexed non-loopback interface with a
// 48-bit address, so the choice does not depend on link state.
func primaryHardwareAddr() (net.HardwareAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 6 && !allZero(iface.HardwareAddr) {
			return iface.HardwareAddr, nil
		}
	}
	return nil, errors.New("no hardware address found")
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
