package device_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"testing"

	"github.com/thanos-vault/thanos/internal/device"
)

func staticSources(id, host string, mac net.HardwareAddr) device.Sources {
	return device.Sources{
		MachineID: func() (string, error) { return id, nil },
		Hostname:  func() (string, error) { return host, nil },
		HardwareAddr: func() (net.HardwareAddr, error) {
			if mac == nil {
				return nil, errors.New("no mac")
			}
			return mac, nil
		},
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestComputeLayout(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}
	fp := device.NewWithSources(staticSources("abc123", "workstation", mac))

	got, err := fp.Compute()
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	// 0x001a2b3c4d5e == 112394521950
	want := sha256Hex("abc123|workstation|112394521950")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeStableAcrossCalls(t *testing.T) {
	fp := device.New()
	first, err := fp.Compute()
	if errors.Is(err, device.ErrNoSignal) {
		t.Skip("no device signals in this environment")
	}
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := fp.Compute()
		if err != nil {
			t.Fatalf("Compute returned error: %v", err)
		}
		if again != first {
			t.Fatalf("fingerprint changed between calls: %s != %s", first, again)
		}
	}
}

func TestComputeDegradesGracefully(t *testing.T) {
	src := device.Sources{
		MachineID: func() (string, error) { return "", errors.New("unsupported") },
		Hostname:  func() (string, error) { return "laptop", nil },
	}
	got, err := device.NewWithSources(src).Compute()
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if want := sha256Hex("|laptop|"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeFailsWithoutSignals(t *testing.T) {
	src := device.Sources{
		MachineID: func() (string, error) { return "", errors.New("nope") },
		Hostname:  func() (string, error) { return " ", nil },
	}
	if _, err := device.NewWithSources(src).Compute(); !errors.Is(err, device.ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal, got %v", err)
	}
}

func TestComputeDiffersPerMachine(t *testing.T) {
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}
	a, err := device.NewWithSources(staticSources("id-a", "host", mac)).Compute()
	if err != nil {
		t.Fatal(err)
	}
	b, err := device.NewWithSources(staticSources("id-b", "host", mac)).Compute()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("different machine ids produced the same fingerprint")
	}
}

func TestLegacyID(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}
	got, err := device.NewWithSources(staticSources("ignored", "ignored", mac)).LegacyID()
	if err != nil {
		t.Fatalf("LegacyID returned error: %v", err)
	}
	if want := sha256Hex("112394521950"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	if _, err := device.NewWithSources(staticSources("id", "host", nil)).LegacyID(); !errors.Is(err, device.ErrNoSignal) {
		t.Fatalf("expected ErrNoSignal without a MAC, got %v", err)
	}
}
