package agents

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

const (
	fingerprintFile = "fingerprint"
	DefaultDataDir  = "~/.trustgate-agent"
)

// deviceNamespace scopes the name-based device UUIDs.
var deviceNamespace = uuid.MustParse("7b4a1c1e-2f0d-5c7e-9a43-6d2e8f1b0c55")

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// ExpandDataDir resolves a leading ~ in the data directory.
func ExpandDataDir(dir string) (string, error) {
	if dir == "" {
		dir = DefaultDataDir
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", errors.Wrapf(err, "expand data directory %s", dir)
	}
	return expanded, nil
}

// DeviceUUID returns the stable device identifier. It is derived from the
// machine fingerprint, which is persisted on first use.
func DeviceUUID(dataDir string) (string, error) {
	fp, err := loadOrGenerateFingerprint(dataDir)
	if err != nil {
		return "", err
	}
	return DeviceUUIDFromFingerprint(fp), nil
}

// DeviceUUIDFromFingerprint maps a fingerprint to a name-based UUID.
func DeviceUUIDFromFingerprint(fp string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(fp)).String()
}

func loadOrGenerateFingerprint(dataDir string) (string, error) {
	if fp, err := loadFingerprintFile(dataDir); err == nil {
		return fp, nil
	}

	fp, err := generateFingerprint()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", errors.Wrap(err, "create data directory")
	}
	if err := os.WriteFile(filepath.Join(dataDir, fingerprintFile), []byte(fp+"\n"), 0o600); err != nil {
		return "", errors.Wrap(err, "persist fingerprint")
	}
	return fp, nil
}

func loadFingerprintFile(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, fingerprintFile))
	if err != nil {
		return "", err
	}
	fp := strings.TrimSpace(string(data))
	if fp == "" {
		return "", errors.New("empty fingerprint file")
	}
	return fp, nil
}

func generateFingerprint() (string, error) {
	for _, p := range machineIDPaths {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "mid:" + id, nil
			}
		}
	}

	if mac := firstMACAddress(); mac != "" {
		h := sha256.Sum256([]byte(mac))
		return "mac:" + hex.EncodeToString(h[:16]), nil
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate random fingerprint")
	}
	return "rnd:" + hex.EncodeToString(b), nil
}

func firstMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
