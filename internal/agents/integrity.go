package agents

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// IntegrityFile holds the manifest digest recorded on first start.
const IntegrityFile = "integrity.sha256"

// ErrTampered is returned when the monitored files no longer match the
// recorded baseline.
var ErrTampered = errors.New("agent integrity check failed")

// IntegrityResult describes one startup check.
type IntegrityResult struct {
	Initialized bool
	Expected    string
	Current     string
}

// ManifestHash digests the sorted paths and contents of files. Missing files
// are skipped.
func ManifestHash(files []string) (string, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, path := range sorted {
		sum, err := fileSHA256(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		io.WriteString(h, path)
		io.WriteString(h, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyIntegrity compares files against the baseline in dataDir, writing
// the baseline if none exists yet. A mismatch returns ErrTampered along
// with both digests.
func VerifyIntegrity(dataDir string, files []string) (IntegrityResult, error) {
	current, err := ManifestHash(files)
	if err != nil {
		return IntegrityResult{}, err
	}
	res := IntegrityResult{Current: current}

	path := filepath.Join(dataDir, IntegrityFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return res, errors.Wrap(err, "create data directory")
		}
		if err := os.WriteFile(path, []byte(current+"\n"), 0o600); err != nil {
			return res, errors.Wrap(err, "write integrity baseline")
		}
		res.Initialized = true
		res.Expected = current
		return res, nil
	}
	if err != nil {
		return res, errors.Wrap(err, "read integrity baseline")
	}

	res.Expected = strings.TrimSpace(string(data))
	if res.Expected != current {
		return res, ErrTampered
	}
	return res, nil
}
