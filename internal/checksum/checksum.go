package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// File computes the hex-encoded SHA-256 of the file at path. Recorded on
// completed session files so the import pipeline can verify the handoff.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
