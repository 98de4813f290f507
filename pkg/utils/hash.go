package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// contentIDLength is the number of hex digits kept by ContentID.
const contentIDLength = 16

// AssetSHA256 returns the hex SHA-256 of the downloaded asset at path.
func AssetSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening asset '%s' for hashing: %w", ErrFilesystem, path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hashing asset '%s': %w", ErrFilesystem, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentID derives a stable card identifier from its visible text, for
// listings whose cards carry no id attribute.
func ContentID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "hash-" + hex.EncodeToString(sum[:])[:contentIDLength]
}
