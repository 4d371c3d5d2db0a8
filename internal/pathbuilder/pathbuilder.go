// Package pathbuilder derives DocIds and their on-disk blob locations,
// partitioned by year and the leading hex characters of the DocId's uuid:
// {root}/{year}/{b1}/{b2}/{docId}/blob.{ext}.
package pathbuilder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateDocID returns a fresh DocId of the form "{year}-{uuid4}". If year
// is zero, the current UTC year is used.
func GenerateDocID(year int) string {
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	return fmt.Sprintf("%d-%s", year, uuid.New().String())
}

// ExtractYear parses the leading year out of a DocId. It rejects strings
// without a '-' after the year digits.
func ExtractYear(docID string) (int, error) {
	idx := strings.IndexByte(docID, '-')
	if idx <= 0 {
		return 0, fmt.Errorf("pathbuilder: docId %q has no year separator", docID)
	}
	year, err := strconv.Atoi(docID[:idx])
	if err != nil {
		return 0, fmt.Errorf("pathbuilder: docId %q has a non-numeric year: %w", docID, err)
	}
	return year, nil
}

// uuidSuffix returns the uuid4 portion of a DocId (everything after the
// first '-'), with hyphens removed.
func uuidSuffix(docID string) (string, error) {
	idx := strings.IndexByte(docID, '-')
	if idx <= 0 || idx+1 >= len(docID) {
		return "", fmt.Errorf("pathbuilder: docId %q is malformed", docID)
	}
	return strings.ReplaceAll(docID[idx+1:], "-", ""), nil
}

// BlobDir returns the directory that holds docID's blob and temp file:
// {root}/{year}/{b1}/{b2}/{docId}, where b1/b2 are the first four lowercase
// hex characters of the UUID (with hyphens removed), taken two at a time.
func BlobDir(root, docID string) (string, error) {
	year, err := ExtractYear(docID)
	if err != nil {
		return "", err
	}
	hexSuffix, err := uuidSuffix(docID)
	if err != nil {
		return "", err
	}
	if len(hexSuffix) < 4 {
		return "", fmt.Errorf("pathbuilder: docId %q has too short a uuid segment", docID)
	}

	b1 := strings.ToLower(hexSuffix[0:2])
	b2 := strings.ToLower(hexSuffix[2:4])

	return filepath.Join(root, strconv.Itoa(year), b1, b2, docID), nil
}

// BlobPath returns the final blob location for docID, stripping any
// leading dot from ext and defaulting to "bin" when ext is empty.
func BlobPath(root, docID, ext string) (string, error) {
	dir, err := BlobDir(root, docID)
	if err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(dir, "blob."+ext), nil
}

// TempPath returns the transient path used while an upload is in flight.
func TempPath(root, docID string) (string, error) {
	dir, err := BlobDir(root, docID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "blob.tmp"), nil
}
