package mimetype_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/eteran/cargohold/internal/mimetype"
	"github.com/stretchr/testify/require"
)

func TestIdentifyMagicBytesPDF(t *testing.T) {
	t.Parallel()

	chunk := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0}, 64)...)
	result := mimetype.Identify(chunk, "report.pdf", "")

	require.Equal(t, "application/pdf", result.DetectedContentType)
	require.Equal(t, "pdf", result.DetectedExtension)
	require.Equal(t, mimetype.MethodMagic, result.Method)
	require.False(t, result.IsMismatch)
}

func TestIdentifyDangerousMismatch(t *testing.T) {
	t.Parallel()

	chunk := []byte{0x4D, 0x5A, 0x90, 0x00}
	chunk = append(chunk, bytes.Repeat([]byte{0}, 64)...)

	result := mimetype.Identify(chunk, "x.pdf", "application/pdf")

	require.Equal(t, "application/x-msdownload", result.DetectedContentType)
	require.True(t, result.IsMismatch)
	require.True(t, result.IsDangerousMismatch)
}

func TestIdentifyNoMismatchWhenClaimedMatchesCaseInsensitively(t *testing.T) {
	t.Parallel()

	chunk := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0}, 64)...)
	result := mimetype.Identify(chunk, "report.pdf", "APPLICATION/PDF")

	require.False(t, result.IsMismatch)
}

func TestIdentifyZipRefinementToDocx(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<xml/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result := mimetype.Identify(buf.Bytes(), "report.docx", "")
	require.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", result.DetectedContentType)
	require.Equal(t, "docx", result.DetectedExtension)
}

func TestIdentifyPlainZipWithoutOfficeEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("data.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	result := mimetype.Identify(buf.Bytes(), "archive.zip", "")
	require.Equal(t, "application/zip", result.DetectedContentType)
}

func TestIdentifyOLE2RefinementToDoc(t *testing.T) {
	t.Parallel()

	chunk := []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	chunk = append(chunk, bytes.Repeat([]byte{0}, 64)...)

	result := mimetype.Identify(chunk, "legacy.doc", "")
	require.Equal(t, "application/msword", result.DetectedContentType)
	require.Equal(t, "doc", result.DetectedExtension)
}

func TestIdentifyRIFFWebP(t *testing.T) {
	t.Parallel()

	chunk := []byte("RIFF\x00\x00\x00\x00WEBPVP8 ")
	result := mimetype.Identify(chunk, "image.webp", "")
	require.Equal(t, "image/webp", result.DetectedContentType)
}

func TestIdentifyClaimedTypeFallback(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0xFF}, 64)
	result := mimetype.Identify(chunk, "data.bin", "application/json")
	require.Equal(t, "application/json", result.DetectedContentType)
	require.Equal(t, mimetype.MethodHeader, result.Method)
}

func TestIdentifyExtensionFallback(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0xFF}, 64)
	result := mimetype.Identify(chunk, "notes.csv", "")
	require.Equal(t, "text/csv", result.DetectedContentType)
	require.Equal(t, mimetype.MethodExtension, result.Method)
}

func TestIdentifyTextHeuristic(t *testing.T) {
	t.Parallel()

	chunk := []byte("just some plain ascii text with\nnewlines\tand\ttabs")
	result := mimetype.Identify(chunk, "unknown", "")
	require.Equal(t, "text/plain", result.DetectedContentType)
	require.Equal(t, mimetype.MethodHeuristic, result.Method)
}

func TestIdentifyFallbackOctetStream(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0x00, 0xFF, 0x01, 0xFE}, 20)
	result := mimetype.Identify(chunk, "unknown", "")
	require.Equal(t, "application/octet-stream", result.DetectedContentType)
	require.Equal(t, mimetype.MethodFallback, result.Method)
}

func TestIsDangerousMismatchRequiresDangerousDetectedType(t *testing.T) {
	t.Parallel()

	chunk := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0}, 64)...)
	result := mimetype.Identify(chunk, "report.pdf", "image/png")

	require.True(t, result.IsMismatch)
	require.False(t, result.IsDangerousMismatch)
}
