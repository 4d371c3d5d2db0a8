// Package mimetype identifies the content type of an object from its first
// bytes, its claimed content type, and its filename, in the layered
// resolution order the storage engine relies on to decide how to serve a
// download and whether to flag a mismatch as dangerous.
package mimetype

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strings"
)

// Method identifies which resolution step produced the final answer.
type Method string

const (
	MethodMagic     Method = "magic"
	MethodExtension Method = "extension"
	MethodHeader    Method = "header"
	MethodHeuristic Method = "heuristic"
	MethodFallback  Method = "fallback"
)

// FirstChunkSize is the default number of leading bytes the caller should
// read before invoking Identify.
const FirstChunkSize = 64 * 1024

// Result is the outcome of identifying an object's content type.
type Result struct {
	DetectedContentType string
	DetectedExtension   string
	Method              Method
	IsMismatch          bool
	IsDangerousMismatch bool
}

// signature is one entry in the magic-byte table. Prefix is matched against
// the start of the chunk; longer, more specific signatures are tried first
// so that e.g. an OOXML zip doesn't get stuck on the generic "PK" match
// before refinement has a chance to run.
type signature struct {
	prefix []byte
	mime   string
	ext    string
}

var magicTable = []signature{
	{[]byte{0x25, 0x50, 0x44, 0x46}, "application/pdf", "pdf"},
	{[]byte{0x4D, 0x5A}, "application/x-msdownload", "exe"},
	{[]byte{0x7F, 0x45, 0x4C, 0x46}, "application/x-elf", "elf"},
	{[]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, "application/x-ole-storage", "doc"},
	{[]byte{0x50, 0x4B, 0x03, 0x04}, "application/zip", "zip"},
	{[]byte{0x50, 0x4B, 0x05, 0x06}, "application/zip", "zip"},
	{[]byte{0x50, 0x4B, 0x07, 0x08}, "application/zip", "zip"},
	{[]byte{0x1F, 0x8B}, "application/gzip", "gz"},
	{[]byte{0x42, 0x5A, 0x68}, "application/x-bzip2", "bz2"},
	{[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png", "png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg", "jpg"},
	{[]byte{0x47, 0x49, 0x46, 0x38, 0x37, 0x61}, "image/gif", "gif"},
	{[]byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61}, "image/gif", "gif"},
	{[]byte{0x00, 0x00, 0x01, 0x00}, "image/x-icon", "ico"},
	{[]byte{0x25, 0x21, 0x50, 0x53, 0x2D}, "application/postscript", "ps"},
	{[]byte{'<', '?', 'x', 'm', 'l'}, "application/xml", "xml"},
	{[]byte{0x23, 0x21}, "text/x-shellscript", "sh"},
	{[]byte{0x4D, 0x54, 0x68, 0x64}, "audio/midi", "mid"},
	{[]byte{0x66, 0x4C, 0x61, 0x43}, "audio/flac", "flac"},
	{[]byte{0x49, 0x44, 0x33}, "audio/mpeg", "mp3"},
}

// dangerousTypes are content types that, when claimed as something else,
// force an "attachment" disposition instead of trusting an inline render.
var dangerousTypes = map[string]bool{
	"application/x-msdownload":                    true,
	"application/x-sh":                            true,
	"text/x-shellscript":                           true,
	"application/x-bat":                            true,
	"text/html":                                    true,
	"application/javascript":                       true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-elf": true,
}

// IsDangerous reports whether mime belongs to the dangerous-type set used
// for Content-Disposition and mismatch-severity decisions.
func IsDangerous(mime string) bool {
	return dangerousTypes[strings.ToLower(mime)]
}

// extensionTable maps known mime types to a canonical extension and back,
// used for both the claimed-type and extension resolution steps.
var extensionTable = map[string]string{
	"application/pdf":         "pdf",
	"application/zip":         "zip",
	"application/gzip":        "gz",
	"application/x-bzip2":     "bz2",
	"image/png":               "png",
	"image/jpeg":              "jpg",
	"image/gif":               "gif",
	"image/webp":              "webp",
	"image/x-icon":            "ico",
	"audio/wav":               "wav",
	"audio/mpeg":              "mp3",
	"audio/flac":              "flac",
	"audio/midi":              "mid",
	"video/x-msvideo":         "avi",
	"text/plain":              "txt",
	"text/csv":                "csv",
	"text/html":               "html",
	"application/json":        "json",
	"application/xml":         "xml",
	"application/msword":      "doc",
	"application/vnd.ms-excel": "xls",
	"application/vnd.ms-powerpoint":                                             "ppt",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/octet-stream": "bin",
}

var extensionToMime = func() map[string]string {
	m := make(map[string]string, len(extensionTable))
	for mime, ext := range extensionTable {
		if _, exists := m[ext]; !exists {
			m[ext] = mime
		}
	}
	return m
}()

// legacyOfficeExtensions maps the extensions that, combined with an OLE2
// compound-document signature, identify a specific legacy Office format.
var legacyOfficeExtensions = map[string]struct{ mime, ext string }{
	".doc": {"application/msword", "doc"},
	".xls": {"application/vnd.ms-excel", "xls"},
	".ppt": {"application/vnd.ms-powerpoint", "ppt"},
	".msg": {"application/vnd.ms-outlook", "msg"},
}

// ooxmlByZipPrefix maps a ZIP entry-name prefix, as read from a local file
// header, to the corresponding Office Open XML format.
var ooxmlByZipPrefix = []struct {
	prefix    string
	mime, ext string
}{
	{"word/", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx"},
	{"xl/", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"},
	{"ppt/", "application/vnd.openxmlformats-officedocument.presentationml.presentation", "pptx"},
}

// Identify runs the full layered resolution described in the storage
// engine's upload pipeline: magic bytes, container refinement, claimed
// type, filename extension, text heuristic, and a final fallback.
func Identify(chunk []byte, filename string, claimedContentType string) Result {
	mime, ext, method := resolveType(chunk, filename, claimedContentType)

	result := Result{
		DetectedContentType: mime,
		DetectedExtension:   ext,
		Method:              method,
	}

	if claimedContentType != "" && !strings.EqualFold(claimedContentType, mime) {
		result.IsMismatch = true
		if IsDangerous(mime) {
			result.IsDangerousMismatch = true
		}
	}

	return result
}

func resolveType(chunk []byte, filename string, claimedContentType string) (mime, ext string, method Method) {
	// 1. Magic bytes, longest signatures first.
	if mime, ext, ok := matchMagic(chunk); ok {
		// 2. ZIP refinement.
		if mime == "application/zip" && len(chunk) >= 30 {
			if rMime, rExt, ok := refineZip(chunk); ok {
				return rMime, rExt, MethodMagic
			}
		}
		// 3. OLE2 refinement.
		if mime == "application/x-ole-storage" {
			if rMime, rExt, ok := refineOLE2(filename); ok {
				return rMime, rExt, MethodMagic
			}
		}
		return mime, ext, MethodMagic
	}

	// 4. RIFF detection.
	if mime, ext, ok := detectRIFF(chunk); ok {
		return mime, ext, MethodMagic
	}

	// 5. Claimed type.
	if claimedContentType != "" {
		normalized := strings.ToLower(strings.TrimSpace(claimedContentType))
		if ext, ok := extensionTable[normalized]; ok {
			return normalized, ext, MethodHeader
		}
	}

	// 6. Extension.
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		if mime, ok := extensionToMime[ext]; ok {
			return mime, ext, MethodExtension
		}
	}

	// 7. Text heuristic.
	if looksLikeText(chunk) {
		return "text/plain", "txt", MethodHeuristic
	}

	// 8. Fallback.
	return "application/octet-stream", "bin", MethodFallback
}

func matchMagic(chunk []byte) (mime, ext string, ok bool) {
	best := -1
	for i, sig := range magicTable {
		if len(chunk) < len(sig.prefix) {
			continue
		}
		if !bytes.Equal(chunk[:len(sig.prefix)], sig.prefix) {
			continue
		}
		if best == -1 || len(sig.prefix) > len(magicTable[best].prefix) {
			best = i
		}
	}
	if best == -1 {
		return "", "", false
	}
	return magicTable[best].mime, magicTable[best].ext, true
}

// localFileHeaderSig is the signature marking a ZIP local file header, the
// structure this function walks instead of the central directory: the
// central directory sits at the end of the archive, which is never present
// in the first FirstChunkSize bytes of anything but a tiny file, while local
// file headers are interleaved with entry data from byte zero.
const localFileHeaderSig = uint32(0x04034b50)

// refineZip walks the local file headers of a truncated ZIP chunk looking
// for an entry name that identifies an OOXML package, and rewrites the
// detected type when found. It never calls archive/zip: zip.NewReader reads
// backward from the end of the stream for the end-of-central-directory
// record, which a first-chunk buffer never contains. Parsing errors and
// malformed headers are swallowed and the caller keeps the plain ZIP result.
func refineZip(chunk []byte) (mime, ext string, ok bool) {
	pos := 0
	for pos+30 <= len(chunk) {
		if binary.LittleEndian.Uint32(chunk[pos:pos+4]) != localFileHeaderSig {
			pos++
			continue
		}
		flags := binary.LittleEndian.Uint16(chunk[pos+6 : pos+8])
		compressedSize := binary.LittleEndian.Uint32(chunk[pos+18 : pos+22])
		nameLen := int(binary.LittleEndian.Uint16(chunk[pos+26 : pos+28]))
		extraLen := int(binary.LittleEndian.Uint16(chunk[pos+28 : pos+30]))

		nameStart := pos + 30
		nameEnd := nameStart + nameLen
		if nameEnd > len(chunk) {
			return "", "", false
		}
		name := string(chunk[nameStart:nameEnd])
		for _, candidate := range ooxmlByZipPrefix {
			if strings.HasPrefix(name, candidate.prefix) {
				return candidate.mime, candidate.ext, true
			}
		}

		dataStart := nameEnd + extraLen
		// Bit 3 set means sizes live in a trailing data descriptor instead of
		// the header; the compressed size field is unreliable, so just
		// resume the byte-by-byte signature search right after this name.
		if flags&0x8 != 0 || compressedSize == 0 {
			pos = dataStart
			continue
		}
		pos = dataStart + int(compressedSize)
	}
	return "", "", false
}

// refineOLE2 rewrites a legacy Compound Document signature to a concrete
// Office type when the filename carries a recognized legacy extension.
func refineOLE2(filename string) (mime, ext string, ok bool) {
	fileExt := strings.ToLower(filepath.Ext(filename))
	match, found := legacyOfficeExtensions[fileExt]
	if !found {
		return "", "", false
	}
	return match.mime, match.ext, true
}

// detectRIFF inspects a RIFF container's form type (bytes 8-11) to
// distinguish WebP, WAV, and AVI payloads.
func detectRIFF(chunk []byte) (mime, ext string, ok bool) {
	if len(chunk) < 12 {
		return "", "", false
	}
	if string(chunk[0:4]) != "RIFF" {
		return "", "", false
	}
	switch string(chunk[8:12]) {
	case "WEBP":
		return "image/webp", "webp", true
	case "WAVE":
		return "audio/wav", "wav", true
	case "AVI ":
		return "video/x-msvideo", "avi", true
	default:
		return "", "", false
	}
}

// looksLikeText reports whether at least 85% of chunk is printable ASCII or
// one of the common whitespace control characters.
func looksLikeText(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	printable := 0
	for _, b := range chunk {
		switch {
		case b == '\t' || b == '\n' || b == '\r':
			printable++
		case b >= 0x20 && b < 0x7F:
			printable++
		}
	}
	return float64(printable)/float64(len(chunk)) >= 0.85
}
