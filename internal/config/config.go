// Package config loads the flag- and environment-based configuration for
// both cargohold binaries into two structs shared by the HTTP server and
// the migration worker.
package config

import (
	"flag"
	"os"
	"strings"
)

// StorageConfig configures the Storage Engine HTTP server.
type StorageConfig struct {
	Listen             string
	RootPath           string
	CatalogPath        string
	MaxUploadBytes     int64
	UploadBufferSize   int
	FirstChunkSize     int
	AllowedExtensions  map[string]bool
	InlineContentTypes map[string]bool
	DefaultBuckets     []string
}

const (
	defaultMaxUploadBytes    = 1 << 30 // 1 GiB
	defaultUploadBufferSize  = 64 * 1024
	defaultFirstChunkSize    = 64 * 1024
)

var defaultAllowedExtensions = []string{
	"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "msg",
	"png", "jpg", "jpeg", "gif", "webp", "bmp", "ico",
	"txt", "csv", "json", "xml", "zip", "gz",
	"mp3", "wav", "flac", "mp4", "avi", "bin",
}

var defaultInlineContentTypes = []string{
	"application/pdf",
	"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp",
	"text/plain", "text/csv",
}

// FromFlags registers and parses the Storage Engine's command-line flags
// against fs.
func FromFlags(fs *flag.FlagSet, args []string) (StorageConfig, error) {
	cfg := StorageConfig{}

	listen := fs.String("listen", ":8080", "address to listen on")
	rootPath := fs.String("data-dir", "./data", "root directory for stored blobs")
	catalogPath := fs.String("catalog-db", "./data/catalog.db", "path to the catalog sqlite database")
	maxUploadBytes := fs.Int64("max-upload-bytes", defaultMaxUploadBytes, "maximum accepted upload size in bytes")
	uploadBufferSize := fs.Int("upload-buffer-size", defaultUploadBufferSize, "copy buffer size for uploads")
	firstChunkSize := fs.Int("first-chunk-size", defaultFirstChunkSize, "bytes read before MIME identification")
	allowedExtensions := fs.String("allowed-extensions", strings.Join(defaultAllowedExtensions, ","), "comma-separated extension allow-list")
	inlineContentTypes := fs.String("inline-content-types", strings.Join(defaultInlineContentTypes, ","), "comma-separated inline-disposition content types")
	defaultBuckets := fs.String("default-buckets", "", "comma-separated buckets to seed at startup")

	if err := fs.Parse(args); err != nil {
		return StorageConfig{}, err
	}

	cfg.Listen = *listen
	cfg.RootPath = *rootPath
	cfg.CatalogPath = *catalogPath
	cfg.MaxUploadBytes = *maxUploadBytes
	cfg.UploadBufferSize = *uploadBufferSize
	cfg.FirstChunkSize = *firstChunkSize
	cfg.AllowedExtensions = toSet(splitNonEmpty(*allowedExtensions))
	cfg.InlineContentTypes = toSet(splitNonEmpty(*inlineContentTypes))
	cfg.DefaultBuckets = splitNonEmpty(*defaultBuckets)

	return cfg, nil
}

// MigrationConfig configures the migration worker binary. Connection
// strings, which carry credentials, are read from environment variables
// rather than flags.
type MigrationConfig struct {
	SourceConnectionString      string
	ContentConnectionString     string
	MigrationDbConnectionString string
	TargetAPIBaseURL            string
	Year                        int
	DocumentsTable              string
	ContentTable                string
	TargetBucket                string
	BatchSize                   int
	MaxParallelism              int
	MaxRetries                  int
	WorkerToken                 string
}

const (
	defaultBatchSize      = 100
	defaultMaxParallelism = 4
	defaultMaxRetries     = 3
)

// FromFlagsMigration registers and parses the migration worker's command-line
// flags, reading connection strings from the environment.
func FromFlagsMigration(fs *flag.FlagSet, args []string) (MigrationConfig, error) {
	cfg := MigrationConfig{}

	targetAPIBaseURL := fs.String("target-api-base-url", "", "base URL of the storage engine HTTP API")
	year := fs.Int("year", 0, "source year to migrate")
	documentsTable := fs.String("documents-table", "", "legacy documents table name (e.g. Documents_2019)")
	contentTable := fs.String("content-table", "DocumentsContent", "legacy content table name")
	targetBucket := fs.String("target-bucket", "", "destination bucket name")
	batchSize := fs.Int("batch-size", defaultBatchSize, "rows fetched per migrate batch")
	maxParallelism := fs.Int("max-parallelism", defaultMaxParallelism, "concurrent migrate-phase workers")
	maxRetries := fs.Int("max-retries", defaultMaxRetries, "retry attempts before a row is abandoned")
	workerToken := fs.String("worker-token", "", "shard key claimed by this worker instance")

	if err := fs.Parse(args); err != nil {
		return MigrationConfig{}, err
	}

	cfg.SourceConnectionString = os.Getenv("CARGOHOLD_SOURCE_DB")
	cfg.ContentConnectionString = os.Getenv("CARGOHOLD_CONTENT_DB")
	cfg.MigrationDbConnectionString = os.Getenv("CARGOHOLD_MIGRATION_DB")
	cfg.TargetAPIBaseURL = *targetAPIBaseURL
	cfg.Year = *year
	cfg.DocumentsTable = *documentsTable
	cfg.ContentTable = *contentTable
	cfg.TargetBucket = *targetBucket
	cfg.BatchSize = *batchSize
	cfg.MaxParallelism = *maxParallelism
	cfg.MaxRetries = *maxRetries
	cfg.WorkerToken = *workerToken

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
