package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArchiverConfig configures the report archiver.
type ArchiverConfig struct {
	// PathTemplate for report keys (supports {kind}, {date}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`

	// Compress gzips report bodies.
	Compress bool `json:"compress" yaml:"compress"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		PathTemplate: "reports/{kind}/{date}/{id}.json.gz",
		Compress:     true,
	}
}

// ArchiveEntry describes one stored report.
type ArchiveEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	RawBytes  int64     `json:"raw_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ReportArchiver stores JSON reports (validation runs, campaign analyses)
// as individual objects.
type ReportArchiver struct {
	client *Client
	config *ArchiverConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReportArchiver creates a new archiver.
func NewReportArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *ReportArchiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportArchiver{client: client, config: cfg, logger: logger, now: time.Now}
}

// Archive marshals report as JSON and uploads it under kind.
func (a *ReportArchiver) Archive(ctx context.Context, kind string, report any) (*ArchiveEntry, error) {
	if kind == "" {
		return nil, fmt.Errorf("s3: report kind is required")
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to marshal %s report: %w", kind, err)
	}

	body := raw
	input := &UploadInput{
		ContentType: "application/json",
		Metadata:    map[string]string{"kind": kind},
	}
	if a.config.Compress {
		body, err = compressGzip(raw)
		if err != nil {
			return nil, err
		}
		input.ContentEncoding = "gzip"
	}

	now := a.now().UTC()
	id := uuid.NewString()
	input.Key = a.generateKey(kind, id, now)
	input.Body = body

	out, err := a.client.Upload(ctx, input)
	if err != nil {
		return nil, err
	}

	a.logger.Info("report archived",
		"kind", kind,
		"key", out.Key,
		"bytes", out.Size,
	)

	return &ArchiveEntry{
		ID:        id,
		Kind:      kind,
		Key:       input.Key,
		Location:  out.Location,
		Size:      out.Size,
		RawBytes:  int64(len(raw)),
		CreatedAt: now,
	}, nil
}

// Fetch downloads the report at key and decodes it into dst.
func (a *ReportArchiver) Fetch(ctx context.Context, key string, dst any) error {
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return err
	}

	if isGzip(data) {
		data, err = decompressGzip(data)
		if err != nil {
			return err
		}
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("s3: failed to decode report %s: %w", key, err)
	}
	return nil
}

// List returns stored reports of kind, newest keys last.
func (a *ReportArchiver) List(ctx context.Context, kind string) ([]ObjectInfo, error) {
	prefix := a.config.PathTemplate
	if i := strings.Index(prefix, "{kind}"); i >= 0 {
		prefix = prefix[:i] + kind + "/"
	} else {
		prefix = ""
	}
	return a.client.List(ctx, prefix, 0)
}

func (a *ReportArchiver) generateKey(kind, id string, at time.Time) string {
	r := strings.NewReplacer(
		"{kind}", kind,
		"{date}", at.Format("2006/01/02"),
		"{id}", id,
	)
	key := r.Replace(a.config.PathTemplate)
	if !a.config.Compress {
		key = strings.TrimSuffix(key, ".gz")
	}
	return key
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("s3: gzip: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("s3: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("s3: gunzip: %w", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
