package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qaharness/pkg/metrics"
	"qaharness/services/artifacts"
	"qaharness/services/reports"
)

// DefaultPresignTTL bounds report links when no TTL is configured.
const DefaultPresignTTL = 15 * time.Minute

// ErrDisabled is returned by a nil Mirror.
var ErrDisabled = errors.New("report mirror is not configured")

// ObjectStore is the subset of the S3 client the mirror needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Mirror copies finished report sets and their evidence into a bucket.
type Mirror struct {
	store     ObjectStore
	bucket    string
	ttl       time.Duration
	artifacts *artifacts.Store
	logger    zerolog.Logger
}

// New returns a Mirror uploading to bucket. The artifact store is optional.
func New(store ObjectStore, bucket string, ttl time.Duration, local *artifacts.Store, logger zerolog.Logger) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &Mirror{
		store:     store,
		bucket:    bucket,
		ttl:       ttl,
		artifacts: local,
		logger:    logger.With().Str("component", "mirror").Logger(),
	}, nil
}

// ReportKey is the object key of one report file.
func ReportKey(executionID, filename string) string {
	return path.Join("reports", executionID, filename)
}

// MirrorExecution uploads every rendered report and every stored artifact of
// the execution. All uploads are attempted; failures are joined.
func (m *Mirror) MirrorExecution(ctx context.Context, set reports.Set) error {
	if m == nil {
		return ErrDisabled
	}
	if set.ExecutionID == "" {
		return errors.New("execution id is required")
	}

	var errs []error
	for _, f := range reports.Formats() {
		data := set.Bytes(f)
		if data == nil {
			continue
		}
		name, err := reports.Filename(string(f))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.store.PutObject(ctx, m.bucket, ReportKey(set.ExecutionID, name), reports.ContentType(f), data); err != nil {
			metrics.RecordReport(string(f), "mirror", err)
			errs = append(errs, fmt.Errorf("upload %s: %w", name, err))
			continue
		}
		metrics.RecordReport(string(f), "mirror", nil)
	}

	uploaded, err := m.mirrorArtifacts(ctx, set.ExecutionID)
	if err != nil {
		errs = append(errs, err)
	}

	m.logger.Debug().Str("execution_id", set.ExecutionID).Int("artifacts", uploaded).Msg("execution mirrored")
	return errors.Join(errs...)
}

func (m *Mirror) mirrorArtifacts(ctx context.Context, executionID string) (int, error) {
	if m.artifacts == nil {
		return 0, nil
	}
	links, err := m.artifacts.List(executionID)
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}

	var (
		errs     []error
		uploaded int
	)
	for _, link := range links {
		if err := m.uploadArtifact(ctx, link); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", link, err))
			continue
		}
		uploaded++
	}
	return uploaded, errors.Join(errs...)
}

func (m *Mirror) uploadArtifact(ctx context.Context, link string) error {
	parts := strings.Split(link, "/")
	if len(parts) != 4 || parts[0] != artifacts.LinkPrefix {
		return fmt.Errorf("unexpected artifact link %q", link)
	}

	f, contentType, err := m.artifacts.Open(parts[1], parts[2], parts[3])
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return m.store.PutObject(ctx, m.bucket, link, contentType, data)
}

// PresignReport returns a time-limited download link for one report file.
func (m *Mirror) PresignReport(ctx context.Context, executionID, reportType string) (string, error) {
	if m == nil {
		return "", ErrDisabled
	}
	name, err := reports.Filename(reportType)
	if err != nil {
		return "", err
	}
	if _, err := reports.Dir("", executionID); err != nil {
		return "", err
	}
	return m.store.PresignGet(ctx, m.bucket, ReportKey(executionID, name), m.ttl)
}

// TTL is the lifetime of presigned links.
func (m *Mirror) TTL() time.Duration {
	if m == nil {
		return 0
	}
	return m.ttl
}
