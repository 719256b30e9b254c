// Package report archives stabling plans as JSON objects in MinIO, one object
// per planning run, keyed by depot and planning day.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/stabling"
)

// DefaultBucket holds plan reports when no bucket is configured.
const DefaultBucket = "fleet-plans"

// Report is one archived planning run.
type Report struct {
	DepotID     string               `json:"depot_id"`
	Day         string               `json:"day"`
	GeneratedAt time.Time            `json:"generated_at"`
	Constraints stabling.Constraints `json:"constraints"`
	Plan        stabling.Plan        `json:"plan"`
	Summary     string               `json:"summary"`
}

// NewReport stamps a plan with its planning day.
func NewReport(plan stabling.Plan, c stabling.Constraints, at time.Time) Report {
	at = at.UTC()
	return Report{
		DepotID:     plan.DepotID,
		Day:         at.Format(time.DateOnly),
		GeneratedAt: at,
		Constraints: c,
		Plan:        plan,
		Summary:     plan.Summary(),
	}
}

// Key is the object name: <depot>/<day>/<hhmmss>.json. Keys sort by time.
func (r Report) Key() string {
	return fmt.Sprintf("%s/%s/%s.json", r.DepotID, r.Day, r.GeneratedAt.Format("150405"))
}

// objectStore is the slice of MinIO the archive needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Config locates the MinIO endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive reads and writes plan reports.
type Archive struct {
	store  objectStore
	bucket string
}

// New connects to MinIO with static credentials.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, domain.NewValidationError("minio_endpoint", "", domain.ErrMissingField)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("report: minio client: %w", err)
	}
	return newArchive(minioStore{c: client}, cfg.Bucket), nil
}

func newArchive(store objectStore, bucket string) *Archive {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Archive{store: store, bucket: bucket}
}

// Bucket returns the bucket name.
func (a *Archive) Bucket() string { return a.bucket }

// EnsureBucket creates the bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	ok, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("report: bucket %s: %w", a.bucket, err)
	}
	if ok {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket); err != nil {
		return fmt.Errorf("report: make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Save writes r and returns its key.
func (a *Archive) Save(ctx context.Context, r Report) (string, error) {
	if err := domain.ValidateAssetID(r.DepotID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: marshal: %w", err)
	}
	key := r.Key()
	if err := a.store.Put(ctx, a.bucket, key, data); err != nil {
		return "", fmt.Errorf("report: put %s: %w", key, err)
	}
	return key, nil
}

// Load reads the report stored under key.
func (a *Archive) Load(ctx context.Context, key string) (Report, error) {
	data, err := a.store.Get(ctx, a.bucket, key)
	if err != nil {
		return Report{}, fmt.Errorf("report: get %s: %w", key, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("report: decode %s: %w", key, err)
	}
	return r, nil
}

// Keys lists a depot's report keys, oldest first.
func (a *Archive) Keys(ctx context.Context, depotID string) ([]string, error) {
	keys, err := a.store.List(ctx, a.bucket, depotID+"/")
	if err != nil {
		return nil, fmt.Errorf("report: list %s: %w", depotID, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Latest loads a depot's most recent report.
func (a *Archive) Latest(ctx context.Context, depotID string) (Report, error) {
	keys, err := a.Keys(ctx, depotID)
	if err != nil {
		return Report{}, err
	}
	if len(keys) == 0 {
		return Report{}, fmt.Errorf("report: depot %s: %w", depotID, domain.ErrNotFound)
	}
	return a.Load(ctx, keys[len(keys)-1])
}

// minioStore adapts *minio.Client to objectStore.
type minioStore struct {
	c *minio.Client
}

func (m minioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.c.BucketExists(ctx, bucket)
}

func (m minioStore) MakeBucket(ctx context.Context, bucket string) error {
	return m.c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (m minioStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := m.c.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (m minioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

func (m minioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range m.c.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func notFound(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errors.Join(err, domain.ErrNotFound)
	}
	return err
}
