// Package projectstore keeps project definitions in a NATS key-value bucket.
//
// Each key is a project name and each value a JSON Record holding the
// project XML with a version number. Update is optimistic: the caller passes
// the version it read, and the write fails when someone else got there
// first.
package projectstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/natsclient"
	"github.com/c360/espflow/pkg/retry"
)

// DefaultBucket is the bucket used when none is given.
const DefaultBucket = "espflow_projects"

// ErrVersionConflict reports an Update based on a stale version.
var ErrVersionConflict = stderrors.New("project version conflict")

// Store reads and writes Records.
type Store struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	user   string
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUser records who creates projects.
func WithUser(user string) Option {
	return func(s *Store) { s.user = user }
}

// NewStore opens bucket, creating it with a short history when missing.
func NewStore(ctx context.Context, client *natsclient.Client, bucket string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "projectstore", "NewStore", "nil NATS client")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := retry.DoWithResult(ctx, retry.Transient(), func() (jetstream.KeyValue, error) {
		return client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "ESP project definitions",
			History:     10,
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "projectstore", "NewStore", "open bucket "+bucket)
	}

	s := &Store{kv: client.NewKVStore(kv), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "projectstore", "bucket", bucket)
	return s, nil
}

// Create stores a new project. It fails when the name is taken or the
// project does not validate.
func (s *Store) Create(ctx context.Context, p *dataflow.Project) (*Record, error) {
	rec, err := NewRecord(p)
	if err != nil {
		return nil, err
	}
	rec.CreatedBy = s.user

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.WrapFatal(err, "projectstore", "Create", "marshal record")
	}
	if _, err := s.kv.Create(ctx, rec.Name, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return nil, errors.WrapInvalid(errors.ErrDuplicateKey, "projectstore", "Create", "project "+rec.Name)
		}
		return nil, err
	}
	s.logger.Info("Project created", "project", rec.Name, "windows", rec.Windows)
	return rec, nil
}

// Get returns the stored record for name.
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	if !keyPattern.MatchString(name) {
		return nil, errors.Invalidf("projectstore", "Get", "invalid project name %q", name)
	}
	entry, err := s.kv.Get(ctx, name)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "projectstore", "Get", "project "+name)
		}
		return nil, err
	}
	return decode(entry.Value, name)
}

// Load returns the stored project itself.
func (s *Store) Load(ctx context.Context, name string) (*dataflow.Project, *Record, error) {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	p, err := rec.Project()
	if err != nil {
		return nil, nil, err
	}
	return p, rec, nil
}

// Update replaces the project named p.Name() if its stored version is still
// version, returning the new record. A stale version gives
// ErrVersionConflict; a missing project gives errors.ErrKeyNotFound.
func (s *Store) Update(ctx context.Context, p *dataflow.Project, version int64) (*Record, error) {
	next, err := NewRecord(p)
	if err != nil {
		return nil, err
	}

	var stored *Record
	err = s.kv.UpdateWithRetry(ctx, next.Name, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "projectstore", "Update", "project "+next.Name)
		}
		cur, err := decode(current, next.Name)
		if err != nil {
			return nil, err
		}
		if cur.Version != version {
			return nil, errors.WrapInvalid(ErrVersionConflict, "projectstore", "Update",
				fmt.Sprintf("project %s is at version %d, not %d", next.Name, cur.Version, version))
		}

		rec := *next
		rec.Version = cur.Version + 1
		rec.CreatedAt = cur.CreatedAt
		rec.CreatedBy = cur.CreatedBy
		rec.UpdatedAt = time.Now().UTC()
		stored = &rec
		return json.Marshal(&rec)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project updated", "project", stored.Name, "version", stored.Version)
	return stored, nil
}

// Delete removes the project named name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !keyPattern.MatchString(name) {
		return errors.Invalidf("projectstore", "Delete", "invalid project name %q", name)
	}
	if err := s.kv.Delete(ctx, name); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "projectstore", "Delete", "project "+name)
		}
		return err
	}
	s.logger.Info("Project deleted", "project", name)
	return nil
}

// List returns every stored record ordered by name. Projects deleted while
// listing are skipped.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	out := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err != nil {
			if errors.IsInvalid(err) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode(data []byte, name string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WrapFatal(err, "projectstore", "decode", "unmarshal record "+name)
	}
	return &rec, nil
}
