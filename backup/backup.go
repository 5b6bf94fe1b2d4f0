// Package backup writes table snapshots to an object store and restores them
// into a store that supports bulk upserts.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/breez/offline-sync/store"
	"go.uber.org/zap"
)

const (
	manifestFile = "manifest.json"
	pageSize     = 500
)

type TableSnapshot struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Rows int    `json:"rows"`
}

// Manifest describes one snapshot. Tables are restored in the listed order.
type Manifest struct {
	Name      string          `json:"name"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"createdAt"`
	Tables    []TableSnapshot `json:"tables"`
}

type Service struct {
	objects ObjectStore
	log     *zap.Logger
	now     func() time.Time
}

func NewService(objects ObjectStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{objects: objects, log: logger.Named("backup"), now: time.Now}
}

// SnapshotName derives a sortable snapshot name from t.
func SnapshotName(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// Snapshot copies every row of the given tables from source.
func (s *Service) Snapshot(ctx context.Context, source store.Adapter, tables []string) (Manifest, error) {
	createdAt := s.now()
	manifest := Manifest{
		Name:      SnapshotName(createdAt),
		Source:    source.Name(),
		CreatedAt: createdAt,
	}
	for _, table := range tables {
		rows, err := readAll(ctx, source, table)
		if err != nil {
			return Manifest{}, err
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return Manifest{}, fmt.Errorf("failed to encode table %v: %w", table, err)
		}
		key := path.Join(manifest.Name, table+".json")
		if err := s.objects.Put(ctx, key, data); err != nil {
			return Manifest{}, err
		}
		manifest.Tables = append(manifest.Tables, TableSnapshot{Name: table, Key: key, Rows: len(rows)})
		s.log.Debug("table saved", zap.String("table", table), zap.Int("rows", len(rows)))
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.objects.Put(ctx, path.Join(manifest.Name, manifestFile), data); err != nil {
		return Manifest{}, err
	}
	s.log.Info("snapshot written", zap.String("snapshot", manifest.Name), zap.String("source", manifest.Source))
	return manifest, nil
}

// Restore upserts every table of the named snapshot into target, keyed by id.
func (s *Service) Restore(ctx context.Context, name string, target store.BulkUpserter) (Manifest, error) {
	data, err := s.objects.Get(ctx, path.Join(name, manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}

	for _, table := range manifest.Tables {
		data, err := s.objects.Get(ctx, table.Key)
		if err != nil {
			return Manifest{}, err
		}
		var rows []store.Record
		if err := json.Unmarshal(data, &rows); err != nil {
			return Manifest{}, fmt.Errorf("failed to decode table %v: %w", table.Name, err)
		}
		if len(rows) == 0 {
			continue
		}
		n, err := target.BulkUpsert(ctx, table.Name, rows)
		if err != nil {
			return Manifest{}, fmt.Errorf("failed to restore table %v: %w", table.Name, err)
		}
		s.log.Info("table restored", zap.String("table", table.Name), zap.Int("rows", n))
	}
	return manifest, nil
}

func readAll(ctx context.Context, source store.Executor, table string) ([]store.Record, error) {
	all := []store.Record{}
	for offset := 0; ; offset += pageSize {
		page, err := source.Read(ctx, table, store.Query{
			OrderBy: []store.Order{{Column: "id"}},
			Limit:   pageSize,
			Offset:  offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
