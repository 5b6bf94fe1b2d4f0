package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/breez/offline-sync/store"
)

// Table is a typed view of one business table. Values are converted to and
// from records through their JSON tags, so fields tagged omitempty are left
// to the column defaults on create.
type Table[T any] struct {
	name string
	o    *Orchestrator
}

func NewTable[T any](o *Orchestrator, name string) *Table[T] {
	return &Table[T]{name: name, o: o}
}

func (t *Table[T]) Name() string {
	return t.name
}

func (t *Table[T]) Create(ctx context.Context, value T) (T, error) {
	var zero T
	record, err := ToRecord(value)
	if err != nil {
		return zero, err
	}
	created, err := t.o.Create(ctx, t.name, record)
	if err != nil {
		return zero, err
	}
	return FromRecord[T](created)
}

func (t *Table[T]) Read(ctx context.Context, query store.Query) ([]T, error) {
	records, err := t.o.Read(ctx, t.name, query)
	if err != nil {
		return nil, err
	}
	values := make([]T, 0, len(records))
	for _, r := range records {
		v, err := FromRecord[T](r)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Get returns the row with the given id, or nil if there is none.
func (t *Table[T]) Get(ctx context.Context, id string) (*T, error) {
	values, err := t.Read(ctx, store.Query{Where: store.Where{"id": id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &values[0], nil
}

// Update overwrites the given fields on matching rows. It returns nil when
// no row matched.
func (t *Table[T]) Update(ctx context.Context, fields store.Record, where store.Where) (*T, error) {
	updated, err := t.o.Update(ctx, t.name, fields, where)
	if err != nil || updated == nil {
		return nil, err
	}
	v, err := FromRecord[T](updated)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *Table[T]) Delete(ctx context.Context, where store.Where) error {
	return t.o.Delete(ctx, t.name, where)
}

func ToRecord[T any](value T) (store.Record, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", value, err)
	}
	var record store.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to convert %T to a record: %w", value, err)
	}
	return record, nil
}

func FromRecord[T any](record store.Record) (T, error) {
	var value T
	data, err := json.Marshal(record)
	if err != nil {
		return value, fmt.Errorf("failed to encode record: %w", err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("failed to decode record into %T: %w", value, err)
	}
	return value, nil
}
