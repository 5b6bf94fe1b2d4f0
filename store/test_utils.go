package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// AdapterTest is the behaviour every Adapter must share. Backend packages run
// it against their own instance.
type AdapterTest struct{}

func (s *AdapterTest) TestCreateRead(t *testing.T, adapter Adapter) {
	ctx := context.Background()
	id := uuid.NewString()
	row, err := adapter.Create(ctx, "clients", Record{"id": id, "name": "Acme"})
	require.NoError(t, err, "failed to call Create")
	require.Equal(t, id, row.ID())
	require.Equal(t, "Acme", row["name"])
	require.NotNil(t, row["created_at"], "created_at default should be returned")

	generated, err := adapter.Create(ctx, "clients", Record{"name": "No Id"})
	require.NoError(t, err, "failed to call Create without id")
	require.NotEmpty(t, generated.ID())

	rows, err := adapter.Read(ctx, "clients", Query{Where: Where{"id": id}})
	require.NoError(t, err, "failed to call Read")
	require.Len(t, rows, 1)
	require.Equal(t, "Acme", rows[0]["name"])

	_, err = adapter.Create(ctx, "clients", Record{"id": id, "name": "Duplicate"})
	require.Error(t, err, "duplicate primary key should fail")
	require.True(t, IsStorageError(err), "duplicate should surface as StorageError")
}

func (s *AdapterTest) TestReadQuery(t *testing.T, adapter Adapter) {
	ctx := context.Background()
	tag := uuid.NewString()
	for _, name := range []string{"beta", "alpha", "gamma"} {
		_, err := adapter.Create(ctx, "clients", Record{"name": name, "address": tag})
		require.NoError(t, err, "failed to call Create %v", name)
	}

	rows, err := adapter.Read(ctx, "clients", Query{
		Where:   Where{"address": tag},
		Columns: []string{"name"},
		OrderBy: []Order{{Column: "name"}},
		Limit:   2,
		Offset:  1,
	})
	require.NoError(t, err, "failed to call Read")
	require.Equal(t, []Record{{"name": "beta"}, {"name": "gamma"}}, rows)

	rows, err = adapter.Read(ctx, "clients", Query{
		Where:   Where{"address": tag},
		Columns: []string{"name"},
		OrderBy: []Order{{Column: "name", Desc: true}},
		Offset:  2,
	})
	require.NoError(t, err, "failed to call Read with offset only")
	require.Equal(t, []Record{{"name": "alpha"}}, rows)

	rows, err = adapter.Read(ctx, "clients", Query{Where: Where{"address": uuid.NewString()}})
	require.NoError(t, err, "failed to call Read")
	require.Empty(t, rows)
}

func (s *AdapterTest) TestUpdate(t *testing.T, adapter Adapter) {
	ctx := context.Background()
	id := uuid.NewString()
	_, err := adapter.Create(ctx, "clients", Record{"id": id, "name": "Acme"})
	require.NoError(t, err, "failed to call Create")

	row, err := adapter.Update(ctx, "clients", Record{"name": "Acme Corp", "email": "billing@acme.io"}, Where{"id": id})
	require.NoError(t, err, "failed to call Update")
	require.Equal(t, "Acme Corp", row["name"])
	require.Equal(t, "billing@acme.io", row["email"])

	row, err = adapter.Update(ctx, "clients", Record{"name": "Nobody"}, Where{"id": uuid.NewString()})
	require.NoError(t, err, "update of a missing row is not an error")
	require.Nil(t, row)

	_, err = adapter.Update(ctx, "clients", Record{"name": "All"}, Where{})
	require.ErrorIs(t, err, ErrEmptySelector)
}

func (s *AdapterTest) TestDeleteIdempotent(t *testing.T, adapter Adapter) {
	ctx := context.Background()
	id := uuid.NewString()
	_, err := adapter.Create(ctx, "clients", Record{"id": id, "name": "Acme"})
	require.NoError(t, err, "failed to call Create")

	require.NoError(t, adapter.Delete(ctx, "clients", Where{"id": id}), "failed to call Delete")
	require.NoError(t, adapter.Delete(ctx, "clients", Where{"id": id}), "second Delete should be a no-op")

	rows, err := adapter.Read(ctx, "clients", Query{Where: Where{"id": id}})
	require.NoError(t, err, "failed to call Read")
	require.Empty(t, rows)
}

func (s *AdapterTest) TestTransaction(t *testing.T, adapter Adapter) {
	ctx := context.Background()
	committed := uuid.NewString()
	err := adapter.Transaction(ctx, func(ctx context.Context, tx Executor) error {
		if _, err := tx.Create(ctx, "clients", Record{"id": committed, "name": "Committed"}); err != nil {
			return err
		}
		_, err := tx.Update(ctx, "clients", Record{"phone": "555"}, Where{"id": committed})
		return err
	})
	require.NoError(t, err, "failed to commit transaction")
	rows, err := adapter.Read(ctx, "clients", Query{Where: Where{"id": committed}})
	require.NoError(t, err, "failed to call Read")
	require.Len(t, rows, 1)
	require.Equal(t, "555", rows[0]["phone"])

	rolledBack := uuid.NewString()
	boom := errors.New("boom")
	err = adapter.Transaction(ctx, func(ctx context.Context, tx Executor) error {
		if _, err := tx.Create(ctx, "clients", Record{"id": rolledBack, "name": "Rolled back"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom, "callback error should propagate")
	rows, err = adapter.Read(ctx, "clients", Query{Where: Where{"id": rolledBack}})
	require.NoError(t, err, "failed to call Read")
	require.Empty(t, rows, "rolled back row should not be visible")
}
