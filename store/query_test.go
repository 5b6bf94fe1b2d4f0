package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var testDialect = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	QuoteIdent:  func(name string) string { return `"` + name + `"` },
	Unlimited:   "ALL",
}

func TestBuildInsert(t *testing.T) {
	query, args, err := BuildInsert(testDialect, "clients", Record{"name": "Acme", "id": "a"})
	require.NoError(t, err, "failed to build insert")
	require.Equal(t, `INSERT INTO "clients" ("id", "name") VALUES ($1, $2) RETURNING *`, query)
	require.Equal(t, []any{"a", "Acme"}, args)

	_, _, err = BuildInsert(testDialect, "clients", Record{})
	require.ErrorIs(t, err, ErrEmptyRecord)
}

func TestBuildSelect(t *testing.T) {
	query, args, err := BuildSelect(testDialect, "invoices", Query{
		Where:   Where{"status": "open", "client_id": "c1", "paid_at": nil},
		Columns: []string{"id", "amount"},
		OrderBy: []Order{{Column: "issued_at", Desc: true}, {Column: "id"}},
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err, "failed to build select")
	require.Equal(t, `SELECT "id", "amount" FROM "invoices" WHERE "client_id" = $1 AND "paid_at" IS NULL AND "status" = $2 ORDER BY "issued_at" DESC, "id" ASC LIMIT 10 OFFSET 20`, query)
	require.Equal(t, []any{"c1", "open"}, args)

	query, args, err = BuildSelect(testDialect, "clients", Query{Offset: 5})
	require.NoError(t, err, "failed to build select")
	require.Equal(t, `SELECT * FROM "clients" LIMIT ALL OFFSET 5`, query)
	require.Empty(t, args)
}

func TestBuildUpdate(t *testing.T) {
	query, args, err := BuildUpdate(testDialect, "clients", Record{"name": "Acme 2", "email": "x@acme.io"}, Where{"id": "a"})
	require.NoError(t, err, "failed to build update")
	require.Equal(t, `UPDATE "clients" SET "email" = $1, "name" = $2 WHERE "id" = $3 RETURNING *`, query)
	require.Equal(t, []any{"x@acme.io", "Acme 2", "a"}, args)

	_, _, err = BuildUpdate(testDialect, "clients", Record{"name": "x"}, nil)
	require.ErrorIs(t, err, ErrEmptySelector)
}

func TestBuildDelete(t *testing.T) {
	query, args, err := BuildDelete(testDialect, "payments", Where{"id": "p1"})
	require.NoError(t, err, "failed to build delete")
	require.Equal(t, `DELETE FROM "payments" WHERE "id" = $1`, query)
	require.Equal(t, []any{"p1"}, args)

	_, _, err = BuildDelete(testDialect, "payments", Where{})
	require.ErrorIs(t, err, ErrEmptySelector)
}

func TestInvalidIdentifiers(t *testing.T) {
	_, _, err := BuildSelect(testDialect, "clients; DROP TABLE clients", Query{})
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, _, err = BuildInsert(testDialect, "clients", Record{`na"me`: "x"})
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, _, err = BuildSelect(testDialect, "clients", Query{OrderBy: []Order{{Column: "1=1"}}})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestRecordWithID(t *testing.T) {
	record := Record{"name": "Acme"}
	withID := record.WithID()
	require.NotEmpty(t, withID.ID())
	require.Empty(t, record.ID(), "original record must not be modified")

	kept := Record{"id": "a"}.WithID()
	require.Equal(t, "a", kept.ID())
}

func TestStorageErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewStorageError("postgres", "create", "clients", cause)
	require.True(t, IsStorageError(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "postgres: create clients: connection refused", err.Error())

	wrapped := fmt.Errorf("failed to create: %w", err)
	require.True(t, IsStorageError(wrapped))
	require.Same(t, err, NewStorageError("sqlite", "create", "clients", err))
	require.Nil(t, NewStorageError("postgres", "read", "clients", nil))
	require.False(t, IsStorageError(ErrEmptySelector))
}

func TestBuildUpsert(t *testing.T) {
	query, args, err := BuildUpsert(testDialect, "clients", Record{"id": "a", "name": "Acme", "email": "x@acme.io"}, "id")
	require.NoError(t, err, "failed to build upsert")
	require.Equal(t, `INSERT INTO "clients" ("email", "id", "name") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "email" = EXCLUDED."email", "name" = EXCLUDED."name"`, query)
	require.Equal(t, []any{"x@acme.io", "a", "Acme"}, args)

	query, _, err = BuildUpsert(testDialect, "clients", Record{"id": "a"}, "id")
	require.NoError(t, err, "failed to build upsert")
	require.Equal(t, `INSERT INTO "clients" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`, query)

	_, _, err = BuildUpsert(testDialect, "clients", Record{"name": "Acme"}, "id")
	require.Error(t, err, "upsert without conflict key should fail")
}

func TestEncodeNestedArg(t *testing.T) {
	v, err := EncodeNestedArg(map[string]any{"city": "Lisbon"})
	require.NoError(t, err)
	require.Equal(t, `{"city":"Lisbon"}`, v)

	v, err = EncodeNestedArg([]any{"a", 1.5})
	require.NoError(t, err)
	require.Equal(t, `["a",1.5]`, v)

	v, err = EncodeNestedArg([]byte("raw"))
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), v)

	v, err = EncodeNestedArg(42)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
