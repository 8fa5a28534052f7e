package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfhealy/nmma-relay/internal/adapter/repo/postgres"
	"github.com/bfhealy/nmma-relay/internal/domain"
)

func TestResultRepo_PutGetDelete(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = []byte("payload-bytes")
		return nil
	}}}
	repo := postgres.NewResultRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.PutResult(ctx, "res1", []byte("payload-bytes")))

	got, err := repo.GetResult(ctx, "res1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-bytes"), got)

	require.NoError(t, repo.DeleteResult(ctx, "res1"))
}

func TestResultRepo_GetResult_NotFound(t *testing.T) {
	pool := &poolStub{row: errRow(pgx.ErrNoRows)}
	repo := postgres.NewResultRepo(pool)
	_, err := repo.GetResult(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResultRepo_PutResult_DBError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("disk full")}
	repo := postgres.NewResultRepo(pool)
	err := repo.PutResult(context.Background(), "res1", []byte("x"))
	require.Error(t, err)
}
