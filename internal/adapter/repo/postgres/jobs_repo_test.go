package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfhealy/nmma-relay/internal/adapter/repo/postgres"
	"github.com/bfhealy/nmma-relay/internal/domain"
)

func TestJobRepo_Create_Success(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	job := domain.Job{ID: "j1", ResourceID: "res1", CreatedAt: time.Now().UTC(), InvalidAfter: time.Now().Add(time.Hour)}
	require.NoError(t, repo.Create(context.Background(), job))
}

func TestJobRepo_Create_DuplicateID(t *testing.T) {
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewJobRepo(pool)
	err := repo.Create(context.Background(), domain.Job{ID: "dup"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestJobRepo_Create_OtherDBError(t *testing.T) {
	pool := &poolStub{execErr: errors.New("connection refused")}
	repo := postgres.NewJobRepo(pool)
	err := repo.Create(context.Background(), domain.Job{ID: "j1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDuplicateID)
}

func TestJobRepo_Get_Success(t *testing.T) {
	fixed := time.Now().UTC()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "j1"
		*(dest[1].(*string)) = "res1"
		*(dest[2].(*time.Time)) = fixed
		*(dest[3].(*time.Time)) = fixed.Add(time.Hour)
		*(dest[4].(*string)) = "https://cb.example/hook"
		*(dest[5].(*string)) = "POST"
		*(dest[6].(*string)) = "nmma.em.KilonovaGRB"
		*(dest[7].(*float64)) = 0
		*(dest[8].(*float64)) = 10
		*(dest[9].(*float64)) = 0.5
		*(dest[10].(*[]byte)) = nil
		*(dest[11].(*[]byte)) = nil
		*(dest[12].(*domain.Status)) = domain.StatusRunning
		*(dest[13].(**int64)) = nil
		*(dest[14].(**time.Time)) = nil
		*(dest[15].(*int)) = 0
		*(dest[16].(*string)) = ""
		*(dest[17].(*string)) = ""
		*(dest[18].(*string)) = ""
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)
	j, err := repo.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, domain.StatusRunning, j.Status)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: errRow(pgx.ErrNoRows)}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_UpdateStatus_CommitsOnSuccess(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	err := repo.UpdateStatus(context.Background(), "j1", domain.StatusPatch{Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, pool.tx.committed)
	assert.False(t, pool.tx.rolledBack)
}

func TestJobRepo_UpdateStatus_RollsBackOnExecError(t *testing.T) {
	tx := &txStub{execErr: errors.New("boom")}
	pool := &poolStub{tx: tx}
	repo := postgres.NewJobRepo(pool)
	err := repo.UpdateStatus(context.Background(), "j1", domain.StatusPatch{Status: domain.StatusFailedUpload})
	require.Error(t, err)
	assert.True(t, tx.rolledBack)
}

func TestJobRepo_UpdateStatus_BeginTxError(t *testing.T) {
	pool := &poolStub{beginErr: errors.New("pool closed")}
	repo := postgres.NewJobRepo(pool)
	err := repo.UpdateStatus(context.Background(), "j1", domain.StatusPatch{Status: domain.StatusCompleted})
	require.Error(t, err)
}

func TestJobRepo_Ping(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 1
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)
	require.NoError(t, repo.Ping(context.Background()))
}
