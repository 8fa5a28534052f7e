package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfhealy/nmma-relay/internal/adapter/repo/postgres"
)

func TestNewCleanupService_DefaultsRetentionDays(t *testing.T) {
	svc := postgres.NewCleanupService(nil, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestNewCleanupService_NegativeRetentionDaysDefaults(t *testing.T) {
	svc := postgres.NewCleanupService(nil, -5)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestNewCleanupService_KeepsPositiveRetentionDays(t *testing.T) {
	svc := postgres.NewCleanupService(nil, 30)
	assert.Equal(t, 30, svc.RetentionDays)
}

func TestCleanupOldData_ResultsDeleteKeysByJobID(t *testing.T) {
	tx := &txStub{}
	pool := &poolStub{tx: tx}
	svc := postgres.NewCleanupService(pool, 30)

	require.NoError(t, svc.CleanupOldData(context.Background()))

	require.Len(t, tx.execSQLs, 2)
	assert.Contains(t, tx.execSQLs[0], "SELECT id FROM jobs")
	assert.NotContains(t, tx.execSQLs[0], "resource_id")
	assert.True(t, tx.committed)
}

func TestCleanupOldData_BeginError(t *testing.T) {
	pool := &poolStub{beginErr: errors.New("connection refused")}
	svc := postgres.NewCleanupService(pool, 30)

	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCleanupOldData_DeleteResultsError(t *testing.T) {
	tx := &txStub{execErr: errors.New("boom")}
	pool := &poolStub{tx: tx}
	svc := postgres.NewCleanupService(pool, 30)

	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
	assert.True(t, tx.rolledBack)
}

func TestCleanupOldData_CommitError(t *testing.T) {
	tx := &txStub{commitErr: errors.New("commit failed")}
	pool := &poolStub{tx: tx}
	svc := postgres.NewCleanupService(pool, 30)

	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
}
