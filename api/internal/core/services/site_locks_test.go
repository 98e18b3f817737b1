package services_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
)

func TestSiteLocks_SameSiteBlocks(t *testing.T) {
	locks := services.NewSiteLocks(t.TempDir())

	unlock, err := locks.Lock(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent

	again, err := locks.Lock(context.Background(), "s1")
	require.NoError(t, err)
	again()
}

func TestSiteLocks_DistinctSitesDoNotBlock(t *testing.T) {
	locks := services.NewSiteLocks(t.TempDir())

	unlockA, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locks.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestSiteLocks_CrossProcessLockFile(t *testing.T) {
	root := t.TempDir()
	first := services.NewSiteLocks(root)
	second := services.NewSiteLocks(root)

	unlock, err := first.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, services.LockDirName, "s1.lock"))

	// A second lock table stands in for another agent process.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := second.Lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock2()
}

func TestOwnershipAdjuster(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "css"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "css", "a.css"), []byte("x"), 0o600))

	require.NoError(t, services.OwnershipAdjuster{UID: -1, GID: -1}.Adjust(dir))

	info, err := os.Stat(filepath.Join(dir, "css"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "css", "a.css"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	err = services.OwnershipAdjuster{UID: -1, GID: -1}.Adjust(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, domain.ErrPermissionAdjustment)
}
