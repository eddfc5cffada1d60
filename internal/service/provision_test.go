package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitPropagationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := waitPropagation(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "取消後不該等完整段傳播時間")
}

func TestWebrootPresentCleanup(t *testing.T) {
	root := t.TempDir()
	p := NewWebrootProvisioner(root)

	require.NoError(t, p.Present(context.Background(), "example.com", "tok123", "tok123.auth"))
	data, err := os.ReadFile(filepath.Join(root, ".well-known", "acme-challenge", "tok123"))
	require.NoError(t, err)
	assert.Equal(t, "tok123.auth", string(data))

	require.NoError(t, p.Cleanup(context.Background(), "example.com", "tok123"))
	_, err = os.Stat(filepath.Join(root, ".well-known", "acme-challenge", "tok123"))
	assert.True(t, os.IsNotExist(err))
	// 重複清除無害
	require.NoError(t, p.Cleanup(context.Background(), "example.com", "tok123"))
}
