package coordinator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessDefaultsToPrimary(t *testing.T) {
	c := NewInProcess()
	assert.True(t, c.IsPrimary())
	assert.True(t, c.IsWriteAllowed())
}

func TestInProcessNotifiesOnAuthorityChange(t *testing.T) {
	c := NewInProcess()
	var seen []bool
	unsub := c.OnAuthorityChange(func(isPrimary bool) { seen = append(seen, isPrimary) })

	c.SetPrimary(false)
	c.SetPrimary(true)
	unsub()
	c.SetPrimary(false)

	require.Equal(t, []bool{false, true}, seen)
}

func TestInProcessSetPrimaryIdempotent(t *testing.T) {
	c := NewInProcess()
	calls := 0
	c.OnAuthorityChange(func(bool) { calls++ })

	c.SetPrimary(true) // already primary: no notification
	assert.Equal(t, 0, calls)
}

func TestFileLeaseFirstAcquirerIsPrimary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.lock")

	first, err := NewFileLease(path)
	require.NoError(t, err)
	defer first.Close()
	assert.True(t, first.IsPrimary())

	second, err := NewFileLease(path)
	require.NoError(t, err)
	defer second.Close()
	assert.False(t, second.IsPrimary())
}

func TestFileLeaseHandsOffOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.lock")

	first, err := NewFileLease(path)
	require.NoError(t, err)

	second, err := NewFileLease(path)
	require.NoError(t, err)
	defer second.Close()
	require.False(t, second.IsPrimary())

	var becamePrimary bool
	done := make(chan struct{})
	second.OnAuthorityChange(func(isPrimary bool) {
		if isPrimary {
			becamePrimary = true
			close(done)
		}
	})

	require.NoError(t, first.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second process never acquired the lease after first released it")
	}
	assert.True(t, becamePrimary)
	assert.True(t, second.IsPrimary())
}
