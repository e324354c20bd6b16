package msgport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRegisteredConn(t *testing.T, reg *Registry, tag uint32) (*Conn, *recordingConn) {
	t.Helper()

	rc := newRecordingConn(nil)
	c, err := NewConn(rc, RegistryOption(reg), TagOption(tag))
	require.NoError(t, err)
	return c, rc
}

func TestRegistryRegisterDeregister(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, 0, reg.Len())

	c, _ := newRegisteredConn(t, reg, 0)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, c.Close())
	require.Equal(t, 0, reg.Len())
}

func TestShutdownAllSkipsTaggedConnections(t *testing.T) {
	const (
		tagA = 0b01
		tagB = 0b10
	)

	reg := NewRegistry()
	connA, rcA := newRegisteredConn(t, reg, tagA)
	connB, rcB := newRegisteredConn(t, reg, tagB)
	connAB, rcAB := newRegisteredConn(t, reg, tagA|tagB)

	// skipMask is an exclusion filter: anything intersecting tagA survives.
	reg.ShutdownAll(tagA)

	require.False(t, connA.IsClosed())
	require.False(t, rcA.isClosed())
	require.True(t, connB.IsClosed())
	require.True(t, rcB.isClosed())
	require.False(t, connAB.IsClosed())
	require.False(t, rcAB.isClosed())

	// Shut-down connections stay registered until their own Close runs.
	require.Equal(t, 3, reg.Len())
}

func TestShutdownAllZeroMaskClosesEverything(t *testing.T) {
	reg := NewRegistry()
	a, _ := newRegisteredConn(t, reg, 0b01)
	b, _ := newRegisteredConn(t, reg, 0)

	reg.ShutdownAll(0)

	require.True(t, a.IsClosed())
	require.True(t, b.IsClosed())
}

func TestRegistryConcurrentUse(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(tag uint32) {
			defer wg.Done()
			rc := newRecordingConn(nil)
			c, err := NewConn(rc, RegistryOption(reg), TagOption(tag))
			if err != nil {
				t.Error(err)
				return
			}
			reg.ShutdownAll(1)
			_ = c.Close()
		}(uint32(i % 2))
	}
	wg.Wait()

	require.Equal(t, 0, reg.Len())
}
