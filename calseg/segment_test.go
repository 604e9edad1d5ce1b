package calseg

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockReturnsDefaultImageInitially(t *testing.T) {
	s := New("KL1", []byte{1, 2, 3, 4})
	page := s.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, page)
	s.Unlock()
}

func TestWriteThenPublishUpdatesReaders(t *testing.T) {
	s := New("KL1", []byte{0, 0, 0, 0})
	require.NoError(t, s.WriteAt(0, []byte{9, 9}))
	require.NoError(t, s.Publish())

	page := s.Lock()
	assert.Equal(t, []byte{9, 9, 0, 0}, page)
	s.Unlock()
}

func TestWriteAtOutOfRange(t *testing.T) {
	s := New("KL1", make([]byte, 4))
	err := s.WriteAt(3, []byte{1, 2})
	assert.Error(t, err)
}

func TestWriteAtRejectedUnderDefaultAccess(t *testing.T) {
	s := New("KL1", make([]byte, 4))
	s.SetXcpAccess(AccessDefault)
	err := s.WriteAt(0, []byte{1})
	assert.Error(t, err)
}

func TestEcuAccessSelectsDefaultPage(t *testing.T) {
	s := New("KL1", []byte{1, 1})
	require.NoError(t, s.WriteAt(0, []byte{2, 2}))
	require.NoError(t, s.Publish())

	s.SetEcuAccess(AccessDefault)
	page := s.Lock()
	assert.Equal(t, []byte{1, 1}, page)
	s.Unlock()

	s.SetEcuAccess(AccessWorking)
	page = s.Lock()
	assert.Equal(t, []byte{2, 2}, page)
	s.Unlock()
}

func TestCopyDefaultToWorking(t *testing.T) {
	s := New("KL1", []byte{7, 7})
	require.NoError(t, s.WriteAt(0, []byte{1, 1}))
	require.NoError(t, s.Publish())
	require.NoError(t, s.CopyDefaultToWorking())
	require.NoError(t, s.Publish())

	page := s.Lock()
	assert.Equal(t, []byte{7, 7}, page)
	s.Unlock()
}

func TestPublishDoesNotCorruptConcurrentReaders(t *testing.T) {
	s := New("KL1", make([]byte, 64))
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				page := s.Lock()
				sum := 0
				for _, b := range page {
					sum += int(b)
				}
				s.Unlock()
			}
		}(i)
	}

	for i := 0; i < 200; i++ {
		require.NoError(t, s.WriteAt(0, []byte{byte(i)}))
		require.NoError(t, s.Publish())
	}
	close(stop)
	wg.Wait()
}

func TestFreezeDefaultsFalse(t *testing.T) {
	s := New("KL1", make([]byte, 4))
	assert.False(t, s.Freeze())
	s.SetFreeze(true)
	assert.True(t, s.Freeze())
}

func TestPublishLazyFreeAllocatesWhenFreeBusy(t *testing.T) {
	s := New("KL1", make([]byte, 4), WithLazyFree())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Publish())
	}
}

func TestPublishTimesOutUnderHeldLock(t *testing.T) {
	s := New("KL1", make([]byte, 4), WithPublishTimeout(5*time.Millisecond))
	require.NoError(t, s.Publish())

	s.Lock() // never unlocked in this test, simulating a stuck reader
	err := s.Publish()
	assert.Error(t, err)
}
