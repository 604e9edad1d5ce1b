package queue

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitPeekRoundTrip(t *testing.T) {
	q := New(256)
	data, h, err := q.Reserve(4)
	require.NoError(t, err)
	copy(data, []byte{1, 2, 3, 4})
	q.Commit(h)

	out := make([]byte, 64)
	n, lost, err := q.Peek(context.Background(), out)
	require.NoError(t, err)
	assert.EqualValues(t, 0, lost)
	require.Equal(t, HeaderSize+4, n)
	assert.EqualValues(t, 4, binary.LittleEndian.Uint16(out[0:2]))
	assert.Equal(t, []byte{1, 2, 3, 4}, out[HeaderSize:HeaderSize+4])
}

func TestPeekStopsAtReservedEntry(t *testing.T) {
	q := New(256)
	_, h1, err := q.Reserve(4)
	require.NoError(t, err)
	_, h2, err := q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h2) // commit second before first: peek must still only see a contiguous committed prefix

	out := make([]byte, 64)
	n, _ := q.TryPeek(out)
	assert.Equal(t, 0, n, "first entry still reserved, nothing should drain")

	q.Commit(h1)
	n, _ = q.TryPeek(out)
	assert.Equal(t, 2*(HeaderSize+4), n)
}

func TestLossAccountingResetsAfterPeek(t *testing.T) {
	q := New(8) // room for exactly one 8-byte entry (4-byte header + 4-byte payload)
	_, h, err := q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h)

	for i := 0; i < 5; i++ {
		_, _, err := q.Reserve(4)
		assert.ErrorIs(t, err, ErrFull)
	}
	assert.EqualValues(t, 5, q.LostCount())

	out := make([]byte, 64)
	_, lost := q.TryPeek(out)
	assert.EqualValues(t, 5, lost)
	assert.EqualValues(t, 0, q.LostCount())
}

func TestCounterMonotonicity(t *testing.T) {
	q := New(1024)
	out := make([]byte, 1024)
	for i := 0; i < 10; i++ {
		_, h, err := q.Reserve(2)
		require.NoError(t, err)
		q.Commit(h)
		n, _ := q.TryPeek(out)
		require.Greater(t, n, 0)
		ctr := binary.LittleEndian.Uint16(out[2:4])
		assert.EqualValues(t, i, ctr)
	}
}

func TestFlushReturnsBelowThreshold(t *testing.T) {
	q := New(1024)
	q.RequestFlush()
	out := make([]byte, 1024)
	n, _, err := q.Peek(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPeekBlocksUntilCommit(t *testing.T) {
	q := New(1024)
	done := make(chan int, 1)
	go func() {
		out := make([]byte, 1024)
		n, _, err := q.Peek(context.Background(), out)
		require.NoError(t, err)
		done <- n
	}()

	time.Sleep(10 * time.Millisecond)
	_, h, err := q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h)

	select {
	case n := <-done:
		assert.Equal(t, HeaderSize+4, n)
	case <-time.After(time.Second):
		t.Fatal("Peek never returned after commit")
	}
}

func TestPeekCancelledByContext(t *testing.T) {
	q := New(1024)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := q.Peek(ctx, make([]byte, 64))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWraparoundWastesTailAndSucceeds(t *testing.T) {
	// 20 is not a multiple of the 8-byte entry size, so the third
	// reservation below lands at offset 16 and doesn't fit before the
	// ring boundary (16+8 > 20): it must straddle, wasting the last 4
	// bytes of the buffer and restarting the entry at offset 0.
	q := New(20)
	out := make([]byte, 1024)

	_, h1, err := q.Reserve(4) // offset 0, headCount 0 -> 8
	require.NoError(t, err)
	q.Commit(h1)
	n, _ := q.TryPeek(out)
	require.Equal(t, 8, n) // tailCount=8

	_, h2, err := q.Reserve(4) // offset 8, fits to 16, headCount 8 -> 16
	require.NoError(t, err)
	q.Commit(h2)
	n, _ = q.TryPeek(out)
	require.Equal(t, 8, n) // tailCount=16

	// offset would be 16, 16+8=24 > 20: straddles, wasting 4 bytes and
	// wrapping to offset 0. This is the branch the reclaim bug lived in.
	_, h3, err := q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h3)
	n, _ = q.TryPeek(out)
	require.Equal(t, 8, n, "only the 8 real entry bytes are copied out, not the wasted padding")

	// If the wasted 4 bytes weren't reclaimed into tailCount, headCount
	// and tailCount would never converge again and the queue would
	// eventually report ErrFull forever even though nothing is pending.
	require.Zero(t, q.Len())
	for i := 0; i < 100; i++ {
		_, h, err := q.Reserve(4)
		require.NoError(t, err, "a drained queue must never spuriously report ErrFull")
		q.Commit(h)
		_, _ = q.TryPeek(out)
	}
}

func TestPeekWithEfficiencyThresholdPacesBelowThresholdFlushes(t *testing.T) {
	q := New(1<<16, WithEfficiencyThreshold(64, rate.Limit(20))) // ~50ms between below-threshold flushes
	out := make([]byte, 256)

	_, h, err := q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h)
	n, _, err := q.Peek(context.Background(), out) // consumes the initial burst token
	require.NoError(t, err)
	require.Greater(t, n, 0)

	_, h, err = q.Reserve(4)
	require.NoError(t, err)
	q.Commit(h)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, _, err = q.Peek(ctx, out)
	require.NoError(t, err)
	assert.Greater(t, n, 0, "limiter must eventually release a below-threshold flush instead of starving it")
	assert.Greater(t, time.Since(start), 10*time.Millisecond, "a depleted limiter token should pace the second below-threshold flush")
}

func TestPeekWithEfficiencyThresholdFlushesImmediatelyOnPriority(t *testing.T) {
	q := New(1<<16, WithEfficiencyThreshold(4096, rate.Limit(1)))
	_, h, err := q.ReservePriority(4)
	require.NoError(t, err)
	q.Commit(h)

	out := make([]byte, 256)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, _, err := q.Peek(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+4, n, "a priority commit's flush request bypasses the efficiency threshold")
}

func TestConcurrentProducersNoTornReads(t *testing.T) {
	q := New(1 << 16)
	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 200
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				data, h, err := q.Reserve(4)
				if err != nil {
					continue
				}
				binary.LittleEndian.PutUint16(data, uint16(id))
				binary.LittleEndian.PutUint16(data[2:], uint16(i))
				q.Commit(h)
			}
		}(p)
	}
	wg.Wait()

	out := make([]byte, 1<<16)
	n, _ := q.TryPeek(out)
	assert.Equal(t, 0, n%(HeaderSize+4))
}
