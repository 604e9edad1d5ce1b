package calseg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	reg := NewRegistry("EPK_1.0.0")
	seg := New("KL1", []byte{0, 0, 0, 0})
	_, err := reg.Add(seg)
	require.NoError(t, err)
	require.NoError(t, seg.WriteAt(0, []byte{1, 2, 3, 4}))
	require.NoError(t, seg.Publish())
	seg.SetFreeze(true)

	path := filepath.Join(t.TempDir(), "cal.bin")
	st := NewStore(path)
	require.NoError(t, st.Save(reg))

	reg2 := NewRegistry("EPK_1.0.0")
	seg2 := New("KL1", []byte{0, 0, 0, 0})
	_, err = reg2.Add(seg2)
	require.NoError(t, err)

	loaded, skipped, err := st.Load(reg2)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 0, skipped)

	page := seg2.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, page)
	seg2.Unlock()
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	reg := NewRegistry("EPK")
	st := NewStore(filepath.Join(t.TempDir(), "missing.bin"))
	loaded, skipped, err := st.Load(reg)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, 0, skipped)
}

func TestLoadEpkMismatchSkipsWholeFile(t *testing.T) {
	reg := NewRegistry("EPK_1.0.0")
	seg := New("KL1", make([]byte, 4))
	_, err := reg.Add(seg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cal.bin")
	require.NoError(t, NewStore(path).Save(reg))

	reg2 := NewRegistry("EPK_2.0.0")
	seg2 := New("KL1", make([]byte, 4))
	_, err = reg2.Add(seg2)
	require.NoError(t, err)

	loaded, _, err := NewStore(path).Load(reg2)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
}

func TestLoadSkipsUnknownSegment(t *testing.T) {
	reg := NewRegistry("EPK")
	seg := New("KL1", make([]byte, 4))
	_, err := reg.Add(seg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cal.bin")
	require.NoError(t, NewStore(path).Save(reg))

	reg2 := NewRegistry("EPK")
	other := New("KL2", make([]byte, 4))
	_, err = reg2.Add(other)
	require.NoError(t, err)

	loaded, skipped, err := NewStore(path).Load(reg2)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, 1, skipped)
}
