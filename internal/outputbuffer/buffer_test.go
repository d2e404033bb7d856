package outputbuffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAssignsMonotonicSeq(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "sess.json"), "sess-1", 10)
	require.NoError(t, err)

	seq0, _ := b.Push([]byte(`"a"`))
	seq1, _ := b.Push([]byte(`"b"`))

	assert.Equal(t, int64(0), seq0)
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), b.NextSeq())
}

func TestAcknowledgeDropsUpToSeq(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "sess.json"), "sess-1", 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Push([]byte(`{}`))
	}
	b.Acknowledge(2)

	pending := b.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, int64(3), pending[0].Seq)
	assert.Equal(t, int64(4), pending[1].Seq)
}

func TestAcknowledgeIgnoresStaleAck(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "sess.json"), "sess-1", 10)
	require.NoError(t, err)

	b.Push([]byte(`{}`))
	b.Acknowledge(0)
	b.Acknowledge(0) // stale, must not reset lastAckSeq below itself

	assert.Equal(t, int64(0), b.LastAckSeq())
}

func TestPushEvictsOldestOnOverflow(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "sess.json"), "sess-1", 3)
	require.NoError(t, err)

	var lastEvicted []int64
	for i := 0; i < 5; i++ {
		_, evicted := b.Push([]byte(`{}`))
		for _, e := range evicted {
			lastEvicted = append(lastEvicted, e.Seq)
		}
	}

	assert.Equal(t, []int64{0, 1}, lastEvicted)
	assert.Len(t, b.Pending(), 3)
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess.json")
	b, err := Load(path, "sess-1", 10)
	require.NoError(t, err)

	b.Push([]byte(`"a"`))
	b.Push([]byte(`"b"`))
	b.Acknowledge(0)
	require.NoError(t, b.Persist())
	assert.False(t, b.Dirty())

	reloaded, err := Load(path, "sess-1", 10)
	require.NoError(t, err)

	assert.Equal(t, int64(2), reloaded.NextSeq())
	assert.Equal(t, int64(0), reloaded.LastAckSeq())
	require.Len(t, reloaded.Pending(), 1)
	assert.Equal(t, int64(1), reloaded.Pending()[0].Seq)
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "missing.json"), "sess-1", 10)
	require.NoError(t, err)

	assert.Equal(t, int64(0), b.NextSeq())
	assert.Empty(t, b.Pending())
}

func TestLoadDiscardsAckedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess.json")
	b, err := Load(path, "sess-1", 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Push([]byte(`{}`))
	}
	b.Acknowledge(4)
	require.NoError(t, b.Persist())

	reloaded, err := Load(path, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Pending())
	assert.Equal(t, int64(4), reloaded.LastAckSeq())
}
