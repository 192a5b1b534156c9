package devfs

import "testing"

import "github.com/stretchr/testify/assert"

func TestRingWriteReadWraparound(t *testing.T) {
	r := NewRing(4)
	assert.Equal(t, 3, r.Write([]byte("abc")))
	out := make([]byte, 2)
	assert.Equal(t, 2, r.Read(out))
	assert.Equal(t, "ab", string(out))

	// Reading "ab" freed the first two bytes of the 4-byte array; this
	// 3-byte write runs past the array's end, so Write must wrap.
	assert.Equal(t, 3, r.Write([]byte("def")))
	rest := make([]byte, 8)
	n := r.Read(rest)
	assert.Equal(t, "cdef", string(rest[:n]))
}

func TestRingWriteStopsAtCapacity(t *testing.T) {
	r := NewRing(2)
	assert.Equal(t, 2, r.Write([]byte("xyz")))
	assert.True(t, r.Full())
	assert.Equal(t, 0, r.Write([]byte("z")))
}

func TestRingReadFromEmptyReturnsZero(t *testing.T) {
	r := NewRing(4)
	assert.True(t, r.Empty())
	assert.Equal(t, 0, r.Read(make([]byte, 4)))
}
