package devfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/defs"
)

func TestRegistryResolvesWellKnownDevices(t *testing.T) {
	r := NewRegistry(2)

	null, err := r.Lookup(defs.Mkdev(defs.D_DEVNULL, 0))
	require.Equal(t, defs.Err_t(0), err)
	assert.IsType(t, &Null_t{}, null)

	zero, err := r.Lookup(defs.Mkdev(defs.D_DEVZERO, 0))
	require.Equal(t, defs.Err_t(0), err)
	assert.IsType(t, &Zero_t{}, zero)

	tty0, err := r.Lookup(defs.Mkdev(defs.D_TTY, 0))
	require.Equal(t, defs.Err_t(0), err)
	assert.IsType(t, &Tty_t{}, tty0)

	tty1, err := r.Lookup(defs.Mkdev(defs.D_TTY, 1))
	require.Equal(t, defs.Err_t(0), err)
	assert.NotSame(t, tty0, tty1, "each tty slot must be an independent device")
}

func TestLookupUnknownDeviceIsError(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Lookup(defs.Mkdev(99, 99))
	assert.Equal(t, defs.ENOENT.Neg(), err)
}

func TestRegisterOverwritesPreviousOccupant(t *testing.T) {
	r := NewRegistry(0)
	id := defs.Mkdev(50, 0)
	r.Register(id, &Null_t{})
	r.Register(id, &Zero_t{})

	d, err := r.Lookup(id)
	require.Equal(t, defs.Err_t(0), err)
	assert.IsType(t, &Zero_t{}, d)
}

func TestNullDiscardsWritesAndReadsEmpty(t *testing.T) {
	n := &Null_t{}
	written, err := n.Write([]byte("discarded"), 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, len("discarded"), written)

	buf := make([]byte, 8)
	nread, err := n.Read(buf, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 0, nread)
}

func TestZeroFillsReadsAndDiscardsWrites(t *testing.T) {
	z := &Zero_t{}
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := z.Read(buf, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 8, n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}

	written, err := z.Write([]byte("ignored"), 3)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, len("ignored"), written)
}

func TestTtyWriteThenReadIsFIFO(t *testing.T) {
	tty := NewTty()
	_, err := tty.Write([]byte("hello "), 0)
	require.Equal(t, defs.Err_t(0), err)
	_, err = tty.Write([]byte("world"), 0)
	require.Equal(t, defs.Err_t(0), err)

	assert.Equal(t, "hello world", tty.String())

	buf := make([]byte, 5)
	n, err := tty.Read(buf, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "hello", string(buf[:n]))

	rest := make([]byte, 16)
	n2, err := tty.Read(rest, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, " world", string(rest[:n2]))
}
