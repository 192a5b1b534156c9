package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/blockdev"
	"kcore/defs"
	"kcore/devfs"
	"kcore/kconfig"
	"kcore/proc"
	"kcore/s5fs"
	"kcore/sched"
	"kcore/vfs"
)

func newTestTable(t *testing.T) (*Table_t, *proc.Thread_t) {
	t.Helper()
	sc := sched.New(sched.NewThread(0))
	procs := proc.NewTable(sc)
	tbl := NewTable(procs, sc)

	fs, err := s5fs.Mkfs(blockdev.New(64), kconfig.Default())
	require.Equal(t, defs.Err_t(0), err)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)
	mount := vfs.NewMount(root)
	ctx := vfs.NewContext(mount, 16, devfs.NewRegistry(1))

	k, kt := procs.Create(nil)
	tbl.Attach(k, ctx)
	return tbl, kt
}

func TestOpenWriteReadRoundTripThroughDispatch(t *testing.T) {
	tbl, kt := newTestTable(t)

	fd, err := tbl.Dispatch(kt, SYS_OPEN, "/greeting", defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	n, err := tbl.Dispatch(kt, SYS_WRITE, fd, []byte("o hai"))
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, len("o hai"), n)

	_, err = tbl.Dispatch(kt, SYS_LSEEK, fd, 0, defs.SEEK_SET)
	require.Equal(t, defs.Err_t(0), err)

	buf := make([]byte, 16)
	rn, err := tbl.Dispatch(kt, SYS_READ, fd, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "o hai", string(buf[:rn]))
}

func TestGetpidReturnsCallersPid(t *testing.T) {
	tbl, kt := newTestTable(t)
	ret, err := tbl.Dispatch(kt, SYS_GETPID)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, int(kt.Proc.Pid), ret)
}

func TestUnknownSyscallIsEINVAL(t *testing.T) {
	tbl, kt := newTestTable(t)
	_, err := tbl.Dispatch(kt, Sysno(999))
	assert.Equal(t, defs.EINVAL.Neg(), err)
}

func TestDispatchRecoversPanicAsEFAULT(t *testing.T) {
	tbl, kt := newTestTable(t)
	// SYS_WRITE's argument type assertion panics when handed the wrong
	// type; Dispatch must recover it into EFAULT rather than crash.
	ret, err := tbl.Dispatch(kt, SYS_WRITE, "not-an-fd", 42)
	assert.Equal(t, -1, ret)
	assert.Equal(t, defs.EFAULT.Neg(), err)
}

func TestMkdirThenOpenInsideIt(t *testing.T) {
	tbl, kt := newTestTable(t)
	_, err := tbl.Dispatch(kt, SYS_MKDIR, "/sub")
	require.Equal(t, defs.Err_t(0), err)

	fd, err := tbl.Dispatch(kt, SYS_OPEN, "/sub/file", defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)
	assert.GreaterOrEqual(t, fd, 0)
}

// TestForkWaitpidRoundTrip exercises SYS_FORK followed by SYS_WAITPID
// end to end through real scheduler dispatch: the forked child's
// trampoline goroutine (proc.Table_t.DoFork) only runs once the
// scheduler actually switches to it, so the caller's own syscalls run
// inside a goroutine awaiting its turn, started the same way
// cmd/kcore's SpawnInit drives its init thread.
func TestForkWaitpidRoundTrip(t *testing.T) {
	sc := sched.New(sched.NewThread(0))
	procs := proc.NewTable(sc)
	tbl := NewTable(procs, sc)

	fs, err := s5fs.Mkfs(blockdev.New(64), kconfig.Default())
	require.Equal(t, defs.Err_t(0), err)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)
	mount := vfs.NewMount(root)
	ctx := vfs.NewContext(mount, 16, devfs.NewRegistry(1))

	k, kt := procs.Create(nil)
	tbl.Attach(k, ctx)

	var childPid, waited, status int
	var forkErr, waitErr defs.Err_t
	done := make(chan struct{})
	go func() {
		defer close(done)
		kt.Await()
		childPid, forkErr = tbl.Dispatch(kt, SYS_FORK)
		var st int
		waited, waitErr = tbl.Dispatch(kt, SYS_WAITPID, defs.Pid_t(childPid), &st)
		status = st
	}()
	sc.Start(kt.Thread_t)
	<-done

	require.Equal(t, defs.Err_t(0), forkErr)
	assert.Greater(t, childPid, 0)
	require.Equal(t, defs.Err_t(0), waitErr)
	assert.Equal(t, childPid, waited, "waitpid's ret must be the reaped child's pid, not its status")
	assert.Equal(t, 0, status, "child's trampoline exits with status 0")
}

func TestDispatchForUnattachedProcessIsEINVAL(t *testing.T) {
	sc := sched.New(sched.NewThread(0))
	procs := proc.NewTable(sc)
	tbl := NewTable(procs, sc)
	k, kt := procs.Create(nil) // never Attach'd
	_ = k

	_, err := tbl.Dispatch(kt, SYS_GETPID)
	assert.Equal(t, defs.EINVAL.Neg(), err)
}
