// Package syscalls implements the numeric syscall dispatch table of
// SPEC_FULL.md's [ADDED 4.12]: the single entry point user-level code
// goes through to reach proc/vfs/vmm, argument-validating and
// translating invariant-violation panics into a killed process with
// EFAULT, mirroring the teacher's syscall front door (biscuit/src/
// kernel's trap dispatch) generalized from a trap-frame ABI to plain
// Go function arguments.
package syscalls

import (
	"kcore/defs"
	"kcore/klog"
	"kcore/proc"
	"kcore/sched"
	"kcore/ustr"
	"kcore/vfs"
	"kcore/vmm"
)

var log = klog.For("syscalls")

// Sysno enumerates the syscalls spec.md §6 lists.
type Sysno int

const (
	SYS_OPEN Sysno = iota
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_LSEEK
	SYS_DUP
	SYS_DUP2
	SYS_MKDIR
	SYS_RMDIR
	SYS_MKNOD
	SYS_LINK
	SYS_UNLINK
	SYS_RENAME
	SYS_CHDIR
	SYS_STAT
	SYS_GETDENT
	SYS_MMAP
	SYS_MUNMAP
	SYS_FORK
	SYS_EXEC
	SYS_WAITPID
	SYS_EXIT
	SYS_GETPID
	SYS_KILL
	SYS_BRK
)

// Proc_t bundles the per-process state split across proc/vfs/vmm that
// a syscall dispatch needs in one place, since proc doesn't import vfs
// (proc.Proc_t carries its vmm.Vm_t but no vfs state) and vfs doesn't
// import vmm.
type Proc_t struct {
	K   *proc.Proc_t
	Ctx *vfs.Context_t
	brk int // current program-break offset, bytes from the brk area's start
}

// Table_t dispatches syscalls for every live process, tracking the
// per-process state Proc_t bundles.
type Table_t struct {
	procs *proc.Table_t
	sc    *sched.Sched_t
	procd map[defs.Pid_t]*Proc_t
}

// NewTable returns a dispatcher bound to procs/sc.
func NewTable(procs *proc.Table_t, sc *sched.Sched_t) *Table_t {
	return &Table_t{procs: procs, sc: sc, procd: make(map[defs.Pid_t]*Proc_t)}
}

// Attach records the vfs.Context_t for a freshly created process,
// completing the binding proc_create doesn't do itself.
func (t *Table_t) Attach(k *proc.Proc_t, ctx *vfs.Context_t) *Proc_t {
	p := &Proc_t{K: k, Ctx: ctx}
	t.procd[k.Pid] = p
	return p
}

func (t *Table_t) lookup(pid defs.Pid_t) (*Proc_t, defs.Err_t) {
	p, ok := t.procd[pid]
	if !ok {
		return nil, defs.EINVAL.Neg()
	}
	return p, 0
}

// Dispatch invokes syscall nr for caller with generic arguments,
// recovering any panic raised by an invariant assertion deep in
// proc/vfs/vmm instead of crashing the calling goroutine: the calling
// process is put through DoExit with EFAULT as its exit status (its
// threads unwind at their next cancellation point) and EFAULT is
// returned (spec.md §7's "process is killed with EFAULT").
func (t *Table_t) Dispatch(caller *proc.Thread_t, nr Sysno, args ...any) (ret int, err defs.Err_t) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pid %d: syscall %d panicked: %v", caller.Proc.Pid, nr, r)
			t.procs.DoExit(caller.Proc, int(defs.EFAULT))
			ret, err = -1, defs.EFAULT.Neg()
		}
	}()

	p, e := t.lookup(caller.Proc.Pid)
	if e != 0 {
		return -1, e
	}

	switch nr {
	case SYS_OPEN:
		path, flags := args[0].(string), args[1].(int)
		fd, err := p.Ctx.DoOpen(ustr.Ustr(path), flags)
		return fd, err
	case SYS_CLOSE:
		return 0, p.Ctx.DoClose(args[0].(int))
	case SYS_READ:
		n, err := p.Ctx.DoRead(args[0].(int), args[1].([]byte))
		return n, err
	case SYS_WRITE:
		n, err := p.Ctx.DoWrite(args[0].(int), args[1].([]byte))
		return n, err
	case SYS_LSEEK:
		n, err := p.Ctx.DoLseek(args[0].(int), args[1].(int), args[2].(int))
		return n, err
	case SYS_DUP:
		n, err := p.Ctx.DoDup(args[0].(int))
		return n, err
	case SYS_DUP2:
		return 0, p.Ctx.DoDup2(args[0].(int), args[1].(int))
	case SYS_MKDIR:
		return 0, p.Ctx.DoMkdir(ustr.Ustr(args[0].(string)))
	case SYS_RMDIR:
		return 0, p.Ctx.DoRmdir(ustr.Ustr(args[0].(string)))
	case SYS_MKNOD:
		path, itype, dev := args[0].(string), args[1].(defs.Itype_t), args[2].(uint16)
		return 0, p.Ctx.DoMknod(ustr.Ustr(path), itype, dev)
	case SYS_LINK:
		return 0, p.Ctx.DoLink(ustr.Ustr(args[0].(string)), ustr.Ustr(args[1].(string)))
	case SYS_UNLINK:
		return 0, p.Ctx.DoUnlink(ustr.Ustr(args[0].(string)))
	case SYS_RENAME:
		return 0, p.Ctx.DoRename(ustr.Ustr(args[0].(string)), ustr.Ustr(args[1].(string)))
	case SYS_CHDIR:
		return 0, p.Ctx.DoChdir(ustr.Ustr(args[0].(string)))
	case SYS_STAT:
		st, err := p.Ctx.DoStat(args[0].(int))
		if err != 0 {
			return -1, err
		}
		return st.Size, 0
	case SYS_GETDENT:
		_, _, more, err := p.Ctx.DoGetdent(args[0].(int), args[1].(int))
		if !more {
			return 0, err
		}
		return 1, err
	case SYS_MMAP:
		return t.doMmap(p, args)
	case SYS_MUNMAP:
		lopage, npages := args[0].(int), args[1].(int)
		return 0, p.K.Vm.Munmap(lopage, npages)
	case SYS_FORK:
		return t.doFork(caller, p)
	case SYS_EXEC:
		return t.doExec(p, args[0].(int))
	case SYS_WAITPID:
		return t.doWaitpid(caller, p, args[0].(defs.Pid_t), args[1].(*int))
	case SYS_EXIT:
		t.procs.DoExit(p.K, args[0].(int))
		return 0, 0
	case SYS_GETPID:
		return int(p.K.Pid), 0
	case SYS_KILL:
		return t.doKill(args[0].(defs.Pid_t))
	case SYS_BRK:
		return t.doBrk(p, args[0].(int))
	}
	return -1, defs.EINVAL.Neg()
}

func (t *Table_t) doMmap(p *Proc_t, args []any) (int, defs.Err_t) {
	lopage, npages, prot := args[0].(int), args[1].(int), args[2].(int)
	flags, off, dir := args[3].(vmm.MapFlags), args[4].(int), args[5].(vmm.Direction)
	var file vmm.FileMapper
	if f, ok := args[6].(vmm.FileMapper); ok {
		file = f
	}
	area, err := p.K.Vm.Mmap(file, lopage, npages, prot, flags, off, dir)
	if err != 0 {
		return -1, err
	}
	return area.Start, 0
}

// doFork implements the fork(2) front door: clone the address space
// (COW, via vmm.Vm_t.Fork) and the vfs context (shared open file
// descriptions, fresh fd table), hand the child its own trampoline
// goroutine via proc.Table_t.DoFork, and return the child's pid to the
// calling thread. The child's thread runs an empty entry function and
// exits with status 0 as soon as it is scheduled: none of the parent's
// code continues in the child.
func (t *Table_t) doFork(caller *proc.Thread_t, p *Proc_t) (int, defs.Err_t) {
	childCtx := p.Ctx.Fork()
	child, _ := t.procs.DoFork(p.K, func(kt *proc.Thread_t) {})
	t.Attach(child, childCtx)
	return int(child.Pid), 0
}

// doExec implements a minimal exec(2): discard the calling process's
// address space and install a fresh one sized from an in-memory
// program image, since no ELF loader is in scope (spec.md's Non-goals
// do not exclude this; only signals and symlinks are excluded). The
// replacement is a single anonymous, read-write, private mapping
// imageNpages long, placed by a low-to-high search of the emptied map
// and so starting at vmm.VPNMin, standing in for the loaded program
// image.
func (t *Table_t) doExec(p *Proc_t, imageNpages int) (int, defs.Err_t) {
	p.K.Vm.Destroy()
	p.brk = 0
	_, err := p.K.Vm.Mmap(nil, 0, imageNpages, defs.PROT_R|defs.PROT_W, vmm.MAP_PRIVATE|vmm.MAP_ANON, 0, vmm.LOHI)
	if err != 0 {
		return -1, err
	}
	return 0, 0
}

// doWaitpid implements the waitpid(2) front door: pid is returned as
// the syscall's ret value and the exit status is delivered through the
// status out-parameter, matching waitpid(pid_t pid, int *status, int
// options) rather than returning status in ret's place.
func (t *Table_t) doWaitpid(caller *proc.Thread_t, p *Proc_t, pid defs.Pid_t, status *int) (int, defs.Err_t) {
	dead, st, err := t.procs.DoWaitpid(caller, p.K, pid)
	if err != 0 {
		return -1, err
	}
	delete(t.procd, dead)
	if status != nil {
		*status = st
	}
	return int(dead), 0
}

// doKill marks target's process doomed (reusing do_exit's doom-and-
// cancel machinery with a conventional killed-status), observed at
// each of its threads' next cancellation point -- the bare
// process-kill primitive spec.md's Non-goals leave unexcluded (full
// signal delivery is what is out of scope).
func (t *Table_t) doKill(target defs.Pid_t) (int, defs.Err_t) {
	victim, ok := t.procs.Lookup(target)
	if !ok {
		return -1, defs.EINVAL.Neg()
	}
	t.procs.DoExit(victim, -1)
	return 0, 0
}

func (t *Table_t) doBrk(p *Proc_t, newbrk int) (int, defs.Err_t) {
	if newbrk < 0 {
		return -1, defs.EINVAL.Neg()
	}
	p.brk = newbrk
	return p.brk, 0
}
