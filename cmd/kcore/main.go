// Command kcore boots the kernel core as a demo harness: a single
// scheduler, an S5FS-backed root filesystem formatted in memory, and
// an init process that exercises a handful of syscalls, wired through
// a cobra CLI the way a hosted system configures and launches itself
// rather than starting from a bare-metal boot line.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"kcore/blockdev"
	"kcore/defs"
	"kcore/devfs"
	"kcore/kconfig"
	"kcore/klog"
	"kcore/kmetrics"
	"kcore/proc"
	"kcore/s5fs"
	"kcore/sched"
	"kcore/syscalls"
	"kcore/vfs"
)

var log = klog.For("kcore")

func main() {
	var cfgFile string
	var nblocks int
	var verbose bool

	root := &cobra.Command{
		Use:   "kcore",
		Short: "educational monolithic kernel core, run as a hosted Go process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := kconfig.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if verbose {
				klog.SetLevel(slog.LevelDebug)
			}
			return run(cfg, nblocks)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to a kcore config file")
	root.Flags().IntVar(&nblocks, "disk-blocks", 4096, "size of the in-memory root disk, in blocks")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Kernel_t bundles every subsystem instance that makes up one booted
// core, the way the teacher's kernel package bundles the global
// scheduler/proctable/devices a bare-metal boot would otherwise thread
// through package-level variables.
type Kernel_t struct {
	Cfg     *kconfig.Config
	Sched   *sched.Sched_t
	Idle    *sched.Thread_t
	Procs   *proc.Table_t
	Sys     *syscalls.Table_t
	Mount   *vfs.Mount_t
	Devices *devfs.Registry_t
	Metrics *kmetrics.Registry
}

// Boot wires every subsystem together and returns a ready-to-use
// kernel: an idle thread parked in the scheduler, a formatted S5FS
// root filesystem, and a populated device registry. The idle thread's
// goroutine does nothing but repeatedly hand the CPU to whatever else
// is runnable, exactly the loop a real idle kthread runs while there
// is nothing better to do.
func Boot(cfg *kconfig.Config, nblocks int) (*Kernel_t, error) {
	metrics := kmetrics.New()

	idle := sched.NewThread(0)
	sc := sched.New(idle)
	sc.SetMetrics(metrics)
	go func() {
		idle.Await()
		for {
			sc.Switch(idle)
		}
	}()

	disk := blockdev.New(nblocks)
	fs, err := s5fs.Mkfs(disk, cfg)
	if err != 0 {
		return nil, fmt.Errorf("mkfs: %v", err)
	}
	fs.SetMetrics(metrics)
	rootOps, err := fs.RootOps()
	if err != 0 {
		return nil, fmt.Errorf("root inode: %v", err)
	}
	mount := vfs.NewMount(rootOps)
	devices := devfs.NewRegistry(4)

	procs := proc.NewTable(sc)
	procs.SetMetrics(metrics)
	sys := syscalls.NewTable(procs, sc)

	return &Kernel_t{
		Cfg: cfg, Sched: sc, Idle: idle, Procs: procs, Sys: sys,
		Mount: mount, Devices: devices, Metrics: metrics,
	}, nil
}

// SpawnInit creates PID 1 with a fresh vfs.Context_t and its single
// thread running entry, exactly like the teacher's kernel_init
// trampoline (kernel package) handing off to /bin/init's first thread.
func (k *Kernel_t) SpawnInit(entry func(*proc.Thread_t, *syscalls.Table_t)) {
	p, kt := k.Procs.Create(nil)
	ctx := vfs.NewContext(k.Mount, k.Cfg.NOFILE, k.Devices)
	k.Sys.Attach(p, ctx)

	go func() {
		kt.Await()
		entry(kt, k.Sys)
		k.Procs.ThreadExit(kt, 0)
	}()
	k.Sched.MakeRunnable(kt.Thread_t)
}

func run(cfg *kconfig.Config, nblocks int) error {
	k, err := Boot(cfg, nblocks)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	k.SpawnInit(func(kt *proc.Thread_t, sys *syscalls.Table_t) {
		defer close(done)
		demo(kt, sys)
	})

	k.Sched.Start(k.Idle)
	<-done
	return nil
}

// demo exercises a representative slice of the syscall surface: create
// a directory, create and write a file inside it, seek back, read it
// and close it, logging any failed call and the bytes read back.
func demo(kt *proc.Thread_t, sys *syscalls.Table_t) {
	call := func(name string, nr syscalls.Sysno, args ...any) int {
		ret, err := sys.Dispatch(kt, nr, args...)
		if err != 0 {
			log.Warnf("%s failed: %v", name, err)
			return -1
		}
		return ret
	}

	call("mkdir", syscalls.SYS_MKDIR, "/tmp")
	fd := call("open", syscalls.SYS_OPEN, "/tmp/hello", defs.O_CREAT|defs.O_RDWR)
	if fd < 0 {
		return
	}
	call("write", syscalls.SYS_WRITE, fd, []byte("hello, kcore\n"))
	call("lseek", syscalls.SYS_LSEEK, fd, 0, defs.SEEK_SET)

	buf := make([]byte, 64)
	n, rerr := sys.Dispatch(kt, syscalls.SYS_READ, fd, buf)
	if rerr == 0 {
		log.Infof("read back: %q", string(buf[:n]))
	}
	call("close", syscalls.SYS_CLOSE, fd)
}
