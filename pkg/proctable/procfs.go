package proctable

import (
	"context"
	"os"
	"syscall"

	"emperror.dev/errors"
	"github.com/prometheus/procfs"
)

// pfKthread is the PF_KTHREAD flag of /proc/<pid>/stat.
const pfKthread = 0x00200000

// ProcFS reads a Linux process table mounted at an arbitrary root.
type ProcFS struct {
	fs   procfs.FS
	root string
}

var _ Provider = (*ProcFS)(nil)

func NewProcFS(root string) (*ProcFS, error) {
	if root == "" {
		root = DefaultProcRoot
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, errors.Wrapf(err, "opening process table at %s", root)
	}
	return &ProcFS{fs: fs, root: root}, nil
}

func (p *ProcFS) Root() string {
	return p.root
}

func (p *ProcFS) Snapshot(ctx context.Context) ([]Process, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, errors.Wrapf(err, "listing processes in %s", p.root)
	}

	result := make([]Process, 0, len(procs))
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Entries vanishing while the table is listed are simply not part of the snapshot.
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		args, err := proc.CmdLine()
		if err != nil {
			continue
		}
		result = append(result, &procfsProcess{
			proc:    proc,
			name:    ProcessName(comm, args),
			cmdline: JoinCmdline(args),
		})
	}
	return result, nil
}

func (p *ProcFS) MemoryTotal(_ context.Context) (uint64, error) {
	info, err := p.fs.Meminfo()
	if err != nil {
		return 0, errors.Wrapf(err, "reading meminfo in %s", p.root)
	}
	if info.MemTotal == nil {
		return 0, errors.Errorf("meminfo in %s has no MemTotal", p.root)
	}
	// meminfo values are kB.
	return *info.MemTotal * 1024, nil
}

type procfsProcess struct {
	proc    procfs.Proc
	name    string
	cmdline string
}

func (p *procfsProcess) PID() int32      { return int32(p.proc.PID) }
func (p *procfsProcess) Name() string    { return p.name }
func (p *procfsProcess) Cmdline() string { return p.cmdline }

// Read takes stat and smaps_rollup of the same process in one go, so CPU and memory
// are sampled at (almost) the same instant.
func (p *procfsProcess) Read(_ context.Context) (Usage, ReadStatus, error) {
	stat, err := p.proc.Stat()
	if err != nil {
		if isGone(err) {
			return Usage{}, ReadGone, nil
		}
		return Usage{}, ReadOK, errors.Wrapf(err, "reading stat of pid %d", p.proc.PID)
	}
	if stat.State == "Z" {
		return Usage{}, ReadZombie, nil
	}

	usage := Usage{
		StartTime:  stat.Starttime,
		CPUTimeSec: stat.CPUTime(),
	}

	// Kernel threads have no user address space.
	if stat.Flags&pfKthread != 0 {
		return usage, ReadOK, nil
	}

	rollup, err := p.proc.ProcSMapsRollup()
	if err != nil {
		if isGone(err) {
			return Usage{}, ReadGone, nil
		}
		// The process may have exited or become a zombie after stat was read.
		if again, statErr := p.proc.Stat(); statErr != nil && isGone(statErr) {
			return Usage{}, ReadGone, nil
		} else if statErr == nil && again.State == "Z" {
			return Usage{}, ReadZombie, nil
		}
		return Usage{}, ReadOK, errors.Wrapf(err, "reading smaps of pid %d", p.proc.PID)
	}

	usage.USS = rollup.PrivateClean + rollup.PrivateDirty
	usage.Swap = rollup.Swap
	return usage, ReadOK, nil
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ESRCH)
}
