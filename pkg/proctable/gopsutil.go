package proctable

import (
	"context"

	"emperror.dev/errors"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

// Gopsutil reads the process table of the running host through gopsutil.
type Gopsutil struct{}

var _ Provider = (*Gopsutil)(nil)

func NewGopsutil() *Gopsutil {
	return &Gopsutil{}
}

func (g *Gopsutil) Snapshot(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing processes")
	}

	result := make([]Process, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil {
			if gone(ctx, proc) {
				continue
			}
			cmdline = ""
		}
		result = append(result, &gopsutilProcess{proc: proc, name: name, cmdline: cmdline})
	}
	return result, nil
}

func (g *Gopsutil) MemoryTotal(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reading virtual memory")
	}
	return vm.Total, nil
}

type gopsutilProcess struct {
	proc    *process.Process
	name    string
	cmdline string
}

func (p *gopsutilProcess) PID() int32      { return p.proc.Pid }
func (p *gopsutilProcess) Name() string    { return p.name }
func (p *gopsutilProcess) Cmdline() string { return p.cmdline }

func (p *gopsutilProcess) Read(ctx context.Context) (Usage, ReadStatus, error) {
	if isZombie(p.proc.StatusWithContext(ctx)) {
		return Usage{}, ReadZombie, nil
	}

	created, err := p.proc.CreateTimeWithContext(ctx)
	if err != nil {
		return p.failed(ctx, err, "reading create time")
	}
	times, err := p.proc.TimesWithContext(ctx)
	if err != nil {
		return p.failed(ctx, err, "reading cpu times")
	}

	usage := Usage{
		StartTime:  uint64(created),
		CPUTimeSec: times.User + times.System,
	}

	maps, err := p.proc.MemoryMapsWithContext(ctx, true)
	if err == nil && maps != nil {
		// smaps values are kB.
		for _, m := range *maps {
			usage.USS += (m.PrivateClean + m.PrivateDirty) * 1024
			usage.Swap += m.Swap * 1024
		}
		return usage, ReadOK, nil
	}

	// Without smaps (non-Linux) USS is approximated by RSS.
	info, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return p.failed(ctx, err, "reading memory info")
	}
	usage.USS = info.RSS
	usage.Swap = info.Swap
	return usage, ReadOK, nil
}

func (p *gopsutilProcess) failed(ctx context.Context, err error, msg string) (Usage, ReadStatus, error) {
	if isGone(err) || gone(ctx, p.proc) {
		return Usage{}, ReadGone, nil
	}
	if isZombie(p.proc.StatusWithContext(ctx)) {
		return Usage{}, ReadZombie, nil
	}
	return Usage{}, ReadOK, errors.Wrapf(err, "%s of pid %d", msg, p.proc.Pid)
}

func gone(ctx context.Context, proc *process.Process) bool {
	running, err := proc.IsRunningWithContext(ctx)
	return err == nil && !running
}

// isZombie accepts both the single-letter status of older gopsutil releases and the
// status list of newer ones.
func isZombie(status interface{}, err error) bool {
	if err != nil {
		return false
	}
	switch s := status.(type) {
	case string:
		return s == "Z" || s == "zombie"
	case []string:
		for _, v := range s {
			if v == "Z" || v == "zombie" {
				return true
			}
		}
	}
	return false
}
