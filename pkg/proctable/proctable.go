// Package proctable lists the processes of a host and reads their resource usage.
//
// Two backends are available: procfs reads a Linux process table mounted at an
// arbitrary root (e.g. the host's /proc bind-mounted into a container) and gopsutil
// is used on platforms without procfs.
package proctable

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"

	"emperror.dev/errors"
)

const (
	SourceAuto     = "auto"
	SourceProcFS   = "procfs"
	SourceGopsutil = "gopsutil"

	DefaultProcRoot = "/proc"

	// commLen is the length at which the kernel truncates /proc/<pid>/comm.
	commLen = 15
)

// ReadStatus is the outcome of reading a process's resource usage.
type ReadStatus int

const (
	// ReadOK means the returned Usage is valid.
	ReadOK ReadStatus = iota
	// ReadGone means the process exited between the snapshot and the read.
	ReadGone
	// ReadZombie means the process is a zombie and its usage cannot be read.
	ReadZombie
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadGone:
		return "gone"
	case ReadZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Usage is one coherent read of a process's CPU and memory counters.
type Usage struct {
	// StartTime identifies the process instance together with its pid. Units are backend specific.
	StartTime uint64
	// CPUTimeSec is the total user+system CPU time consumed so far.
	CPUTimeSec float64
	// USS is the unique set size (private pages) in bytes.
	USS uint64
	// Swap is the number of swapped-out bytes.
	Swap uint64
}

// Process is a handle to one entry of a process table snapshot.
type Process interface {
	PID() int32
	Name() string
	Cmdline() string
	// Read samples the process counters. A process that exited or turned into a
	// zombie is reported through the status with a nil error.
	Read(ctx context.Context) (Usage, ReadStatus, error)
}

// Provider returns snapshots of the live process table.
type Provider interface {
	Snapshot(ctx context.Context) ([]Process, error)
	MemoryTotal(ctx context.Context) (uint64, error)
}

// New returns the provider for source. SourceAuto selects procfs on Linux and
// gopsutil elsewhere. root is only honoured by the procfs backend.
func New(source, root string) (Provider, error) {
	switch strings.ToLower(source) {
	case "", SourceAuto:
		if runtime.GOOS == "linux" {
			return NewProcFS(root)
		}
		return NewGopsutil(), nil
	case SourceProcFS:
		return NewProcFS(root)
	case SourceGopsutil:
		if root != "" && root != DefaultProcRoot {
			return nil, errors.Errorf("process source %q does not support proc root %q", source, root)
		}
		return NewGopsutil(), nil
	default:
		return nil, errors.Errorf("unknown process source %q", source)
	}
}

// JoinCmdline renders a command line the way it is exposed in metric labels.
func JoinCmdline(args []string) string {
	return strings.Join(args, " ")
}

// ProcessName recovers the full name of a process whose comm was truncated by the
// kernel, from the base name of its executable in args.
func ProcessName(comm string, args []string) string {
	if len(comm) < commLen || len(args) == 0 {
		return comm
	}
	if name := filepath.Base(args[0]); strings.HasPrefix(name, comm) {
		return name
	}
	return comm
}
