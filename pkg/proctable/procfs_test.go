package proctable

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid     int
	comm    string
	cmdline []string
	state   string
	flags   uint
	utime   uint64
	stime   uint64
	start   uint64
	// smaps_rollup values in kB
	privateClean uint64
	privateDirty uint64
	swap         uint64
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func statLine(p fakeProc) string {
	// pid (comm) state ppid pgrp session tty tpgid flags minflt cminflt majflt cmajflt
	// utime stime cutime cstime priority nice threads itrealvalue starttime ...
	fields := []string{
		p.state, "1", fmt.Sprint(p.pid), fmt.Sprint(p.pid), "0", "-1", fmt.Sprint(p.flags),
		"100", "0", "0", "0",
		fmt.Sprint(p.utime), fmt.Sprint(p.stime), "0", "0", "20", "0", "1", "0",
		fmt.Sprint(p.start), "1000000", "250",
	}
	for len(fields) < 50 {
		fields = append(fields, "0")
	}
	return fmt.Sprintf("%d (%s) %s\n", p.pid, p.comm, strings.Join(fields, " "))
}

func newFakeRoot(t *testing.T, memTotalKB uint64, procs ...fakeProc) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "meminfo"), fmt.Sprintf(
		"MemTotal:       %d kB\nMemFree:         1024 kB\nMemAvailable:    2048 kB\n", memTotalKB))
	for _, p := range procs {
		addFakeProc(t, root, p)
	}
	return root
}

func addFakeProc(t *testing.T, root string, p fakeProc) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(p.pid))
	writeFile(t, filepath.Join(dir, "stat"), statLine(p))
	writeFile(t, filepath.Join(dir, "comm"), p.comm+"\n")
	cmdline := ""
	if len(p.cmdline) > 0 {
		cmdline = strings.Join(p.cmdline, "\x00") + "\x00"
	}
	writeFile(t, filepath.Join(dir, "cmdline"), cmdline)
	writeFile(t, filepath.Join(dir, "smaps_rollup"), fmt.Sprintf(
		"00400000-7ffd5d1fe000 ---p 00000000 00:00 0                              [rollup]\n"+
			"Rss:                %d kB\n"+
			"Pss:                %d kB\n"+
			"Shared_Clean:          0 kB\n"+
			"Shared_Dirty:          0 kB\n"+
			"Private_Clean:      %d kB\n"+
			"Private_Dirty:      %d kB\n"+
			"Referenced:         %d kB\n"+
			"Anonymous:          %d kB\n"+
			"Swap:               %d kB\n"+
			"SwapPss:            %d kB\n",
		p.privateClean+p.privateDirty, p.privateClean+p.privateDirty,
		p.privateClean, p.privateDirty,
		p.privateClean+p.privateDirty, p.privateDirty,
		p.swap, p.swap))
}

func TestProcFS_Snapshot(t *testing.T) {
	root := newFakeRoot(t, 16384,
		fakeProc{pid: 100, comm: "nginx", cmdline: []string{"nginx", "-g", "daemon"}, state: "S"},
		fakeProc{pid: 200, comm: "redis", cmdline: []string{"redis-server"}, state: "S"},
	)

	p, err := NewProcFS(root)
	require.NoError(t, err)
	assert.Equal(t, root, p.Root())

	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 2)

	byPID := map[int32]Process{}
	for _, proc := range procs {
		byPID[proc.PID()] = proc
	}
	require.Contains(t, byPID, int32(100))
	require.Contains(t, byPID, int32(200))
	assert.Equal(t, "nginx", byPID[100].Name())
	assert.Equal(t, "nginx -g daemon", byPID[100].Cmdline())
	assert.Equal(t, "redis", byPID[200].Name())
	assert.Equal(t, "redis-server", byPID[200].Cmdline())
}

func TestProcFS_SnapshotTruncatedComm(t *testing.T) {
	root := newFakeRoot(t, 16384,
		fakeProc{pid: 300, comm: "systemd-journal", cmdline: []string{"/usr/lib/systemd/systemd-journald"}, state: "S"},
	)

	p, err := NewProcFS(root)
	require.NoError(t, err)

	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "systemd-journald", procs[0].Name())
}

func TestProcessName(t *testing.T) {
	tests := []struct {
		name string
		comm string
		args []string
		want string
	}{
		{name: "short comm", comm: "nginx", args: []string{"/usr/sbin/nginx-debug"}, want: "nginx"},
		{name: "truncated", comm: "systemd-journal", args: []string{"/usr/lib/systemd/systemd-journald"}, want: "systemd-journald"},
		{name: "kernel thread", comm: "kworker/u8:2-ev", args: nil, want: "kworker/u8:2-ev"},
		{name: "renamed process", comm: "postgres: walwr", args: []string{"postgres: walwriter"}, want: "postgres: walwriter"},
		{name: "unrelated executable", comm: "containerd-shim", args: []string{"/bin/sh", "-c"}, want: "containerd-shim"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProcessName(tt.comm, tt.args))
		})
	}
}

func TestProcFS_Read(t *testing.T) {
	root := newFakeRoot(t, 16384, fakeProc{
		pid:          100,
		comm:         "nginx",
		cmdline:      []string{"nginx"},
		state:        "S",
		utime:        250,
		stime:        50,
		start:        4242,
		privateClean: 200,
		privateDirty: 300,
		swap:         40,
	})

	p, err := NewProcFS(root)
	require.NoError(t, err)
	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)

	usage, status, err := procs[0].Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReadOK, status)
	assert.Equal(t, uint64(4242), usage.StartTime)
	assert.InDelta(t, 3.0, usage.CPUTimeSec, 0.0001)
	assert.Equal(t, uint64(500*1024), usage.USS)
	assert.Equal(t, uint64(40*1024), usage.Swap)
}

func TestProcFS_ReadKernelThread(t *testing.T) {
	root := newFakeRoot(t, 16384, fakeProc{pid: 2, comm: "kthreadd", state: "S", flags: pfKthread, utime: 10})
	require.NoError(t, os.Remove(filepath.Join(root, "2", "smaps_rollup")))

	p, err := NewProcFS(root)
	require.NoError(t, err)
	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "", procs[0].Cmdline())

	usage, status, err := procs[0].Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReadOK, status)
	assert.Zero(t, usage.USS)
	assert.Zero(t, usage.Swap)
}

func TestProcFS_ReadZombie(t *testing.T) {
	root := newFakeRoot(t, 16384, fakeProc{pid: 300, comm: "defunct", state: "Z"})

	p, err := NewProcFS(root)
	require.NoError(t, err)
	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)

	_, status, err := procs[0].Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReadZombie, status)
}

func TestProcFS_ReadGone(t *testing.T) {
	root := newFakeRoot(t, 16384, fakeProc{pid: 400, comm: "short", cmdline: []string{"short"}, state: "R"})

	p, err := NewProcFS(root)
	require.NoError(t, err)
	procs, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)

	// The process exits between the snapshot and the read.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "400")))

	_, status, err := procs[0].Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, ReadGone, status)
}

func TestProcFS_MemoryTotal(t *testing.T) {
	root := newFakeRoot(t, 16384)

	p, err := NewProcFS(root)
	require.NoError(t, err)

	total, err := p.MemoryTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16384*1024), total)
}

func TestNewProcFS_MissingRoot(t *testing.T) {
	_, err := NewProcFS(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	root := newFakeRoot(t, 1024)

	p, err := New(SourceProcFS, root)
	require.NoError(t, err)
	assert.IsType(t, &ProcFS{}, p)

	p, err = New(SourceGopsutil, "")
	require.NoError(t, err)
	assert.IsType(t, &Gopsutil{}, p)

	_, err = New(SourceGopsutil, root)
	assert.Error(t, err)

	_, err = New("wmi", "")
	assert.Error(t, err)
}

func TestReadStatus_String(t *testing.T) {
	assert.Equal(t, "ok", ReadOK.String())
	assert.Equal(t, "gone", ReadGone.String())
	assert.Equal(t, "zombie", ReadZombie.String())
	assert.Equal(t, "unknown", ReadStatus(42).String())
}
