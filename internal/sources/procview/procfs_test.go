package procview

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc lays out a minimal procfs tree under a temp dir
type fakeProc struct {
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	return &fakeProc{root: t.TempDir()}
}

func (p *fakeProc) process(t *testing.T, pid, tgid int, comm string) {
	p.child(t, pid, tgid, 0, comm)
}

// child writes a process entry with a PPid line when ppid is positive
func (p *fakeProc) child(t *testing.T, pid, tgid, ppid int, comm string) {
	dir := filepath.Join(p.root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	status := "Name:\t" + comm + "\nUmask:\t0022\nState:\tS (sleeping)\nTgid:\t" + strconv.Itoa(tgid) + "\nPid:\t" + strconv.Itoa(pid) + "\n"
	if ppid > 0 {
		status += "PPid:\t" + strconv.Itoa(ppid) + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
	if comm != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	}
}

func (p *fakeProc) pidMax(t *testing.T, value string) {
	dir := filepath.Join(p.root, "sys", "kernel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pid_max"), []byte(value), 0o644))
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   taskStatus
		ok     bool
	}{
		{name: "leader", status: "Name:\tbash\nTgid:\t100\nPid:\t100\nPPid:\t1\n", want: taskStatus{tgid: 100, ppid: 1}, ok: true},
		{name: "thread", status: "Name:\tworker\nTgid:\t100\nPid:\t101\nPPid:\t1\n", want: taskStatus{tgid: 100, ppid: 1}, ok: true},
		{name: "no_ppid", status: "Name:\tinit\nTgid:\t1\n", want: taskStatus{tgid: 1}, ok: true},
		{name: "bad_ppid", status: "Tgid:\t5\nPPid:\t?\n", want: taskStatus{tgid: 5}, ok: true},
		{name: "missing", status: "Name:\tbash\nPid:\t100\n", ok: false},
		{name: "garbage", status: "Tgid:\tabc\n", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseStatus([]byte(tt.status))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadPIDMax(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int
		wantErr bool
	}{
		{name: "default", value: "32768\n", want: 32768},
		{name: "large", value: "4194304", want: 4194304},
		{name: "too_large", value: "9999999", wantErr: true},
		{name: "zero", value: "0", wantErr: true},
		{name: "not_a_number", value: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProc(t)
			p.pidMax(t, tt.value)
			got, err := readPIDMax(p.root)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := readPIDMax(t.TempDir())
	assert.Error(t, err, "missing file")
}

func TestStatusAndCommHelpers(t *testing.T) {
	p := newFakeProc(t)
	p.child(t, 100, 100, 1, "bash")
	p.process(t, 101, 100, "bash")
	p.process(t, 200, 200, "")

	st, ok := readStatus(p.root, 100)
	require.True(t, ok)
	assert.Equal(t, taskStatus{tgid: 100, ppid: 1}, st)

	st, ok = readStatus(p.root, 101)
	require.True(t, ok)
	assert.Equal(t, 100, st.tgid)

	_, ok = readStatus(p.root, 999)
	assert.False(t, ok)

	assert.Equal(t, "bash", readComm(p.root, 100))
	assert.Equal(t, unknownName, readComm(p.root, 200))
	assert.Equal(t, unknownName, readComm(p.root, 999))
}
