package process

import (
	"encoding/json"
	"os"
	"os/exec"
	"runtime"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/internal/reexec"
	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
	"github.com/bock-rs/bock-core/pkg/namespace"
)

const (
	reexecExecName      = "bock-exec"
	reexecExecEntryName = "bock-exec-entry"
)

func init() {
	reexec.Register(reexecExecName, bockExec)
	reexec.Register(reexecExecEntryName, bockExecEntry)
}

// ExecRequest describes one `bockrt exec` invocation joining an
// already-running container.
type ExecRequest struct {
	ContainerPID int
	Process      *bundle.Process
	Mode         StdioMode
}

// execPayload is what the supervisor hands the re-exec'd joiner over
// the config pipe, mirroring initPayload's shape.
type execPayload struct {
	ContainerPID int
	Process      *bundle.Process
}

// Exec spawns a fresh process that setns(2)s into every namespace of
// ContainerPID (in the fixed order spec.md §4.6 names) and then forks
// a child that execve's Process.Args. It returns the joiner's host pid
// as soon as the payload is written; it does not wait for the joins or
// the execve to succeed.
func Exec(req ExecRequest) (*LaunchResult, error) {
	self, err := reexec.Self()
	if err != nil {
		return nil, err
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "creating exec config pipe", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{reexecExecName}
	cmd.ExtraFiles = []*os.File{configR}
	cmd.SysProcAttr = &unix.SysProcAttr{}

	var result LaunchResult
	if req.Mode == StdioTerminal {
		pty, slave, err := console.NewPty()
		if err != nil {
			return nil, bockerr.Wrap(bockerr.Internal, "allocating pty for exec", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		result.Console = pty
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "starting exec joiner", err)
	}
	configR.Close()

	enc := execPayload{ContainerPID: req.ContainerPID, Process: req.Process}
	if err := writeExecPayload(configW, &enc); err != nil {
		return nil, err
	}
	configW.Close()

	result.PID = cmd.Process.Pid
	return &result, nil
}

func bockExec() {
	runtime.LockOSThread()

	configR := os.NewFile(3, "exec-config")
	code, err := runExecJoin(configR)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(code)
}

// runExecJoin setns(2)s into every namespace of the target container
// and then forks the actual entrypoint rather than execve'ing it in
// place. setns into a pid namespace only determines the pid namespace
// of this process's *future children*, never of the calling process
// itself (setns(2)); execve'ing here directly would leave the exec'd
// process running in the host's pid namespace even though every other
// namespace joined correctly. The joiner blocks for the entrypoint and
// exits with its exit code.
func runExecJoin(configR *os.File) (int, error) {
	var payload execPayload
	if err := decodeExecPayload(configR, &payload); err != nil {
		return 0, err
	}
	configR.Close()

	for _, nsType := range namespace.ExecOrder {
		path := namespace.NSPath(payload.ContainerPID, nsType)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := namespace.Join(nsType, path); err != nil {
			return 0, err
		}
	}

	pid, err := spawnExecEntry(&payload)
	if err != nil {
		return 0, err
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "waiting for exec entrypoint", err)
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus(), nil
	case ws.Signaled():
		return 128 + int(ws.Signal()), nil
	default:
		return 0, nil
	}
}

// spawnExecEntry forks the exec'd process as a child of the already
// setns'd joiner, so it inherits every namespace the joiner just
// entered, then applies the same setresgid/setresuid identity switch
// SecurityGate uses before execve.
func spawnExecEntry(payload *execPayload) (int, error) {
	self, err := reexec.Self()
	if err != nil {
		return 0, err
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "creating exec-entry config pipe", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{reexecExecEntryName}
	cmd.ExtraFiles = []*os.File{configR}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "starting exec entrypoint process", err)
	}
	configR.Close()

	if err := writeExecPayload(configW, payload); err != nil {
		return 0, err
	}
	configW.Close()

	return cmd.Process.Pid, nil
}

func bockExecEntry() {
	runtime.LockOSThread()

	configR := os.NewFile(3, "exec-entry-config")
	var payload execPayload
	if err := decodeExecPayload(configR, &payload); err != nil {
		os.Exit(1)
	}
	configR.Close()

	if payload.Process != nil && payload.Process.Cwd != "" {
		_ = os.Chdir(payload.Process.Cwd)
	}

	// Only the uid/gid/supplementary-groups identity is set here, with
	// the same setresgid/setresuid pair SecurityGate uses. No seccomp
	// filter, capability drop or no_new_privs is applied: those are
	// per-process, not per-namespace, so this process keeps what it
	// inherited from the bockrt process that spawned the joiner.
	id, err := resolveIdentity(payload.Process)
	if err != nil {
		os.Exit(1)
	}
	if len(id.Groups) > 0 {
		if err := unix.Setgroups(id.Groups); err != nil {
			os.Exit(1)
		}
	}
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		os.Exit(1)
	}
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		os.Exit(1)
	}

	if err := execEntrypoint(payload.Process); err != nil {
		os.Exit(1)
	}
}

func writeExecPayload(w *os.File, p *execPayload) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return bockerr.Wrap(bockerr.Internal, "writing exec payload", err)
	}
	return nil
}

func decodeExecPayload(r *os.File, p *execPayload) error {
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return bockerr.Wrap(bockerr.Internal, "decoding exec payload", err)
	}
	return nil
}
