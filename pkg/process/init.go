package process

import (
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/internal/reexec"
	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
	"github.com/bock-rs/bock-core/pkg/namespace"
	"github.com/bock-rs/bock-core/pkg/rootfs"
	"github.com/bock-rs/bock-core/pkg/security"
)

// fd numbers ExtraFiles hands the child, fixed by Launcher.Start's and
// spawnPid1's cmd.ExtraFiles order (fd 0-2 are stdio).
const (
	fdSyncRead  = 3
	fdSyncWrite = 4
	fdConfig    = 5
)

const (
	reexecPid1Name  = "bock-pid1"
	reexecEntryName = "bock-entry"

	// fdEntryConfig is bockEntry's lone ExtraFiles descriptor; it has
	// no sync pipes, so fd 3 is free for its config pipe.
	fdEntryConfig = 3
)

func init() {
	reexec.Register(reexecPid1Name, bockPid1)
	reexec.Register(reexecEntryName, bockEntry)
}

// killGrace is how long a forwarded SIGTERM/SIGINT gets to work before
// pid1 escalates to SIGKILL, spec.md §4.6's reaping-init grace period.
const killGrace = 10 * time.Second

// bockInit is the reexec-registered entrypoint for the unprivileged
// handshake helper stage: it owns the user namespace mapping dance and
// the rest of the namespace unshare, then hands off to a freshly
// spawned child (bockPid1) rather than continuing in place. unshare(2)
// only affects the calling thread's *subsequently created* children
// for CLONE_NEWPID; the helper itself never becomes a member of the
// pid namespace it just created, so it cannot become the container's
// PID 1 no matter what it execve's into next.
func bockInit() {
	runtime.LockOSThread()

	syncR := os.NewFile(fdSyncRead, "sync-r")
	syncW := os.NewFile(fdSyncWrite, "sync-w")
	configR := os.NewFile(fdConfig, "config")

	if err := runInit(syncR, syncW, configR); err != nil {
		_ = writeSyncError(syncW, syncInitReady, err)
		os.Exit(1)
	}
}

func runInit(syncR, syncW, configR *os.File) error {
	var payload initPayload
	if err := json.NewDecoder(configR).Decode(&payload); err != nil {
		return bockerr.Wrap(bockerr.Internal, "decoding init payload", err)
	}
	configR.Close()
	spec := payload.Spec

	if err := namespace.UnshareUser(); err != nil {
		return err
	}
	if err := writeSync(syncW, syncUserNSReady); err != nil {
		return err
	}
	if err := readSync(syncR, syncMapsWritten); err != nil {
		return err
	}

	plan, err := namespace.Validate(spec.Namespaces)
	if err != nil {
		return err
	}
	if err := namespace.UnshareRest(plan.CreateFlagsWithoutUser()); err != nil {
		return err
	}
	for _, join := range plan.Joins {
		if err := namespace.Join(join.Type, join.Path); err != nil {
			return err
		}
	}

	return spawnPid1(syncR, syncW, payload)
}

// spawnPid1 re-execs into the bock-pid1 stage, handing it the same
// sync fds the supervisor is waiting on. Because the calling process
// (still the helper) already unshared CLONE_NEWPID above, this fork
// is the "subsequent child" unshare(2) requires: the new process is
// created as the first and only member of the fresh pid namespace,
// i.e. its PID 1, satisfying spec.md §4.6 step 3.
func spawnPid1(syncR, syncW *os.File, payload initPayload) error {
	self, err := reexec.Self()
	if err != nil {
		return err
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "creating pid1 config pipe", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{reexecPid1Name}
	cmd.ExtraFiles = []*os.File{syncR, syncW, configR}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return bockerr.Wrap(bockerr.Internal, "starting pid1 process", err)
	}
	configR.Close()
	// cmd.Process.Pid is pid1's pid in this process's pid namespace,
	// which is the supervisor's; inside its own fresh pid namespace
	// pid1 sees itself as 1.
	if err := writeSyncPID(syncW, syncPid1Ready, cmd.Process.Pid); err != nil {
		return err
	}
	syncR.Close()
	syncW.Close()

	if err := writeInitPayload(configW, &payload); err != nil {
		return err
	}
	configW.Close()
	return nil
}

// bockPid1 is the reexec-registered entrypoint for the container's
// real init process. The helper reports this process's host pid to the
// supervisor (state.json.pid must name this process, not the helper's).
// It finishes rootfs setup and resolves the process identity, blocks on
// the exec fifo, then spawns the actual entrypoint as a further child
// (bockEntry, which applies the SecurityGate) so this process
// can stay alive and run the PID 1 reaping loop spec.md §4.6 requires
// instead of replacing itself via execve.
func bockPid1() {
	runtime.LockOSThread()

	syncR := os.NewFile(fdSyncRead, "sync-r")
	syncW := os.NewFile(fdSyncWrite, "sync-w")
	configR := os.NewFile(fdConfig, "config")

	code, err := runPid1(syncR, syncW, configR)
	if err != nil {
		_ = writeSyncError(syncW, syncInitReady, err)
		os.Exit(1)
	}
	os.Exit(code)
}

func runPid1(syncR, syncW, configR *os.File) (int, error) {
	var payload initPayload
	if err := json.NewDecoder(configR).Decode(&payload); err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "decoding pid1 payload", err)
	}
	configR.Close()
	spec := payload.Spec

	if err := rootfs.New(spec, payload.OverlayDir).Prepare(); err != nil {
		return 0, err
	}

	id, err := resolveIdentity(spec.Process)
	if err != nil {
		return 0, err
	}

	if err := writeSync(syncW, syncInitReady); err != nil {
		return 0, err
	}
	syncW.Close()
	syncR.Close()

	if err := waitForExecFifo(payload.FifoPath); err != nil {
		return 0, err
	}

	entryPID, err := spawnEntry(spec, id)
	if err != nil {
		return 0, err
	}

	return reapUntil(entryPID)
}

// waitForExecFifo blocks until `bockrt start` (possibly a separate
// process entirely) opens the other end of the fifo for writing,
// exactly the handoff runc's ExecFifoPath performs. Opening a fifo
// O_RDONLY blocks until a writer shows up; no payload needs to cross
// it, the open() itself is the signal.
func waitForExecFifo(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "opening exec fifo", err)
	}
	return f.Close()
}

// entryPayload is what pid1 hands the entrypoint process: enough of
// the spec for SecurityGate plus the identity pid1 already resolved,
// so the security-sensitive rlimit/capability/user-switch/seccomp
// sequence runs in the process that actually execve's the workload
// rather than in the long-lived pid1 supervisor.
type entryPayload struct {
	Spec *bundle.SpecView
	ID   security.Identity
}

// spawnEntry forks the container's actual entrypoint as a child of
// pid1, inheriting every namespace pid1 sits in. spec.md §4.6 requires
// this be a distinct process from pid1: pid1 must remain alive to reap
// and forward signals, which an execve of the entrypoint in place of
// pid1 would make impossible.
func spawnEntry(spec *bundle.SpecView, id security.Identity) (int, error) {
	self, err := reexec.Self()
	if err != nil {
		return 0, err
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "creating entry config pipe", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{reexecEntryName}
	cmd.ExtraFiles = []*os.File{configR}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "starting entrypoint process", err)
	}
	configR.Close()

	enc := entryPayload{Spec: spec, ID: id}
	if err := json.NewEncoder(configW).Encode(&enc); err != nil {
		return 0, bockerr.Wrap(bockerr.Internal, "writing entry payload", err)
	}
	configW.Close()

	return cmd.Process.Pid, nil
}

// bockEntry is the reexec-registered entrypoint for the actual
// workload process: it applies the SecurityGate then execve's,
// replacing itself entirely on success.
func bockEntry() {
	runtime.LockOSThread()

	configR := os.NewFile(fdEntryConfig, "entry-config")
	var payload entryPayload
	if err := json.NewDecoder(configR).Decode(&payload); err != nil {
		os.Exit(1)
	}
	configR.Close()

	if err := security.New(payload.Spec).Apply(payload.ID); err != nil {
		os.Exit(1)
	}
	if err := execEntrypoint(payload.Spec.Process); err != nil {
		os.Exit(1)
	}
}

// reapUntil runs pid1's duties for the lifetime of the container:
// reap every reapable child on SIGCHLD (including orphaned
// grandchildren re-parented to pid1, not just entryPID), and forward
// SIGTERM/SIGINT to the entrypoint with a killGrace window before
// escalating to SIGKILL. It returns once entryPID itself has been
// reaped, with the exit code pid1 itself should exit with.
func reapUntil(entryPID int) (int, error) {
	sigs := make(chan os.Signal, 32)
	signal.Notify(sigs, unix.SIGCHLD, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(sigs)

	var killTimer *time.Timer
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	for sig := range sigs {
		switch sig {
		case unix.SIGCHLD:
			if code, exited := reapAll(entryPID); exited {
				return code, nil
			}
		case unix.SIGTERM, unix.SIGINT:
			_ = unix.Kill(entryPID, sig.(syscall.Signal))
			if killTimer == nil {
				killTimer = time.AfterFunc(killGrace, func() {
					_ = unix.Kill(entryPID, unix.SIGKILL)
				})
			}
		}
	}
	return 0, bockerr.New(bockerr.Internal, "signal channel closed before entrypoint exited")
}

// reapAll drains every currently-reapable child with a single
// WNOHANG pass, since SIGCHLD delivery coalesces and a single signal
// can represent more than one exited child.
func reapAll(entryPID int) (code int, exited bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return code, exited
		}
		if pid == entryPID {
			exited = true
			switch {
			case ws.Exited():
				code = ws.ExitStatus()
			case ws.Signaled():
				code = 128 + int(ws.Signal())
			}
		}
	}
}

func resolveIdentity(p *bundle.Process) (security.Identity, error) {
	if p == nil {
		return security.Identity{}, nil
	}
	groups := make([]int, 0, len(p.User.AdditionalGids))
	for _, g := range p.User.AdditionalGids {
		groups = append(groups, int(g))
	}
	return security.Identity{
		UID:    int(p.User.UID),
		GID:    int(p.User.GID),
		Groups: groups,
	}, nil
}

func execEntrypoint(p *bundle.Process) error {
	if p == nil || len(p.Args) == 0 {
		return bockerr.New(bockerr.InvalidSpec, "process.args is empty")
	}
	path, err := lookPathIn(p.Args[0], p.Env)
	if err != nil {
		return err
	}
	if p.Cwd != "" {
		if err := unix.Chdir(p.Cwd); err != nil {
			return bockerr.Wrap(bockerr.Internal, "chdir to process cwd", err)
		}
	}
	if err := syscall.Exec(path, p.Args, p.Env); err != nil {
		if err == syscall.ENOEXEC || err == syscall.EACCES {
			return bockerr.Wrap(bockerr.Permission, "entrypoint "+path+" is not executable", err)
		}
		return bockerr.Wrap(bockerr.Internal, "execve entrypoint", err)
	}
	return nil
}

// lookPathIn resolves argv[0] against PATH from env rather than the
// supervisor's own environment, since by this point the mount
// namespace already points at the container's rootfs.
func lookPathIn(name string, env []string) (string, error) {
	if len(name) > 0 && (name[0] == '/' || name[0] == '.') {
		return name, nil
	}
	path := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			path = kv[5:]
		}
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", bockerr.New(bockerr.NotFound, "entrypoint "+name+" not found in PATH")
}
