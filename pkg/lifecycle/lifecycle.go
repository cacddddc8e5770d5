package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
	"github.com/bock-rs/bock-core/pkg/cgroup"
	"github.com/bock-rs/bock-core/pkg/event"
	"github.com/bock-rs/bock-core/pkg/namespace"
	"github.com/bock-rs/bock-core/pkg/network"
	"github.com/bock-rs/bock-core/pkg/process"
	"github.com/bock-rs/bock-core/pkg/version"
)

// Lifecycle orchestrates the other six components against one
// $ROOT of on-disk container state, implementing the
// create/start/kill/pause/resume/exec/wait/delete/state/list
// operations spec.md §4.1 names.
type Lifecycle struct {
	Root string
}

func New(root string) *Lifecycle {
	return &Lifecycle{Root: root}
}

// NetworkOptions opts a container into this runtime's own bridge/veth
// plumbing. Leaving it nil means the container keeps whatever network
// namespace the spec gives it as-is (host netns, a join-path netns
// prepared by something else, or a CNIOptions delegate below).
type NetworkOptions struct {
	Mode       network.Mode
	BridgeName string
	BridgeCIDR *net.IPNet
	Gateway    net.IP
	MTU        int
	Parent     string // host interface macvlan/ipvlan attach to
	Ports      []network.PortMapping
}

// CNIOptions delegates network setup to an external CNI plugin chain
// instead of NetworkOptions' direct bridge/veth path.
type CNIOptions struct {
	ConfigDir string
	BinDirs   []string
	CacheDir  string
}

// CreateOptions is everything Create needs beyond the bundle itself.
type CreateOptions struct {
	ID           string
	BundlePath   string
	Mode         process.StdioMode
	Rootless     bool
	CgroupStrict bool
	Network      *NetworkOptions
	CNI          *CNIOptions
}

// Create loads and validates the bundle, prepares cgroups and spawns
// init, runs CreateRuntime/CreateContainer hooks, and leaves init
// parked on the exec fifo — it does not run the entrypoint. That is
// Start's job, per the two-phase create/start split spec.md §4.1
// inherits from OCI.
func (lc *Lifecycle) Create(opts CreateOptions) (*State, error) {
	if !bundle.ValidID(opts.ID) {
		return nil, bockerr.New(bockerr.InvalidSpec, "invalid container id "+opts.ID)
	}

	lock, err := Acquire(lc.Root, opts.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if _, err := ReadState(lc.Root, opts.ID); err == nil {
		return nil, bockerr.New(bockerr.AlreadyExists, "container "+opts.ID+" already exists")
	}

	spec, err := bundle.Load(opts.BundlePath)
	if err != nil {
		return nil, err
	}
	plan, err := namespace.Validate(spec.Namespaces)
	if err != nil {
		return nil, err
	}

	sink, err := event.Open(lc.Root, opts.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	st := &State{
		ID:          opts.ID,
		Status:      StatusCreating,
		Bundle:      opts.BundlePath,
		Rootfs:      spec.Root.Path,
		CreatedAt:   now,
		Annotations: spec.Annotations,
		OwnerUID:    os.Getuid(),
	}
	if err := WriteState(lc.Root, st); err != nil {
		return nil, err
	}
	sink.Emit(opts.ID, event.KindTransition, "creating")

	rollback := func(cause error) (*State, error) {
		sink.Emit(opts.ID, event.KindError, "create failed: %v", cause)
		_ = RemoveAll(lc.Root, opts.ID)
		return nil, cause
	}

	fifoPath, err := createExecFifo(lc.Root, opts.ID)
	if err != nil {
		return rollback(err)
	}

	cg, err := cgroup.New(opts.ID, spec.Resources, opts.CgroupStrict, opts.Rootless)
	if err != nil {
		return rollback(err)
	}

	overlayDir := filepath.Join(lc.Root, "overlay", opts.ID)
	launcher := &process.Launcher{Spec: spec, Plan: plan, Mode: opts.Mode, Rootless: opts.Rootless}
	result, err := launcher.Start(cg, fifoPath, overlayDir)
	if err != nil {
		_ = cg.Delete()
		return rollback(err)
	}

	st.PID = result.PID
	stateJSON, _ := ociStateJSON(st)

	if spec.Hooks != nil {
		if err := runHooks(opts.ID, sink, spec.Hooks.Prestart, stateJSON); err != nil {
			_ = unix.Kill(result.PID, unix.SIGKILL)
			_ = cg.Delete()
			return rollback(err)
		}
		if err := runHooks(opts.ID, sink, spec.Hooks.CreateRuntime, stateJSON); err != nil {
			_ = unix.Kill(result.PID, unix.SIGKILL)
			_ = cg.Delete()
			return rollback(err)
		}
	}

	if err := lc.setupNetwork(opts, spec, plan, result.PID); err != nil {
		_ = unix.Kill(result.PID, unix.SIGKILL)
		_ = cg.Delete()
		return rollback(err)
	}

	if spec.Hooks != nil {
		if err := runHooks(opts.ID, sink, spec.Hooks.CreateContainer, stateJSON); err != nil {
			_ = unix.Kill(result.PID, unix.SIGKILL)
			_ = cg.Delete()
			return rollback(err)
		}
	}

	st.Status = StatusCreated
	if err := WriteState(lc.Root, st); err != nil {
		_ = unix.Kill(result.PID, unix.SIGKILL)
		_ = cg.Delete()
		return rollback(err)
	}
	sink.Emit(opts.ID, event.KindTransition, "created pid=%d", st.PID)
	return st, nil
}

// setupNetwork wires NetworkPlumber or CNIDelegate into a freshly
// created network namespace, per spec.md §4.7. A joined or host
// network namespace is left untouched: there's nothing fresh to
// attach a veth into, and CNI/manual setup for a join-path namespace
// is assumed already done by whoever created it.
func (lc *Lifecycle) setupNetwork(opts CreateOptions, spec *bundle.SpecView, plan *namespace.Plan, pid int) error {
	if plan.CreateFlags&unix.CLONE_NEWNET == 0 {
		return nil
	}
	netnsPath := namespace.NSPath(pid, specs.NetworkNamespace)

	if opts.CNI != nil {
		delegate := network.NewCNIDelegate(opts.CNI.ConfigDir, opts.CNI.BinDirs, opts.CNI.CacheDir)
		_, err := delegate.Attach(context.Background(), opts.ID, netnsPath)
		return err
	}
	if opts.Network == nil {
		return nil
	}

	if opts.Network.Mode == network.ModeNone {
		return network.New().Attach(network.Config{
			ContainerID: opts.ID,
			NetNSPath:   netnsPath,
			Mode:        network.ModeNone,
		})
	}

	leases, err := network.OpenLeaseStore(lc.Root, opts.Network.BridgeCIDR)
	if err != nil {
		return err
	}
	containerIP, err := leases.Lease(opts.ID)
	if err != nil {
		return err
	}

	cfg := network.Config{
		ContainerID: opts.ID,
		NetNSPath:   netnsPath,
		Mode:        opts.Network.Mode,
		BridgeName:  opts.Network.BridgeName,
		BridgeCIDR:  opts.Network.BridgeCIDR,
		ContainerIP: containerIP,
		Gateway:     opts.Network.Gateway,
		MTU:         opts.Network.MTU,
		Parent:      opts.Network.Parent,
		Ports:       opts.Network.Ports,
	}
	if err := network.New().Attach(cfg); err != nil {
		_ = leases.Release(opts.ID)
		return err
	}
	return nil
}

func (lc *Lifecycle) teardownNetwork(opts CreateOptions, spec *bundle.SpecView, st *State) {
	if opts.CNI != nil {
		delegate := network.NewCNIDelegate(opts.CNI.ConfigDir, opts.CNI.BinDirs, opts.CNI.CacheDir)
		_ = delegate.Detach(context.Background(), st.ID, namespace.NSPath(st.PID, specs.NetworkNamespace))
		return
	}
	if opts.Network == nil {
		return
	}
	if opts.Network.Mode == network.ModeNone || opts.Network.Mode == network.ModeHost {
		_ = network.New().Detach(network.Config{ContainerID: st.ID, Mode: opts.Network.Mode})
		return
	}

	leases, err := network.OpenLeaseStore(lc.Root, opts.Network.BridgeCIDR)
	if err != nil {
		return
	}
	containerIP := leases.Lookup(st.ID)
	_ = network.New().Detach(network.Config{
		ContainerID: st.ID,
		Mode:        opts.Network.Mode,
		BridgeName:  opts.Network.BridgeName,
		ContainerIP: containerIP,
		Ports:       opts.Network.Ports,
	})
	_ = leases.Release(st.ID)
}

// Start unblocks init's exec fifo and runs StartContainer/PostStart
// hooks. The entrypoint itself runs asynchronously from this call's
// point of view: by the time Start returns, init may still be
// mid-execve.
func (lc *Lifecycle) Start(id string) (*State, error) {
	lock, err := Acquire(lc.Root, id)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	st, err := ReadState(lc.Root, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusCreated {
		return nil, bockerr.New(bockerr.InvalidTransition, fmt.Sprintf("cannot start container in status %s", st.Status))
	}

	spec, err := bundle.Load(st.Bundle)
	if err != nil {
		return nil, err
	}
	stateJSON, _ := ociStateJSON(st)
	if spec.Hooks != nil {
		if err := runHooks(id, nil, spec.Hooks.StartContainer, stateJSON); err != nil {
			return nil, err
		}
	}

	if err := signalExecFifo(lc.Root, id); err != nil {
		return nil, err
	}
	_ = os.Remove(execFifoPath(lc.Root, id))

	st.Status = StatusRunning
	if err := WriteState(lc.Root, st); err != nil {
		return nil, err
	}

	sink, err := event.Open(lc.Root, id)
	if err == nil {
		sink.Emit(id, event.KindTransition, "running")
	}

	if spec.Hooks != nil {
		go func() {
			if err := runHooks(id, sink, spec.Hooks.Poststart, stateJSON); err != nil && sink != nil {
				sink.Emit(id, event.KindWarning, "poststart hook failed: %v", err)
			}
		}()
	}
	return st, nil
}

// Kill sends sig to the container's init process.
func (lc *Lifecycle) Kill(id string, sig unix.Signal) error {
	lock, err := Acquire(lc.Root, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := ReadState(lc.Root, id)
	if err != nil {
		return err
	}
	if !ProcAlive(st.PID) {
		return bockerr.New(bockerr.InvalidTransition, "container is not running")
	}
	if err := unix.Kill(st.PID, sig); err != nil {
		return bockerr.Wrap(bockerr.Internal, "sending signal", err)
	}
	return nil
}

// Pause freezes the container's cgroup.
func (lc *Lifecycle) Pause(id string) error {
	lock, err := Acquire(lc.Root, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := ReadState(lc.Root, id)
	if err != nil {
		return err
	}
	if st.Status != StatusRunning {
		return bockerr.New(bockerr.InvalidTransition, fmt.Sprintf("cannot pause container in status %s", st.Status))
	}
	cg, err := cgroup.New(id, nil, false, false)
	if err != nil {
		return err
	}
	if err := cg.Freeze(); err != nil {
		return err
	}
	st.Status = StatusPaused
	if err := WriteState(lc.Root, st); err != nil {
		return err
	}
	if sink, err := event.Open(lc.Root, id); err == nil {
		if criuAvailable() {
			sink.Emit(id, event.KindTransition, "paused (checkpoint-capable CRIU detected)")
		} else {
			sink.Emit(id, event.KindTransition, "paused")
		}
	}
	return nil
}

// Resume thaws a paused container's cgroup.
func (lc *Lifecycle) Resume(id string) error {
	lock, err := Acquire(lc.Root, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := ReadState(lc.Root, id)
	if err != nil {
		return err
	}
	if st.Status != StatusPaused {
		return bockerr.New(bockerr.InvalidTransition, fmt.Sprintf("cannot resume container in status %s", st.Status))
	}
	cg, err := cgroup.New(id, nil, false, false)
	if err != nil {
		return err
	}
	if err := cg.Unfreeze(); err != nil {
		return err
	}
	st.Status = StatusRunning
	return WriteState(lc.Root, st)
}

// ExecOptions describes one exec-into-running-container request.
type ExecOptions struct {
	Process *bundle.Process
	Mode    process.StdioMode
}

// Exec joins the container's namespaces and runs a new process inside
// them, per spec.md §4.6.
func (lc *Lifecycle) Exec(id string, opts ExecOptions) (*process.LaunchResult, error) {
	st, err := ReadState(lc.Root, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusRunning {
		return nil, bockerr.New(bockerr.InvalidTransition, fmt.Sprintf("cannot exec into container in status %s", st.Status))
	}
	return process.Exec(process.ExecRequest{
		ContainerPID: st.PID,
		Process:      opts.Process,
		Mode:         opts.Mode,
	})
}

// Wait blocks until the container's init process exits. Since init is
// not necessarily this process's child (create and wait are usually
// separate CLI invocations), this polls /proc rather than wait4(2);
// the exit code it can observe this way is unknown, so it reports only
// that the process is gone.
func (lc *Lifecycle) Wait(id string) error {
	st, err := ReadState(lc.Root, id)
	if err != nil {
		return err
	}
	for ProcAlive(st.PID) {
		time.Sleep(100 * time.Millisecond)
	}
	st.Status = StatusStopped
	return WriteState(lc.Root, st)
}

// Delete removes a container's on-disk state, cgroup, and network
// resources. A running container is only deleted when force is set,
// in which case it is killed first.
func (lc *Lifecycle) Delete(id string, force bool, opts CreateOptions) error {
	lock, err := Acquire(lc.Root, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := ReadState(lc.Root, id)
	if err != nil {
		return err
	}

	if ProcAlive(st.PID) {
		if !force {
			return bockerr.New(bockerr.InvalidTransition, "container is still running")
		}
		cg, err := cgroup.New(id, nil, false, false)
		if err == nil {
			_ = cg.KillAll()
		} else {
			_ = unix.Kill(st.PID, unix.SIGKILL)
		}
		deadline := time.Now().Add(5 * time.Second)
		for ProcAlive(st.PID) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
	}

	if spec, err := bundle.Load(st.Bundle); err == nil {
		stateJSON, _ := ociStateJSON(st)
		if spec.Hooks != nil {
			if err := runHooks(id, nil, spec.Hooks.Poststop, stateJSON); err != nil {
				if sink, serr := event.Open(lc.Root, id); serr == nil {
					sink.Emit(id, event.KindWarning, "poststop hook failed: %v", err)
				}
			}
		}
		lc.teardownNetwork(opts, spec, st)
	}

	if cg, err := cgroup.New(id, nil, false, false); err == nil {
		_ = cg.Delete()
	}

	_ = os.Remove(execFifoPath(lc.Root, id))
	_ = os.RemoveAll(filepath.Join(lc.Root, "overlay", id))
	return RemoveAll(lc.Root, id)
}

// State returns the persisted state for id.
func (lc *Lifecycle) State(id string) (*State, error) {
	return ReadState(lc.Root, id)
}

// List returns every persisted container's state under this root.
func (lc *Lifecycle) List() ([]*State, error) {
	return List(lc.Root)
}

// ociState is the subset of the OCI runtime state document (the JSON
// written to hook stdin; `bockrt state` prints State instead) this
// runtime populates, per spec.md §4.1 and the OCI runtime-spec state
// schema.
type ociState struct {
	OCIVersion  string            `json:"ociVersion"`
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	PID         int               `json:"pid,omitempty"`
	Bundle      string            `json:"bundle"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func ociStateJSON(st *State) ([]byte, error) {
	return json.Marshal(ociState{
		OCIVersion:  version.SpecVersion,
		ID:          st.ID,
		Status:      string(st.Status),
		PID:         st.PID,
		Bundle:      st.Bundle,
		Annotations: st.Annotations,
	})
}
