// Package security implements the SecurityGate component of spec.md
// §4.5: rlimits, user/group switching, capability drop, no_new_privs,
// LSM labels and seccomp, applied in the fixed order the spec names.
//
// The bounding-set-drop-before-user-change-before-remaining-drop
// ordering, and the keep-caps-while-switching-user trick, are lifted
// directly from plpan-runc__init_linux.go's finalizeNamespace and
// setupUser; the capability primitives come from syndtr/gocapability
// the way moby-moby's pkg/libcontainer/security/capabilities package
// uses them.
package security

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/selinux/go-selinux"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
)

const allCapabilityTypes = capability.CAPS | capability.BOUNDS | capability.AMBS

// Identity is the resolved uid/gid/supplementary-groups triple the
// container process switches to, analogous to runc's execUser.
type Identity struct {
	UID    int
	GID    int
	Groups []int
}

// Gate applies the fixed security sequence to the calling process,
// which must already be the container's entrypoint process (bockEntry,
// a child of the container's PID 1) running inside its target
// namespaces but before execve of the user's entrypoint.
type Gate struct {
	spec *bundle.SpecView
}

func New(spec *bundle.SpecView) *Gate {
	return &Gate{spec: spec}
}

// Apply runs, in order: rlimits, LSM label, bounding-set drop,
// keep-caps, user switch, clear-keep-caps, remaining cap drop,
// no_new_privs, seccomp install. The LSM label must land before the
// capability drop: writing to /proc/self/attr/* needs CAP_MAC_ADMIN in
// some configurations, so it has to happen while that capability is
// still in the bounding set. Capabilities must also be pruned from the
// bounding set before the uid change (a non-root uid cannot add
// capabilities back to its own bounding set), and the
// effective/permitted/inheritable sets must be fully dropped only
// after the uid/gid switch completes.
func (g *Gate) Apply(id Identity) error {
	if err := applyRlimits(g.spec.Process); err != nil {
		return err
	}

	if err := applyLSMLabel(g.spec.Process); err != nil {
		return err
	}
	if err := applyAppArmorProfile(g.spec.Process); err != nil {
		return err
	}

	caps, err := newCapabilitySet(g.spec.Process)
	if err != nil {
		return err
	}
	if err := caps.dropBounding(); err != nil {
		return err
	}
	if err := setKeepCaps(true); err != nil {
		return err
	}
	if err := switchUser(id); err != nil {
		return err
	}
	if err := setKeepCaps(false); err != nil {
		return err
	}
	if err := caps.dropRemaining(); err != nil {
		return err
	}

	if g.spec.Process != nil && g.spec.Process.NoNewPrivileges {
		if err := setNoNewPrivs(); err != nil {
			return err
		}
	}

	if g.spec.Seccomp != nil {
		if err := installSeccomp(g.spec.Seccomp); err != nil {
			return err
		}
	}
	return nil
}

func applyRlimits(p *bundle.Process) error {
	if p == nil {
		return nil
	}
	for _, r := range p.Rlimits {
		res, ok := rlimitResource(r.Type)
		if !ok {
			return bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("unknown rlimit type %q", r.Type))
		}
		lim := unix.Rlimit{Cur: r.Soft, Max: r.Hard}
		if err := unix.Setrlimit(res, &lim); err != nil {
			return bockerr.Wrap(bockerr.Permission, fmt.Sprintf("setrlimit %s", r.Type), err)
		}
	}
	return nil
}

func rlimitResource(name string) (int, bool) {
	m := map[string]int{
		"RLIMIT_CPU":        unix.RLIMIT_CPU,
		"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
		"RLIMIT_DATA":       unix.RLIMIT_DATA,
		"RLIMIT_STACK":      unix.RLIMIT_STACK,
		"RLIMIT_CORE":       unix.RLIMIT_CORE,
		"RLIMIT_RSS":        unix.RLIMIT_RSS,
		"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
		"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
		"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
		"RLIMIT_AS":         unix.RLIMIT_AS,
		"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
		"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
		"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
		"RLIMIT_NICE":       unix.RLIMIT_NICE,
		"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
		"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
	}
	v, ok := m[name]
	return v, ok
}

// capabilitySet wraps gocapability's process handle plus the caps
// this container keeps, split into a bounding-set drop and a
// remaining-set drop so the caller can interleave the user switch.
type capabilitySet struct {
	proc capability.Capabilities
	keep []capability.Cap
}

func newCapabilitySet(p *bundle.Process) (*capabilitySet, error) {
	proc, err := capability.NewPid2(0)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "reading process capabilities", err)
	}
	if err := proc.Load(); err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "loading process capabilities", err)
	}

	var keep []capability.Cap
	if p != nil && p.Capabilities != nil {
		for _, name := range p.Capabilities.Bounding {
			c, ok := capabilityByName(name)
			if !ok {
				return nil, bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("unknown capability %q", name))
			}
			keep = append(keep, c)
		}
	}
	return &capabilitySet{proc: proc, keep: keep}, nil
}

func (c *capabilitySet) dropBounding() error {
	c.proc.Clear(capability.BOUNDS)
	c.proc.Set(capability.BOUNDS, c.keep...)
	if err := c.proc.Apply(capability.BOUNDS); err != nil {
		return bockerr.Wrap(bockerr.Permission, "dropping bounding capabilities", err)
	}
	return nil
}

func (c *capabilitySet) dropRemaining() error {
	c.proc.Clear(capability.CAPS | capability.AMBS)
	c.proc.Set(capability.CAPS|capability.AMBS, c.keep...)
	if err := c.proc.Apply(capability.CAPS | capability.AMBS); err != nil {
		return bockerr.Wrap(bockerr.Permission, "dropping capabilities", err)
	}
	return nil
}

func capabilityByName(name string) (capability.Cap, bool) {
	for c := capability.CAP_CHOWN; c <= capability.CAP_LAST_CAP; c++ {
		if "CAP_"+strings.ToUpper(c.String()) == name {
			return c, true
		}
	}
	return 0, false
}

// setKeepCaps toggles the SECBIT_KEEP_CAPS flag via prctl so a
// setuid(2) away from root does not implicitly clear the effective
// capability set, exactly the window finalizeNamespace needs between
// dropping the bounding set and completing the uid/gid switch.
func setKeepCaps(keep bool) error {
	val := uintptr(0)
	if keep {
		val = 1
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_KEEPCAPS, val, 0); errno != 0 {
		return bockerr.New(bockerr.Internal, "prctl(PR_SET_KEEPCAPS)").WithErrno(int(errno))
	}
	return nil
}

func switchUser(id Identity) error {
	if len(id.Groups) > 0 {
		if err := unix.Setgroups(id.Groups); err != nil {
			return bockerr.Wrap(bockerr.Permission, "setgroups", err)
		}
	}
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return bockerr.Wrap(bockerr.Permission, "setresgid", err)
	}
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return bockerr.Wrap(bockerr.Permission, "setresuid", err)
	}
	return nil
}

func setNoNewPrivs() error {
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return bockerr.New(bockerr.Internal, "prctl(PR_SET_NO_NEW_PRIVS)").WithErrno(int(errno))
	}
	return nil
}

// applyLSMLabel sets the SELinux process label when the bundle names
// one and SELinux is enabled on the host.
func applyLSMLabel(p *bundle.Process) error {
	if p == nil || p.SelinuxLabel == "" {
		return nil
	}
	if !selinux.GetEnabled() {
		return nil
	}
	if err := selinux.SetExecLabel(p.SelinuxLabel); err != nil {
		return bockerr.Wrap(bockerr.Permission, "setting selinux exec label", err)
	}
	return nil
}

// appArmorEnabled mirrors runc's libcontainer/apparmor.IsEnabled: AppArmor
// is usable only if the LSM is compiled in and turned on.
func appArmorEnabled() bool {
	if _, err := os.Stat("/sys/kernel/security/apparmor"); err != nil {
		return false
	}
	buf, err := os.ReadFile("/sys/module/apparmor/parameters/enabled")
	return err == nil && bytes.HasPrefix(buf, []byte("Y"))
}

// applyAppArmorProfile requests the named profile take effect on the next
// execve, the same aa_change_onexec reimplementation runc's apparmor_linux.go
// uses: writing "exec <name>" to /proc/self/attr/exec queues the switch so it
// lands on the container entrypoint rather than this process.
func applyAppArmorProfile(p *bundle.Process) error {
	if p == nil || p.ApparmorProfile == "" {
		return nil
	}
	if !appArmorEnabled() {
		return nil
	}
	f, err := os.OpenFile("/proc/self/attr/exec", os.O_WRONLY, 0)
	if err != nil {
		return bockerr.Wrap(bockerr.Permission, "opening apparmor exec attr", err)
	}
	defer f.Close()
	if _, err := f.WriteString("exec " + p.ApparmorProfile); err != nil {
		return bockerr.Wrap(bockerr.Permission, "applying apparmor profile "+p.ApparmorProfile, err)
	}
	return nil
}
