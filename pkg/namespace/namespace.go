// Package namespace implements the NamespaceEngine component of
// spec.md §4.2: translating the SpecView's namespace set into clone
// flags, writing uid/gid maps, and joining existing namespaces via
// setns.
package namespace

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
)

// cloneFlag maps an OCI namespace type to its CLONE_NEW* flag. Types
// outside this map are rejected as Unsupported by Validate.
var cloneFlag = map[specs.LinuxNamespaceType]uintptr{
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// nsFile maps a namespace type to the name under /proc/$pid/ns used
// both for setns joins and for the exec ordering spec.md §4.6 names
// (user, ipc, uts, net, pid, mount, cgroup).
var nsFile = map[specs.LinuxNamespaceType]string{
	specs.UserNamespace:    "user",
	specs.PIDNamespace:     "pid",
	specs.MountNamespace:   "mnt",
	specs.NetworkNamespace: "net",
	specs.UTSNamespace:     "uts",
	specs.IPCNamespace:     "ipc",
	specs.CgroupNamespace:  "cgroup",
}

// ExecOrder is the fixed setns order spec.md §4.6 names for `exec`
// into a running container.
var ExecOrder = []specs.LinuxNamespaceType{
	specs.UserNamespace,
	specs.IPCNamespace,
	specs.UTSNamespace,
	specs.NetworkNamespace,
	specs.PIDNamespace,
	specs.MountNamespace,
	specs.CgroupNamespace,
}

// Plan is the namespace configuration for one container, split into
// the namespaces to create fresh and the namespaces to join by path.
type Plan struct {
	CreateFlags uintptr
	Joins       []bundle.Namespace // each has a non-empty Path
	HasUserNS   bool
}

// Validate rejects namespace configuration errors eagerly, before any
// syscall is attempted: an unknown type (Unsupported) or a namespace
// requested both as create-new and join-path, which cannot happen from
// a single SpecView.Namespaces entry but can if a caller appends
// duplicate entries by hand.
func Validate(namespaces []bundle.Namespace) (*Plan, error) {
	plan := &Plan{}
	seen := make(map[specs.LinuxNamespaceType]bool)
	for _, ns := range namespaces {
		if _, ok := cloneFlag[ns.Type]; !ok {
			return nil, bockerr.New(bockerr.KernelUnsupported, fmt.Sprintf("namespace type %q is not supported", ns.Type))
		}
		if seen[ns.Type] {
			return nil, bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("namespace %s specified more than once", ns.Type))
		}
		seen[ns.Type] = true

		if ns.Path != "" {
			plan.Joins = append(plan.Joins, ns)
			continue
		}
		plan.CreateFlags |= cloneFlag[ns.Type]
		if ns.Type == specs.UserNamespace {
			plan.HasUserNS = true
		}
	}
	return plan, nil
}

// CreateFlagsWithoutUser returns the clone flags for every
// create-fresh namespace except the user namespace, which spec.md
// §4.2 requires be unshared first and alone.
func (p *Plan) CreateFlagsWithoutUser() uintptr {
	return p.CreateFlags &^ unix.CLONE_NEWUSER
}

// UnshareUser unshares only CLONE_NEWUSER, the first step the helper
// takes per spec.md §4.2 so later namespace creations are owned by the
// new user namespace.
func UnshareUser() error {
	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return bockerr.Wrap(bockerr.Internal, "unshare(CLONE_NEWUSER)", err)
	}
	return nil
}

// UnshareRest unshares every remaining requested namespace in one
// unshare(2) call, as spec.md §4.6 step 2 describes.
func UnshareRest(flags uintptr) error {
	if flags == 0 {
		return nil
	}
	if err := unix.Unshare(int(flags)); err != nil {
		return bockerr.Wrap(bockerr.Internal, "unshare(remaining namespaces)", err)
	}
	return nil
}

// Join opens the namespace file at path and setns(2)s the calling
// thread into it, then closes the fd. Per spec.md §4.2 this must run
// single-threaded (the caller is expected to have called
// runtime.LockOSThread beforehand) to avoid inheriting foreign
// mount/thread state.
func Join(nsType specs.LinuxNamespaceType, path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("open namespace file %s", path), err)
	}
	defer unix.Close(fd)

	if err := unix.Setns(fd, int(cloneFlag[nsType])); err != nil {
		return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("setns(%s)", nsType), err)
	}
	return nil
}

// NSPath returns /proc/$pid/ns/<file> for the given namespace type.
func NSPath(pid int, nsType specs.LinuxNamespaceType) string {
	return fmt.Sprintf("/proc/%d/ns/%s", pid, nsFile[nsType])
}

// IDMap is one line of a uid_map/gid_map file: "containerID hostID size".
type IDMap struct {
	ContainerID uint32
	HostID      uint32
	Size        uint32
}

func toIDMap(ms []bundle.IDMapping) []IDMap {
	out := make([]IDMap, 0, len(ms))
	for _, m := range ms {
		out = append(out, IDMap{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
	}
	return out
}

// WriteIDMaps writes uid_map and gid_map for the helper process at
// pid, writing "setgroups deny" before gid_map when rootless, exactly
// the order spec.md §4.2 requires. Must be called by the supervisor,
// which still holds privilege, while the helper blocks on a pipe read.
func WriteIDMaps(pid int, uidMappings, gidMappings []bundle.IDMapping, rootless bool) error {
	if rootless {
		if err := writeSetgroups(pid, "deny"); err != nil {
			return err
		}
	}
	if len(uidMappings) > 0 {
		if err := validateSubIDRange("/etc/subuid", toIDMap(uidMappings)); err != nil {
			return err
		}
		if err := writeIDMapFile(pid, "uid_map", toIDMap(uidMappings)); err != nil {
			return err
		}
	}
	if len(gidMappings) > 0 {
		if err := validateSubIDRange("/etc/subgid", toIDMap(gidMappings)); err != nil {
			return err
		}
		if err := writeIDMapFile(pid, "gid_map", toIDMap(gidMappings)); err != nil {
			return err
		}
	}
	return nil
}

func writeSetgroups(pid int, mode string) error {
	path := fmt.Sprintf("/proc/%d/setgroups", pid)
	if err := os.WriteFile(path, []byte(mode), 0o644); err != nil {
		// Kernels without CONFIG_USER_NS expose no setgroups file; a
		// missing file here is not fatal since gid_map may not be used.
		if os.IsNotExist(err) {
			return nil
		}
		return bockerr.Wrap(bockerr.Permission, "writing setgroups", err)
	}
	return nil
}

func writeIDMapFile(pid int, name string, maps []IDMap) error {
	var b strings.Builder
	for _, m := range maps {
		fmt.Fprintf(&b, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	path := fmt.Sprintf("/proc/%d/%s", pid, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		if os.IsPermission(err) {
			return bockerr.Wrap(bockerr.Permission, fmt.Sprintf("writing %s", name), err)
		}
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("writing %s", name), err)
	}
	return nil
}

// validateSubIDRange rejects a mapping whose host range is not fully
// covered by an entry in /etc/subuid or /etc/subgid for the calling
// user, per spec.md §8's boundary behavior.
func validateSubIDRange(file string, maps []IDMap) error {
	f, err := os.Open(file)
	if err != nil {
		// Running as real root with no subuid/subgid entries is normal;
		// only enforce the range check when the file exists.
		if os.IsNotExist(err) {
			return nil
		}
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("reading %s", file), err)
	}
	defer f.Close()

	uid := os.Getuid()
	uidStr := strconv.Itoa(uid)
	username := ""
	if u, err := user.LookupId(uidStr); err == nil {
		username = u.Username
	}

	var ranges []struct{ start, size uint32 }
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(strings.TrimSpace(scanner.Text()), ":")
		if len(fields) != 3 {
			continue
		}
		// /etc/subuid and /etc/subgid conventionally key entries by
		// username (e.g. "alice:100000:65536"), though the numeric uid
		// form is also valid per the file format.
		if fields[0] != uidStr && (username == "" || fields[0] != username) {
			continue
		}
		start, err1 := strconv.ParseUint(fields[1], 10, 32)
		size, err2 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil {
			continue
		}
		ranges = append(ranges, struct{ start, size uint32 }{uint32(start), uint32(size)})
	}
	if len(ranges) == 0 {
		// Real root with privilege to map anything, or the file simply
		// has no entry for this uid: defer to the kernel's own check.
		return nil
	}

	for _, m := range maps {
		covered := false
		for _, r := range ranges {
			if m.HostID >= r.start && m.HostID+m.Size <= r.start+r.size {
				covered = true
				break
			}
		}
		if !covered {
			return bockerr.New(bockerr.Permission, fmt.Sprintf("host id range [%d,%d) exceeds %s", m.HostID, m.HostID+m.Size, file))
		}
	}
	return nil
}
