// Package rootfs implements the RootfsBuilder component of spec.md
// §4.4: turning the SpecView's Root and Mounts into a live filesystem
// tree inside the new mount namespace, finishing with pivot_root.
//
// The device/mount/mask-path shape here is grounded on the teacher's
// getLibcontainerConfig (pkg/native/adapter.go), generalized from its
// hardcoded busybox defaults to the SpecView's own Mounts, MaskedPaths
// and ReadonlyPaths; the mount-order and propagation handling follows
// runc's rootfs_linux.go pattern referenced across the pack (e.g.
// plpan-runc__init_linux.go's mount config shape).
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
)

// annotationLowerDirs names already-unpacked layer directories (base
// layer first, matching OCI manifest order) for the overlay assembly
// step of spec.md §4.4; resolving image digests into those directories
// is image-format parsing, one of spec.md's explicit Non-goals, so this
// runtime only accepts the resolved paths, not the digests themselves.
const annotationLowerDirs = "bock.io/lower-dirs"

// defaultMountFlags mirrors the teacher's MS_NOEXEC|MS_NOSUID|MS_NODEV
// default for pseudo-filesystems lacking explicit flags.
const defaultMountFlags = unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV

// Device describes one device node RootfsBuilder creates under the
// new root's /dev, the same six nodes the teacher's adapter hardcodes
// (null, zero, full, tty, random, urandom), kept as the default set
// but now data rather than code.
type Device struct {
	Path         string
	Type         rune // 'c' character, 'b' block
	Major, Minor int64
	Mode         os.FileMode
}

// DefaultDevices is the minimal /dev population every container gets
// regardless of the bundle's own device list, matching spec.md §4.4's
// "always-present" device set.
var DefaultDevices = []Device{
	{Path: "null", Type: 'c', Major: 1, Minor: 3, Mode: 0o666},
	{Path: "zero", Type: 'c', Major: 1, Minor: 5, Mode: 0o666},
	{Path: "full", Type: 'c', Major: 1, Minor: 7, Mode: 0o666},
	{Path: "tty", Type: 'c', Major: 5, Minor: 0, Mode: 0o666},
	{Path: "random", Type: 'c', Major: 1, Minor: 8, Mode: 0o666},
	{Path: "urandom", Type: 'c', Major: 1, Minor: 9, Mode: 0o666},
}

// Builder assembles one container's root filesystem.
type Builder struct {
	spec *bundle.SpecView

	// overlayDir is $ROOT/overlay/$ID, provisioned by Lifecycle.Create
	// regardless of whether this container ends up using it; only
	// consulted when the bundle actually requests overlay assembly.
	overlayDir string
}

func New(spec *bundle.SpecView, overlayDir string) *Builder {
	return &Builder{spec: spec, overlayDir: overlayDir}
}

// Prepare runs the full sequence spec.md §4.4 describes, in order:
// make root propagation private, overlay assembly (if requested),
// bind-mount root onto itself (so pivot_root accepts it), run the
// mount plan, populate /dev, apply masked/readonly paths, then
// pivot_root and remount read-only if requested. Must run inside the
// container's own mount namespace, after NamespaceEngine has unshared
// CLONE_NEWNS.
func (b *Builder) Prepare() error {
	if err := b.isolatePropagation(); err != nil {
		return err
	}
	if err := b.assembleOverlay(); err != nil {
		return err
	}
	if err := b.bindRootOntoItself(); err != nil {
		return err
	}
	if err := b.applyMounts(); err != nil {
		return err
	}
	if err := b.populateDevices(); err != nil {
		return err
	}
	if err := b.maskPaths(); err != nil {
		return err
	}
	if err := b.readonlyPaths(); err != nil {
		return err
	}
	if err := b.pivot(); err != nil {
		return err
	}
	if b.spec.Root.Readonly {
		if err := b.remountRootReadonly(); err != nil {
			return err
		}
	}
	return nil
}

// assembleOverlay implements spec.md §4.4 step 2: when the bundle
// carries lower-dirs, compose lowerdir=…/upperdir=…/workdir=… and
// mount the union at $ROOT/overlay/$ID/merged, then redirect Root.Path
// there for the rest of Prepare. Absent the annotation Root.Path is
// used as-is, the common OCI runtime contract of a rootfs the caller
// already assembled.
func (b *Builder) assembleOverlay() error {
	raw, ok := b.spec.Annotations[annotationLowerDirs]
	if !ok || raw == "" {
		return nil
	}
	if b.overlayDir == "" {
		return bockerr.New(bockerr.InvalidSpec, annotationLowerDirs+" set but no overlay directory was provisioned")
	}

	lowers := strings.Split(raw, ":")
	// The kernel wants the highest-priority (topmost) layer listed
	// first; the annotation follows OCI manifest order (base first),
	// so reverse it.
	for i, j := 0, len(lowers)-1; i < j; i, j = i+1, j-1 {
		lowers[i], lowers[j] = lowers[j], lowers[i]
	}

	upper := filepath.Join(b.overlayDir, "upper")
	work := filepath.Join(b.overlayDir, "work")
	merged := filepath.Join(b.overlayDir, "merged")
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return bockerr.Wrap(bockerr.IoFailed, "creating overlay directory "+dir, err)
		}
	}

	if err := rejectWorkdirSharingTmp(work); err != nil {
		return err
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lowers, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return bockerr.Wrap(bockerr.Internal, "mounting overlay rootfs", err)
	}

	b.spec.Root.Path = merged
	return nil
}

// rejectWorkdirSharingTmp implements the Open Question spec.md §9
// decides explicitly: overlayfs workdir's interaction with pivot_root
// is kernel-version dependent when workdir is tmpfs-backed and shares
// that tmpfs mount with /tmp, so this runtime fails fast with
// KernelUnsupported instead of risking it.
func rejectWorkdirSharingTmp(work string) error {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil // best effort: let the mount syscall itself decide
	}
	workMount := closestMount(mounts, work)
	if workMount == nil || workMount.FSType != "tmpfs" {
		return nil
	}
	tmpMount := closestMount(mounts, "/tmp")
	if tmpMount != nil && tmpMount.Mountpoint == workMount.Mountpoint {
		return bockerr.New(bockerr.KernelUnsupported, "overlay workdir shares a tmpfs mount with /tmp")
	}
	return nil
}

// closestMount returns the mount entry whose Mountpoint is the
// longest prefix of path, i.e. the filesystem path actually resides on.
func closestMount(mounts []*mountinfo.Info, path string) *mountinfo.Info {
	var best *mountinfo.Info
	for _, m := range mounts {
		if !strings.HasPrefix(path, m.Mountpoint) {
			continue
		}
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	return best
}

// isolatePropagation makes "/" private recursively in the new mount
// namespace so later mounts never leak to the host, the step spec.md
// §4.4 requires before any other mount activity.
func (b *Builder) isolatePropagation() error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return bockerr.Wrap(bockerr.Internal, "making / private", err)
	}
	return nil
}

// bindRootOntoItself satisfies pivot_root(2)'s requirement that the
// new root be a mount point distinct from its parent.
func (b *Builder) bindRootOntoItself() error {
	root := b.spec.Root.Path
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return bockerr.Wrap(bockerr.Internal, "bind-mounting rootfs onto itself", err)
	}
	return nil
}

// applyMounts walks the bundle's mount plan in the order given,
// resolving each destination under root via securejoin so a symlink
// inside the not-yet-trusted rootfs cannot escape to a host path.
func (b *Builder) applyMounts() error {
	for _, m := range b.spec.Mounts {
		if err := b.applyOne(m); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) applyOne(m bundle.Mount) error {
	target, err := securejoin.SecureJoin(b.spec.Root.Path, m.Destination)
	if err != nil {
		return bockerr.Wrap(bockerr.InvalidSpec, fmt.Sprintf("resolving mount destination %s", m.Destination), err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil && !os.IsExist(err) {
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("creating mount point %s", target), err)
	}

	flags, data := mountFlags(m)
	source := m.Source
	isBind := m.Type == "bind" || flags&unix.MS_BIND != 0
	if isBind {
		flags |= unix.MS_BIND
	}

	initialFlags := uintptr(flags)
	if isBind {
		// Linux does not honor most mount flags (MS_RDONLY, MS_NOSUID,
		// ...) on the initial MS_BIND mount, so the first call only
		// establishes the bind itself; the flags are applied below with
		// a second MS_REMOUNT|MS_BIND pass, per mount(2)'s bind-mount
		// section.
		initialFlags = uintptr(unix.MS_BIND)
	}
	if err := unix.Mount(source, target, m.Type, initialFlags, data); err != nil {
		return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("mounting %s on %s", source, m.Destination), err)
	}

	if isBind {
		if err := unix.Mount(source, target, m.Type, uintptr(flags)|unix.MS_REMOUNT, data); err != nil {
			return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("remounting %s on %s with bind flags", source, m.Destination), err)
		}
	}

	if prop := propagationFlag(m.Propagation); prop != 0 {
		if err := unix.Mount("", target, "", prop, ""); err != nil {
			return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("setting propagation on %s", m.Destination), err)
		}
	}
	return nil
}

// mountFlags splits an OCI mount's Options into the numeric mount(2)
// flags and the remaining comma-joined data string, recognizing the
// same option vocabulary runc's parseMountOptions does.
func mountFlags(m bundle.Mount) (int, string) {
	var flags int
	var data []string
	for _, opt := range m.Options {
		switch opt {
		case "bind", "rbind":
			flags |= unix.MS_BIND
		case "ro":
			flags |= unix.MS_RDONLY
		case "nosuid":
			flags |= unix.MS_NOSUID
		case "noexec":
			flags |= unix.MS_NOEXEC
		case "nodev":
			flags |= unix.MS_NODEV
		case "relatime":
			flags |= unix.MS_RELATIME
		case "strictatime":
			flags |= unix.MS_STRICTATIME
		case "shared", "slave", "private", "unbindable":
			// handled separately via propagationFlag
		default:
			data = append(data, opt)
		}
	}
	if flags == 0 && len(m.Options) == 0 && isPseudoFS(m.Type) {
		flags = defaultMountFlags
	}
	joined := ""
	for i, d := range data {
		if i > 0 {
			joined += ","
		}
		joined += d
	}
	return flags, joined
}

func isPseudoFS(t string) bool {
	switch t {
	case "proc", "sysfs", "tmpfs", "devpts", "mqueue", "cgroup", "cgroup2":
		return true
	}
	return false
}

func propagationFlag(p string) uintptr {
	switch p {
	case "shared":
		return unix.MS_SHARED
	case "slave":
		return unix.MS_SLAVE
	case "unbindable":
		return unix.MS_UNBINDABLE
	case "private":
		return unix.MS_PRIVATE
	}
	return 0
}

// populateDevices creates the default device-node set, mirroring the
// teacher's hardcoded six-node /dev (now generalized). No nodes are
// created for device entries in the bundle.
func (b *Builder) populateDevices() error {
	devDir := filepath.Join(b.spec.Root.Path, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating /dev", err)
	}
	for _, d := range DefaultDevices {
		if err := mknod(filepath.Join(devDir, d.Path), d); err != nil {
			return err
		}
	}
	// /dev/console (an empty placeholder file), /dev/ptmx and the
	// standard fd symlinks round out a usable /dev.
	console, err := os.OpenFile(filepath.Join(devDir, "console"), os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating /dev/console placeholder", err)
	}
	console.Close()
	for oldname, newname := range map[string]string{
		"pts/ptmx":        "ptmx",
		"/proc/self/fd":   "fd",
		"/proc/self/fd/0": "stdin",
		"/proc/self/fd/1": "stdout",
		"/proc/self/fd/2": "stderr",
	} {
		_ = os.Symlink(oldname, filepath.Join(devDir, newname))
	}
	return nil
}

func mknod(path string, d Device) error {
	mode := uint32(d.Mode)
	if d.Type == 'b' {
		mode |= unix.S_IFBLK
	} else {
		mode |= unix.S_IFCHR
	}
	dev := int(unix.Mkdev(uint32(d.Major), uint32(d.Minor)))
	if err := unix.Mknod(path, mode, dev); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("mknod %s", path), err)
	}
	return nil
}

// maskPaths bind-mounts /dev/null (or an empty dir) over each masked
// path so it reads as empty/absent without removing host inodes,
// exactly spec.md §4.4's masking semantics.
func (b *Builder) maskPaths() error {
	for _, p := range b.spec.MaskedPaths {
		target, err := securejoin.SecureJoin(b.spec.Root.Path, p)
		if err != nil {
			continue
		}
		info, statErr := os.Stat(target)
		if statErr != nil {
			continue
		}
		if info.IsDir() {
			if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_RDONLY, ""); err != nil {
				return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("masking directory %s", p), err)
			}
			continue
		}
		if err := unix.Mount("/dev/null", target, "", unix.MS_BIND, ""); err != nil {
			return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("masking %s", p), err)
		}
	}
	return nil
}

// readonlyPaths bind-mounts each path onto itself then remounts it
// MS_RDONLY, the standard two-step bind+remount needed because
// MS_BIND ignores MS_RDONLY in the same call.
func (b *Builder) readonlyPaths() error {
	for _, p := range b.spec.ReadonlyPaths {
		target, err := securejoin.SecureJoin(b.spec.Root.Path, p)
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(target); statErr != nil {
			continue
		}
		if err := unix.Mount(target, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("bind for readonly %s", p), err)
		}
		if err := unix.Mount(target, target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("remounting readonly %s", p), err)
		}
	}
	return nil
}

// pivot performs the pivot_root dance: chdir into the new root, move
// the old root under a temp mount point, pivot, chdir to "/", then
// unmount and remove the old root's directory so nothing leaks
// through it. The leading-dot ".pivot_root" name matches runc's
// convention referenced throughout the pack.
func (b *Builder) pivot() error {
	root := b.spec.Root.Path
	if err := unix.Chdir(root); err != nil {
		return bockerr.Wrap(bockerr.Internal, "chdir to new root", err)
	}

	oldRoot := filepath.Join(root, ".pivot_root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating pivot_root holder", err)
	}
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		return bockerr.Wrap(bockerr.Internal, "pivot_root", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return bockerr.Wrap(bockerr.Internal, "chdir to / after pivot_root", err)
	}

	oldRootAfterPivot := "/.pivot_root"
	if err := unix.Mount("", oldRootAfterPivot, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return bockerr.Wrap(bockerr.Internal, "making old root private before unmount", err)
	}
	if err := unix.Unmount(oldRootAfterPivot, unix.MNT_DETACH); err != nil {
		return bockerr.Wrap(bockerr.Internal, "unmounting old root", err)
	}
	if err := os.RemoveAll(oldRootAfterPivot); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "removing old root mountpoint", err)
	}
	return nil
}

func (b *Builder) remountRootReadonly() error {
	if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
		return bockerr.Wrap(bockerr.Internal, "remounting root read-only", err)
	}
	return nil
}
