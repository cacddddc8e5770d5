// Package bundle loads an OCI bundle (spec.md GLOSSARY: a directory
// holding config.json and a rootfs/) and validates it into a SpecView,
// the in-memory projection spec.md §3 describes.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	units "github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// annotationMemoryLimit is a bundle annotation letting a bundle author
// write a human resource string ("512m", "2g") instead of the raw byte
// count config.json's linux.resources.memory.limit otherwise requires.
// It only takes effect when linux.resources.memory.limit is absent.
const annotationMemoryLimit = "bock.io/memory-limit"

// idPattern is the ContainerId grammar from spec.md §3.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,253}$`)

// ValidID reports whether id matches the ContainerId grammar.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// SpecView is the validated, in-memory projection of config.json that
// every component reads from instead of the raw specs.Spec. Owning a
// narrower type than specs.Spec keeps components from depending on
// fields spec.md never names (Solaris/Windows sections, etc).
type SpecView struct {
	Process *Process
	Root    Root
	Mounts  []Mount

	Namespaces    []Namespace
	UIDMappings   []IDMapping
	GIDMappings   []IDMapping
	Resources     *specs.LinuxResources
	Seccomp       *specs.LinuxSeccomp
	MaskedPaths   []string
	ReadonlyPaths []string

	Hooks *specs.Hooks

	Annotations map[string]string

	raw *specs.Spec
}

// Process mirrors the subset of specs.Process the runtime acts on.
type Process struct {
	Args            []string
	Env             []string
	Cwd             string
	User            specs.User
	Capabilities    *specs.LinuxCapabilities
	Rlimits         []specs.POSIXRlimit
	NoNewPrivileges bool
	Terminal        bool
	ApparmorProfile string
	SelinuxLabel    string
}

// Root mirrors specs.Root.
type Root struct {
	Path     string
	Readonly bool
}

// Mount mirrors specs.Mount plus the propagation flag spec.md's
// MountPlan calls out explicitly (shared/slave/private/unbindable),
// which upstream OCI folds into Options instead of a first-class field.
type Mount struct {
	Source      string
	Destination string
	Type        string
	Options     []string
	Propagation string
}

// Namespace mirrors one entry of linux.namespaces: a kind plus an
// optional join path.
type Namespace struct {
	Type specs.LinuxNamespaceType
	Path string // empty means create-new
}

// IDMapping mirrors specs.LinuxIDMapping.
type IDMapping struct {
	ContainerID uint32
	HostID      uint32
	Size        uint32
}

// Load reads bundle/config.json, applies the invariants spec.md §3 and
// §9 (Open Questions) name, and returns a validated SpecView.
func Load(bundleDir string) (*SpecView, error) {
	cfgPath := filepath.Join(bundleDir, "config.json")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bockerr.Wrap(bockerr.InvalidSpec, "config.json not found in bundle", err)
		}
		return nil, bockerr.Wrap(bockerr.IoFailed, "reading config.json", err)
	}

	var raw specs.Spec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, bockerr.Wrap(bockerr.InvalidSpec, "config.json is not valid JSON", err)
	}

	view, err := project(&raw, bundleDir)
	if err != nil {
		return nil, err
	}
	if err := validate(view); err != nil {
		return nil, err
	}
	return view, nil
}

func project(raw *specs.Spec, bundleDir string) (*SpecView, error) {
	if raw.Root == nil {
		return nil, bockerr.New(bockerr.InvalidSpec, "config.json is missing root")
	}
	rootPath := raw.Root.Path
	if !filepath.IsAbs(rootPath) {
		rootPath = filepath.Join(bundleDir, rootPath)
	}

	view := &SpecView{
		Root:        Root{Path: rootPath, Readonly: raw.Root.Readonly},
		Annotations: raw.Annotations,
		raw:         raw,
	}

	if raw.Process != nil {
		p := &Process{
			Args:            raw.Process.Args,
			Env:             raw.Process.Env,
			Cwd:             raw.Process.Cwd,
			User:            raw.Process.User,
			Capabilities:    raw.Process.Capabilities,
			Rlimits:         raw.Process.Rlimits,
			NoNewPrivileges: raw.Process.NoNewPrivileges,
			Terminal:        raw.Process.Terminal,
		}
		if raw.Process.ApparmorProfile != "" {
			p.ApparmorProfile = raw.Process.ApparmorProfile
		}
		if raw.Process.SelinuxLabel != "" {
			p.SelinuxLabel = raw.Process.SelinuxLabel
		}
		view.Process = p
	}

	for _, m := range raw.Mounts {
		view.Mounts = append(view.Mounts, Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        m.Type,
			Options:     m.Options,
			Propagation: propagationOf(m.Options),
		})
	}

	if raw.Linux != nil {
		for _, ns := range raw.Linux.Namespaces {
			view.Namespaces = append(view.Namespaces, Namespace{Type: ns.Type, Path: ns.Path})
		}
		for _, m := range raw.Linux.UIDMappings {
			view.UIDMappings = append(view.UIDMappings, IDMapping{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
		}
		for _, m := range raw.Linux.GIDMappings {
			view.GIDMappings = append(view.GIDMappings, IDMapping{ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size})
		}
		view.Resources = raw.Linux.Resources
		view.Seccomp = raw.Linux.Seccomp
		view.MaskedPaths = raw.Linux.MaskedPaths
		view.ReadonlyPaths = raw.Linux.ReadonlyPaths
	}

	view.Hooks = raw.Hooks

	if err := applyMemoryAnnotation(view); err != nil {
		return nil, err
	}

	return view, nil
}

// applyMemoryAnnotation fills in Resources.Memory.Limit from the
// bock.io/memory-limit annotation when config.json didn't already set
// a byte value there directly.
func applyMemoryAnnotation(view *SpecView) error {
	raw, ok := view.Annotations[annotationMemoryLimit]
	if !ok {
		return nil
	}
	if view.Resources != nil && view.Resources.Memory != nil && view.Resources.Memory.Limit != nil {
		return nil
	}
	bytes, err := units.RAMInBytes(raw)
	if err != nil {
		return bockerr.Wrap(bockerr.InvalidSpec, "annotation "+annotationMemoryLimit+" is not a size", err)
	}
	if view.Resources == nil {
		view.Resources = &specs.LinuxResources{}
	}
	if view.Resources.Memory == nil {
		view.Resources.Memory = &specs.LinuxMemory{}
	}
	view.Resources.Memory.Limit = &bytes
	return nil
}

// propagationOf extracts the first shared/slave/private/unbindable
// token out of a mount's Options, defaulting to "private" the way the
// kernel treats new mount namespaces absent an explicit marking.
func propagationOf(options []string) string {
	for _, o := range options {
		switch o {
		case "shared", "slave", "private", "unbindable":
			return o
		}
	}
	return "private"
}

// validate enforces the cross-field invariants spec.md calls out,
// including the two Open Questions this repo's expansion decided:
// reject uidMappings combined with a join-path user namespace, and
// reject both a join-path and create-new request for one namespace
// kind (spec.md §4.2, Errors: Invariant).
func validate(v *SpecView) error {
	seen := make(map[specs.LinuxNamespaceType]bool)
	var userNS *Namespace
	for i := range v.Namespaces {
		ns := v.Namespaces[i]
		if seen[ns.Type] {
			return bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("namespace %s listed more than once", ns.Type))
		}
		seen[ns.Type] = true
		if ns.Type == specs.UserNamespace {
			userNS = &v.Namespaces[i]
		}
	}

	if userNS != nil && userNS.Path != "" && (len(v.UIDMappings) > 0 || len(v.GIDMappings) > 0) {
		return bockerr.New(bockerr.InvalidSpec, "uidMappings/gidMappings cannot be combined with a join-path user namespace")
	}

	if (len(v.UIDMappings) > 0 || len(v.GIDMappings) > 0) && userNS == nil {
		return bockerr.New(bockerr.InvalidSpec, "uidMappings/gidMappings require a user namespace to be requested")
	}

	if v.Process != nil && len(v.Process.Args) == 0 {
		return bockerr.New(bockerr.InvalidSpec, "process.args must not be empty")
	}

	return nil
}

// Raw returns the unprojected specs.Spec, for components (e.g. hook
// execution) that need fields SpecView intentionally does not mirror.
func (v *SpecView) Raw() *specs.Spec { return v.raw }
