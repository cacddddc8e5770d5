package security

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	seccomp "github.com/seccomp/libseccomp-golang"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

var seccompActions = map[specs.LinuxSeccompAction]seccomp.ScmpAction{
	specs.ActKill:        seccomp.ActKill,
	specs.ActKillProcess: seccomp.ActKillProcess,
	specs.ActTrap:        seccomp.ActTrap,
	specs.ActErrno:       seccomp.ActErrno,
	specs.ActTrace:       seccomp.ActTrace,
	specs.ActAllow:       seccomp.ActAllow,
	specs.ActLog:         seccomp.ActLog,
}

var seccompArches = map[specs.Arch]seccomp.ScmpArch{
	specs.ArchX86_64:  seccomp.ArchAMD64,
	specs.ArchX86:     seccomp.ArchX86,
	specs.ArchX32:     seccomp.ArchX32,
	specs.ArchARM:     seccomp.ArchARM,
	specs.ArchAARCH64: seccomp.ArchARM64,
	specs.ArchMIPS:    seccomp.ArchMIPS,
	specs.ArchMIPS64:  seccomp.ArchMIPS64,
	specs.ArchPPC64:   seccomp.ArchPPC64,
	specs.ArchPPC64LE: seccomp.ArchPPC64LE,
	specs.ArchS390:    seccomp.ArchS390,
	specs.ArchS390X:   seccomp.ArchS390X,
}

var seccompCompareOps = map[specs.LinuxSeccompOperator]seccomp.ScmpCompareOp{
	specs.OpNotEqual:     seccomp.CompareNotEqual,
	specs.OpLessThan:     seccomp.CompareLess,
	specs.OpLessEqual:    seccomp.CompareLessOrEqual,
	specs.OpEqualTo:      seccomp.CompareEqual,
	specs.OpGreaterEqual: seccomp.CompareGreaterEqual,
	specs.OpGreaterThan:  seccomp.CompareGreater,
	specs.OpMaskedEqual:  seccomp.CompareMaskedEqual,
}

// installSeccomp compiles the bundle's LinuxSeccomp profile into a BPF
// filter via libseccomp and loads it into the calling thread, the last
// step SecurityGate performs before the ProcessLauncher execve's the
// entrypoint (spec.md §4.5 step 9).
func installSeccomp(s *specs.LinuxSeccomp) error {
	defaultAction, ok := seccompActions[s.DefaultAction]
	if !ok {
		return bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("unsupported seccomp default action %q", s.DefaultAction))
	}

	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "creating seccomp filter", err)
	}
	defer filter.Release()

	if len(s.Architectures) > 0 {
		// NewFilter seeds the filter with the native arch; remove it
		// before adding the bundle's explicit arch list so unlisted
		// arches are not silently permitted.
		if native, err := seccomp.GetNativeArch(); err == nil {
			_ = filter.RemoveArch(native)
		}
		for _, a := range s.Architectures {
			arch, ok := seccompArches[a]
			if !ok {
				return bockerr.New(bockerr.KernelUnsupported, fmt.Sprintf("unsupported seccomp arch %q", a))
			}
			if err := filter.AddArch(arch); err != nil {
				return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("adding seccomp arch %s", a), err)
			}
		}
	}

	for _, call := range s.Syscalls {
		action, ok := seccompActions[call.Action]
		if !ok {
			return bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("unsupported seccomp action %q", call.Action))
		}
		for _, name := range call.Names {
			id, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown syscall name on this kernel/arch: skip rather
				// than fail, matching runc's seccomp loader behavior for
				// forward-compatibility with profiles written for newer
				// kernels.
				continue
			}
			conds, err := seccompConditions(call.Args)
			if err != nil {
				return err
			}
			if len(conds) == 0 {
				if err := filter.AddRule(id, action); err != nil {
					return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("adding seccomp rule for %s", name), err)
				}
				continue
			}
			if err := filter.AddRuleConditional(id, action, conds); err != nil {
				return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("adding conditional seccomp rule for %s", name), err)
			}
		}
	}

	if err := filter.SetNoNewPrivsBit(false); err != nil {
		return bockerr.Wrap(bockerr.Internal, "configuring seccomp filter no_new_privs bit", err)
	}
	if err := filter.Load(); err != nil {
		return bockerr.Wrap(bockerr.Permission, "loading seccomp filter", err)
	}
	return nil
}

func seccompConditions(args []specs.LinuxSeccompArg) ([]seccomp.ScmpCondition, error) {
	var conds []seccomp.ScmpCondition
	for _, a := range args {
		op, ok := seccompCompareOps[a.Op]
		if !ok {
			return nil, bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("unsupported seccomp arg operator %q", a.Op))
		}
		cond, err := seccomp.MakeCondition(a.Index, op, a.Value, a.ValueTwo)
		if err != nil {
			return nil, bockerr.Wrap(bockerr.Internal, "building seccomp condition", err)
		}
		conds = append(conds, cond)
	}
	return conds, nil
}
