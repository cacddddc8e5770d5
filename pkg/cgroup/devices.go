package cgroup

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// bpf_cgroup_dev_ctx, the context the kernel hands a BPF_PROG_TYPE_CGROUP_DEVICE
// program: access_type packs (access << 16 | device_type) in its low and
// high halves, followed by major and minor.
const (
	devTypeBlock = 1
	devTypeChar  = 2

	accMknod = 1
	accRead  = 2
	accWrite = 4
)

// applyDevicesV2 compiles resources.Devices into a cgroup/device_control
// BPF program and attaches it to the cgroup, the v2 replacement for the
// legacy devices cgroup's whitelist file. Modeled on runc's
// libcontainer/cgroups/devicefilter package (not present verbatim in the
// pack; this is the one piece written from documented cilium/ebpf API
// rather than an in-pack file, since no retrieved repo vendors the
// ebpf/asm subpackage in full — see DESIGN.md).
func (h *Handle) applyDevicesV2(rules []specs.LinuxDeviceCgroup) error {
	if len(rules) == 0 {
		return nil
	}

	prog, err := compileDeviceProgram(rules)
	if err != nil {
		return err
	}
	defer prog.Close()

	cgroupFd, err := unix.Open(h.Path, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return bockerr.Wrap(bockerr.Permission, "opening cgroup dir for device filter attach", err)
	}
	defer unix.Close(cgroupFd)

	if err := prog.Attach(cgroupFd, ebpf.AttachCGroupDevice, ebpf.AttachFlags(0)); err != nil {
		return bockerr.Wrap(bockerr.Permission, "attaching cgroup device filter", err)
	}
	return nil
}

// compileDeviceProgram builds a default-deny whitelist: each rule with
// Allow true jumps to the "allow" tail when type/major/minor/access all
// match (a missing Major/Minor means "any"); everything else falls
// through to a deny return, matching the OCI device-cgroup semantics
// spec.md §4.3 inherits from runc (explicit allow list, implicit deny).
func compileDeviceProgram(rules []specs.LinuxDeviceCgroup) (*ebpf.Program, error) {
	var insns asm.Instructions

	// R2 = access_type, R3 = major, R4 = minor; R1 holds the ctx pointer.
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Word),
		asm.LoadMem(asm.R3, asm.R1, 4, asm.Word),
		asm.LoadMem(asm.R4, asm.R1, 8, asm.Word),
	)

	for i, r := range rules {
		if !r.Allow {
			continue
		}
		label := fmt.Sprintf("allow_%d", i)
		insns = append(insns, deviceRuleCheck(r, label)...)
	}

	// Default deny.
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)

	for i, r := range rules {
		if !r.Allow {
			continue
		}
		insns = append(insns,
			asm.Mov.Imm(asm.R0, 1).WithSymbol(fmt.Sprintf("allow_%d", i)),
			asm.Return(),
		)
	}

	spec := &ebpf.ProgramSpec{
		Name:         "bock_devices",
		Type:         ebpf.CGroupDevice,
		Instructions: insns,
		License:      "GPL",
	}
	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.KernelUnsupported, "loading cgroup device BPF program", err)
	}
	return prog, nil
}

// deviceRuleCheck emits the comparisons gating one allow rule: on any
// mismatch fall through to the next rule (or the default deny); on a
// full match jump to label.
func deviceRuleCheck(r specs.LinuxDeviceCgroup, label string) asm.Instructions {
	var insns asm.Instructions
	skip := label + "_skip"

	if t := devTypeOf(r.Type); t != 0 {
		// the device type lives in the low 16 bits of R2.
		insns = append(insns,
			asm.Mov.Reg(asm.R5, asm.R2),
			asm.And.Imm(asm.R5, 0xffff),
			asm.JNE.Imm(asm.R5, int32(t), skip),
		)
	}
	if r.Major != nil {
		insns = append(insns, asm.JNE.Imm(asm.R3, int32(*r.Major), skip))
	}
	if r.Minor != nil {
		insns = append(insns, asm.JNE.Imm(asm.R4, int32(*r.Minor), skip))
	}
	if acc := accessMaskOf(r.Access); acc != 0 {
		// access bits live in the high 16 of R2; a match requires every
		// requested bit to be present in the context's access_type.
		insns = append(insns,
			asm.Mov.Reg(asm.R5, asm.R2),
			asm.RSh.Imm(asm.R5, 16),
			asm.And.Imm(asm.R5, int32(acc)),
			asm.JNE.Imm(asm.R5, int32(acc), skip),
		)
	}
	insns = append(insns, asm.Ja.Label(label))
	// no-op landing pad for a failed match to jump past this rule
	insns = append(insns, asm.Mov.Reg(asm.R0, asm.R0).WithSymbol(skip))
	return insns
}

func devTypeOf(t string) int {
	switch t {
	case "c":
		return devTypeChar
	case "b":
		return devTypeBlock
	default:
		return 0
	}
}

func accessMaskOf(access string) int {
	mask := 0
	for _, c := range access {
		switch c {
		case 'r':
			mask |= accRead
		case 'w':
			mask |= accWrite
		case 'm':
			mask |= accMknod
		}
	}
	return mask
}
