package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// v1Controllers lists the per-controller hierarchies this engine
// populates under /sys/fs/cgroup/<controller>/bock/$ID, chosen only
// when cgroup v2 is unavailable (spec.md §4.3, v1 fallback).
var v1Controllers = []string{"cpu", "cpuset", "memory", "pids", "blkio", "freezer"}

func newV1(id string, resources *specs.LinuxResources, strict, rootless bool) (*Handle, error) {
	base := filepath.Join(unifiedMount)
	h := &Handle{ID: id, Path: base, V2: false, strict: strict, rootless: rootless}

	for _, ctrl := range v1Controllers {
		dir := h.v1Dir(ctrl)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if degradable(err, strict, rootless) {
				logDegrade(id, err)
				continue
			}
			return nil, bockerr.Wrap(bockerr.Permission, fmt.Sprintf("creating %s cgroup", ctrl), err)
		}
	}

	if err := h.applyV1(resources); err != nil {
		if degradable(err, strict, rootless) {
			logDegrade(id, err)
			return h, nil
		}
		return nil, err
	}
	return h, nil
}

func (h *Handle) v1Dir(controller string) string {
	return filepath.Join(unifiedMount, controller, "bock", h.ID)
}

func (h *Handle) writeV1(controller, file, value string) error {
	path := filepath.Join(h.v1Dir(controller), file)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		if os.IsPermission(err) {
			return bockerr.Wrap(bockerr.Permission, fmt.Sprintf("writing %s/%s", controller, file), err)
		}
		if os.IsNotExist(err) {
			// Controller not mounted on this host; treat as unsupported
			// rather than failing the whole apply.
			return nil
		}
		return bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("writing %s/%s", controller, file), err)
	}
	return nil
}

func (h *Handle) applyV1(r *specs.LinuxResources) error {
	if r == nil {
		return nil
	}
	if r.Memory != nil {
		if r.Memory.Limit != nil {
			if err := h.writeV1("memory", "memory.limit_in_bytes", strconv.FormatInt(*r.Memory.Limit, 10)); err != nil {
				return err
			}
		}
		if r.Memory.Swap != nil {
			if err := h.writeV1("memory", "memory.memsw.limit_in_bytes", strconv.FormatInt(*r.Memory.Swap, 10)); err != nil {
				return err
			}
		}
	}
	if r.CPU != nil {
		if r.CPU.Shares != nil {
			if err := h.writeV1("cpu", "cpu.shares", strconv.FormatUint(*r.CPU.Shares, 10)); err != nil {
				return err
			}
		}
		if r.CPU.Quota != nil {
			if err := h.writeV1("cpu", "cpu.cfs_quota_us", strconv.FormatInt(*r.CPU.Quota, 10)); err != nil {
				return err
			}
		}
		if r.CPU.Period != nil {
			if err := h.writeV1("cpu", "cpu.cfs_period_us", strconv.FormatUint(*r.CPU.Period, 10)); err != nil {
				return err
			}
		}
		if r.CPU.Cpus != "" {
			if err := h.writeV1("cpuset", "cpuset.cpus", r.CPU.Cpus); err != nil {
				return err
			}
		}
		if r.CPU.Mems != "" {
			if err := h.writeV1("cpuset", "cpuset.mems", r.CPU.Mems); err != nil {
				return err
			}
		}
	}
	if r.Pids != nil {
		if err := h.writeV1("pids", "pids.max", maxOrValue(r.Pids.Limit)); err != nil {
			return err
		}
	}
	if r.BlockIO != nil && r.BlockIO.Weight != nil {
		if err := h.writeV1("blkio", "blkio.weight", strconv.Itoa(int(*r.BlockIO.Weight))); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) addProcessV1(pid int) error {
	var firstErr error
	for _, ctrl := range v1Controllers {
		path := filepath.Join(h.v1Dir(ctrl), "cgroup.procs")
		if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = bockerr.Wrap(bockerr.Permission, fmt.Sprintf("adding pid to %s cgroup.procs", ctrl), err)
			}
		}
	}
	return firstErr
}

func (h *Handle) setFrozenV1(frozen bool) error {
	state := "THAWED"
	if frozen {
		state = "FROZEN"
	}
	path := filepath.Join(h.v1Dir("freezer"), "freezer.state")
	if err := os.WriteFile(path, []byte(state), 0o644); err != nil {
		if degradable(err, h.strict, h.rootless) {
			return nil
		}
		return bockerr.Wrap(bockerr.Permission, "writing freezer.state", err)
	}

	// Poll freezer.state until it reflects the requested value, the v1
	// analogue of polling cgroup.events on v2.
	for i := 0; i < 500; i++ {
		data, err := os.ReadFile(path)
		if err == nil && strings.TrimSpace(string(data)) == state {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return bockerr.New(bockerr.Timeout, "timed out waiting for freezer.state to settle")
}

func (h *Handle) removeV1() error {
	var lastErr error
	for _, ctrl := range v1Controllers {
		if err := os.Remove(h.v1Dir(ctrl)); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

func (h *Handle) memoryUsageV1() (MemStats, error) {
	var s MemStats
	var err error
	if s.Current, err = readInt64(filepath.Join(h.v1Dir("memory"), "memory.usage_in_bytes")); err != nil {
		return s, err
	}
	s.Peak, _ = readInt64(filepath.Join(h.v1Dir("memory"), "memory.max_usage_in_bytes"))
	s.Swap, _ = readInt64(filepath.Join(h.v1Dir("memory"), "memory.memsw.usage_in_bytes"))
	return s, nil
}

func (h *Handle) cpuStatsV1() (CPUStats, error) {
	usage, err := readInt64(filepath.Join(h.v1Dir("cpu"), "cpuacct.usage"))
	if err != nil {
		return CPUStats{}, err
	}
	// cpuacct.usage is total nanoseconds; spec.md's CPUStats is in
	// microseconds to match the v2 cpu.stat units.
	return CPUStats{UsageUsec: usage / 1000}, nil
}
