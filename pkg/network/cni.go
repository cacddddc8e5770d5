package network

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	"github.com/sirupsen/logrus"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// CNIDelegate hands network setup to an external CNI plugin chain
// instead of the bridge/veth path network.go implements directly, for
// operators who already run a CNI plugin chain and want this runtime
// to defer to it the way Kubernetes CRI runtimes do.
//
// Adapted from the teacher's pkg/network/manager.go CNIManager, kept
// mostly as-is since the libcni wiring (config discovery, ADD/DEL via
// AddNetworkList/DelNetworkList) does not depend on the CRI layer this
// runtime dropped.
type CNIDelegate struct {
	cniConfig    libcni.CNIConfig
	netConfigDir string
	binDirs      []string
}

func NewCNIDelegate(netConfigDir string, binDirs []string, cacheDir string) *CNIDelegate {
	config := libcni.NewCNIConfigWithCacheDir(binDirs, cacheDir, nil)
	return &CNIDelegate{
		cniConfig:    *config,
		netConfigDir: netConfigDir,
		binDirs:      binDirs,
	}
}

// loadNetworkConfig picks the lexicographically first .conf/.conflist/
// .json file in netConfigDir, the same deterministic "first config
// wins" convention CNI runtimes use when no explicit network name is
// requested.
func (m *CNIDelegate) loadNetworkConfig() (*libcni.NetworkConfigList, error) {
	files, err := libcni.ConfFiles(m.netConfigDir, []string{".conf", ".conflist", ".json"})
	if err != nil {
		return nil, bockerr.Wrap(bockerr.IoFailed, "listing CNI config files", err)
	}
	if len(files) == 0 {
		return nil, bockerr.New(bockerr.InvalidSpec, fmt.Sprintf("no CNI config files found in %s", m.netConfigDir))
	}
	sort.Strings(files)
	filename := files[0]

	if filepath.Ext(filename) == ".conflist" {
		confList, err := libcni.ConfListFromFile(filename)
		if err != nil {
			return nil, bockerr.Wrap(bockerr.InvalidSpec, fmt.Sprintf("loading CNI config list %s", filename), err)
		}
		return confList, nil
	}

	conf, err := libcni.ConfFromFile(filename)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.InvalidSpec, fmt.Sprintf("loading CNI config %s", filename), err)
	}
	confList, err := libcni.ConfListFromConf(conf)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "wrapping CNI config as list", err)
	}
	return confList, nil
}

// Attach runs the CNI ADD operation for a container's network namespace.
func (m *CNIDelegate) Attach(ctx context.Context, containerID, netnsPath string) (types.Result, error) {
	confList, err := m.loadNetworkConfig()
	if err != nil {
		return nil, err
	}
	rtConf := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      "eth0",
	}
	logrus.Infof("cni: adding network for %s via %s", containerID, confList.Name)
	res, err := m.cniConfig.AddNetworkList(ctx, confList, rtConf)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "CNI add network", err)
	}
	return res, nil
}

// Detach runs the CNI DEL operation, releasing the container's lease.
func (m *CNIDelegate) Detach(ctx context.Context, containerID, netnsPath string) error {
	confList, err := m.loadNetworkConfig()
	if err != nil {
		return err
	}
	rtConf := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      "eth0",
	}
	logrus.Infof("cni: removing network for %s", containerID)
	if err := m.cniConfig.DelNetworkList(ctx, confList, rtConf); err != nil {
		return bockerr.Wrap(bockerr.Internal, "CNI del network", err)
	}
	return nil
}
