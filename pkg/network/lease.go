package network

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// LeaseStore tracks which addresses in the bridge's subnet are handed
// out to containers, persisted as a simple bitmap-by-offset JSON file
// under $ROOT/network/leases.json, written with the same
// temp-file-then-rename durability the lifecycle state store uses.
type LeaseStore struct {
	mu   sync.Mutex
	path string
	cidr *net.IPNet
	used map[string]string // offset string -> container id
}

func leasePath(root string) string {
	return filepath.Join(root, "network", "leases.json")
}

// OpenLeaseStore loads (or creates) the lease bitmap for cidr.
func OpenLeaseStore(root string, cidr *net.IPNet) (*LeaseStore, error) {
	path := leasePath(root)
	s := &LeaseStore{path: path, cidr: cidr, used: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, bockerr.Wrap(bockerr.IoFailed, "reading lease store", err)
	}
	if err := json.Unmarshal(data, &s.used); err != nil {
		return nil, bockerr.Wrap(bockerr.IoFailed, "decoding lease store", err)
	}
	return s, nil
}

// Lease allocates the lowest free address in the subnet (skipping the
// network address, the gateway at offset 1, and the broadcast
// address) and persists the allocation before returning it.
func (s *LeaseStore) Lease(containerID string) (*net.IPNet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ones, bits := s.cidr.Mask.Size()
	capacity := 1 << (bits - ones)
	if capacity < 4 {
		return nil, bockerr.New(bockerr.InvalidSpec, "subnet too small to lease addresses")
	}

	for offset := 2; offset < capacity-1; offset++ {
		key := fmt.Sprintf("%d", offset)
		if _, taken := s.used[key]; taken {
			continue
		}
		ip := offsetIP(s.cidr.IP, offset)
		s.used[key] = containerID
		if err := s.persist(); err != nil {
			delete(s.used, key)
			return nil, err
		}
		return &net.IPNet{IP: ip, Mask: s.cidr.Mask}, nil
	}
	return nil, bockerr.New(bockerr.Internal, "no free addresses in subnet")
}

// Lookup returns the address currently leased to containerID, or nil
// if it holds no lease.
func (s *LeaseStore) Lookup(containerID string) *net.IPNet {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, id := range s.used {
		if id != containerID {
			continue
		}
		offset := 0
		fmt.Sscanf(k, "%d", &offset)
		return &net.IPNet{IP: offsetIP(s.cidr.IP, offset), Mask: s.cidr.Mask}
	}
	return nil
}

// Release frees containerID's lease, if any.
func (s *LeaseStore) Release(containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, id := range s.used {
		if id == containerID {
			delete(s.used, k)
		}
	}
	return s.persist()
}

func (s *LeaseStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating network state dir", err)
	}
	data, err := json.MarshalIndent(s.used, "", "  ")
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "encoding lease store", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".leases-*.tmp")
	if err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating lease store temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return bockerr.Wrap(bockerr.IoFailed, "writing lease store temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return bockerr.Wrap(bockerr.IoFailed, "syncing lease store temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "closing lease store temp file", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "renaming lease store into place", err)
	}
	return nil
}

func offsetIP(base net.IP, offset int) net.IP {
	ip := make(net.IP, len(base.To4()))
	copy(ip, base.To4())
	for i := len(ip) - 1; i >= 0 && offset > 0; i-- {
		sum := int(ip[i]) + offset&0xff
		ip[i] = byte(sum & 0xff)
		offset >>= 8
		if sum > 0xff {
			offset++
		}
	}
	return ip
}
