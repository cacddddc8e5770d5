package network

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseAllocatesLowestFreeOffsetSkippingNetworkAndGateway(t *testing.T) {
	root := t.TempDir()
	_, cidr, err := net.ParseCIDR("10.99.0.0/24")
	require.NoError(t, err)
	store, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)

	lease, err := store.Lease("c1")
	require.NoError(t, err)
	assert.Equal(t, "10.99.0.2", lease.IP.String())
}

func TestLeaseSkipsAlreadyTakenOffsets(t *testing.T) {
	root := t.TempDir()
	_, cidr, err := net.ParseCIDR("10.99.0.0/30")
	require.NoError(t, err)
	store, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)

	first, err := store.Lease("c1")
	require.NoError(t, err)
	assert.Equal(t, "10.99.0.2", first.IP.String())

	_, err = store.Lease("c2")
	assert.Error(t, err, "a /30 only has one usable offset, so the second lease must fail")
}

func TestLeaseRejectsSubnetsSmallerThanFourAddresses(t *testing.T) {
	root := t.TempDir()
	_, cidr, err := net.ParseCIDR("10.99.0.0/31")
	require.NoError(t, err)
	store, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)

	_, err = store.Lease("c1")
	assert.Error(t, err)
}

func TestReleaseFreesLeaseForReuse(t *testing.T) {
	root := t.TempDir()
	_, cidr, err := net.ParseCIDR("10.99.0.0/29")
	require.NoError(t, err)
	store, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)

	lease, err := store.Lease("c1")
	require.NoError(t, err)

	require.NoError(t, store.Release("c1"))
	again, err := store.Lease("c2")
	require.NoError(t, err)
	assert.Equal(t, lease.IP.String(), again.IP.String())
}

func TestLeaseStorePersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	_, cidr, err := net.ParseCIDR("10.99.0.0/24")
	require.NoError(t, err)
	store, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)
	_, err = store.Lease("c1")
	require.NoError(t, err)

	reopened, err := OpenLeaseStore(root, cidr)
	require.NoError(t, err)
	_, err = reopened.Lease("c2")
	require.NoError(t, err)

	second, err := reopened.Lease("c3")
	require.NoError(t, err)
	assert.Equal(t, "10.99.0.4", second.IP.String())
}

func TestShortIDTruncatesToEightChars(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefghijklmnop"))
	assert.Equal(t, "short", shortID("short"))
}

func TestLoadNetworkConfigPicksLexicographicallyFirstFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-bock.conf"), []byte(`{
		"cniVersion": "0.4.0",
		"name": "second",
		"type": "bridge"
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-bock.conf"), []byte(`{
		"cniVersion": "0.4.0",
		"name": "first",
		"type": "bridge"
	}`), 0o644))

	m := NewCNIDelegate(dir, nil, t.TempDir())
	confList, err := m.loadNetworkConfig()
	require.NoError(t, err)
	assert.Equal(t, "first", confList.Name)
}

func TestLoadNetworkConfigErrorsWhenDirEmpty(t *testing.T) {
	m := NewCNIDelegate(t.TempDir(), nil, t.TempDir())
	_, err := m.loadNetworkConfig()
	assert.Error(t, err)
}
