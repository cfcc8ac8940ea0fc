package devices

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/hypervisor/hypervisortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func domainXML(name, iface string, cdroms ...string) string {
	disks := `<disk type="file" device="disk">
      <driver name="qemu" type="qcow2"/>
      <source file="/var/lib/libvirt/images/` + name + `.qcow2"/>
      <target dev="vda" bus="virtio"/>
    </disk>`
	for i, src := range cdroms {
		disks += fmt.Sprintf(`<disk type="file" device="cdrom">
      <driver name="qemu" type="raw"/>
      <source file="%s"/>
      <target dev="sd%c" bus="sata"/>
      <readonly/>
    </disk>`, src, 'a'+i)
	}
	return `<domain type="kvm">
  <name>` + name + `</name>
  <memory unit="KiB">1048576</memory>
  <vcpu>1</vcpu>
  <os><type arch="x86_64" machine="q35">hvm</type></os>
  <devices>
    ` + disks + `
    ` + iface + `
  </devices>
</domain>`
}

const natIface = `<interface type="network"><mac address="52:54:00:aa:bb:cc"/><source network="default"/></interface>`

func TestListRemovableMedia(t *testing.T) {
	hv := hypervisortest.New()
	dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/tmp/vm-1-seed.iso", "/srv/iso/tools.iso"), false)
	m := NewManager([]string{"default"})

	entries, err := m.ListRemovableMedia(context.Background(), dom)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sda", entries[0].Target)
	assert.Equal(t, "sata", entries[0].Bus)
	assert.Equal(t, "/tmp/vm-1-seed.iso", entries[0].Source)
	assert.Contains(t, entries[0].Raw, "cdrom")
	assert.Equal(t, "sdb", entries[1].Target)
	assert.Equal(t, "/srv/iso/tools.iso", entries[1].Source)
}

func TestDetach(t *testing.T) {
	t.Run("matching path only", func(t *testing.T) {
		hv := hypervisortest.New()
		dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/tmp/vm-1-seed.iso", "/srv/iso/tools.iso"), false)
		m := NewManager(nil)

		detached, err := m.Detach(context.Background(), dom, "/tmp/vm-1-seed.iso")
		require.NoError(t, err)
		require.Len(t, detached, 1)
		assert.Equal(t, "/tmp/vm-1-seed.iso", detached[0].Source)

		remaining, err := m.ListRemovableMedia(context.Background(), dom)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "/srv/iso/tools.iso", remaining[0].Source)

		changes := dom.Changes()
		require.Len(t, changes, 1)
		assert.Equal(t, hypervisor.DeviceConfig, changes[0].Flags)
	})

	t.Run("all when path empty", func(t *testing.T) {
		hv := hypervisortest.New()
		dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/a.iso", "/b.iso"), false)
		m := NewManager(nil)

		detached, err := m.Detach(context.Background(), dom, "")
		require.NoError(t, err)
		assert.Len(t, detached, 2)
		assert.Len(t, dom.Disks(), 1)
	})

	t.Run("no match is a no-op", func(t *testing.T) {
		hv := hypervisortest.New()
		dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/a.iso"), false)
		m := NewManager(nil)

		detached, err := m.Detach(context.Background(), dom, "/other.iso")
		require.NoError(t, err)
		assert.Empty(t, detached)
		assert.Empty(t, dom.Changes())
	})

	t.Run("active domain detaches live and config", func(t *testing.T) {
		hv := hypervisortest.New()
		dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/a.iso"), true)
		m := NewManager(nil)

		_, err := m.Detach(context.Background(), dom, "/a.iso")
		require.NoError(t, err)
		changes := dom.Changes()
		require.Len(t, changes, 1)
		assert.True(t, changes[0].Flags.Has(hypervisor.DeviceLive))
		assert.True(t, changes[0].Flags.Has(hypervisor.DeviceConfig))
	})

	t.Run("hypervisor failure surfaces", func(t *testing.T) {
		hv := hypervisortest.New()
		dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/a.iso"), false)
		dom.DetachErr = errors.New("operation failed")
		m := NewManager(nil)

		_, err := m.Detach(context.Background(), dom, "/a.iso")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "operation failed")
	})
}

func TestDetachTarget(t *testing.T) {
	hv := hypervisortest.New()
	dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/old-seed.iso", "/tools.iso"), false)
	m := NewManager(nil)

	detached, err := m.DetachTarget(context.Background(), dom, SeedTarget)
	require.NoError(t, err)
	require.Len(t, detached, 1)
	assert.Equal(t, "/old-seed.iso", detached[0].Source)
}

func TestAttach(t *testing.T) {
	hv := hypervisortest.New()
	dom := hv.MustAddDomain(domainXML("vm-1", natIface), false)
	m := NewManager(nil)

	require.NoError(t, m.Attach(context.Background(), dom, "/tmp/vm-1-seed.iso", SeedTarget))

	entries, err := m.ListRemovableMedia(context.Background(), dom)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/tmp/vm-1-seed.iso", entries[0].Source)
	assert.Equal(t, SeedTarget, entries[0].Target)
	assert.Equal(t, SeedBus, entries[0].Bus)

	disks := dom.Disks()
	require.Len(t, disks, 2)
	assert.NotNil(t, disks[1].ReadOnly)
	require.NotNil(t, disks[1].Driver)
	assert.Equal(t, "raw", disks[1].Driver.Type)

	changes := dom.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, hypervisor.DeviceConfig, changes[0].Flags)

	t.Run("target collision", func(t *testing.T) {
		err := m.Attach(context.Background(), dom, "/tmp/other.iso", BootTarget)
		require.Error(t, err)
	})
}

func TestResolveBootDiskPath(t *testing.T) {
	hv := hypervisortest.New()
	m := NewManager(nil)

	dom := hv.MustAddDomain(domainXML("vm-1", natIface, "/a.iso"), false)
	path, err := m.ResolveBootDiskPath(context.Background(), dom)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/libvirt/images/vm-1.qcow2", path)

	bare := hv.MustAddDomain(`<domain type="kvm"><name>bare</name><devices>
    <disk type="file" device="cdrom"><source file="/a.iso"/><target dev="vda" bus="sata"/></disk>
  </devices></domain>`, false)
	_, err = m.ResolveBootDiskPath(context.Background(), bare)
	require.ErrorIs(t, err, ErrBootDiskNotFound)
}

func TestUsesHostNAT(t *testing.T) {
	tests := []struct {
		name  string
		iface string
		want  bool
	}{
		{"default network", natIface, true},
		{"routed network", `<interface type="network"><source network="public"/></interface>`, false},
		{"user mode", `<interface type="user"/>`, true},
		{"bridge", `<interface type="bridge"><source bridge="br0"/></interface>`, false},
		{"no interface", "", false},
	}
	m := NewManager([]string{"default"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hv := hypervisortest.New()
			dom := hv.MustAddDomain(domainXML("vm-1", tt.iface), false)
			got, err := m.UsesHostNAT(context.Background(), dom)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeedDiskXML(t *testing.T) {
	xml, err := SeedDiskXML("/tmp/vm-1-seed.iso", "sda")
	require.NoError(t, err)
	assert.Contains(t, xml, `device="cdrom"`)
	assert.Contains(t, xml, `file="/tmp/vm-1-seed.iso"`)
	assert.Contains(t, xml, `dev="sda"`)
	assert.Contains(t, xml, `bus="sata"`)
	assert.Contains(t, xml, "<readonly>")
}
