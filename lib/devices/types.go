package devices

const (
	// DeviceCDROM is the libvirt disk device role for removable media.
	DeviceCDROM = "cdrom"
	// DeviceDisk is the libvirt disk device role for writable disks.
	DeviceDisk = "disk"

	// BootTarget is the conventional target of a VM's primary disk.
	BootTarget = "vda"
	// SeedTarget is the conventional target for the first-boot seed.
	SeedTarget = "sda"
	// SeedBus is the bus the seed is attached on.
	SeedBus = "sata"
)

// Entry is one removable-media device attached to a domain.
type Entry struct {
	Target string `json:"target"`
	Bus    string `json:"bus,omitempty"`
	Source string `json:"source,omitempty"`
	// Raw is the device XML as the hypervisor reported it; detaching with it
	// matches the device exactly.
	Raw string `json:"-"`
}
