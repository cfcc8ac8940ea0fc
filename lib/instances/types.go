package instances

import (
	"time"

	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/hypervisor"
)

// Stage is a step of the reprovision state machine.
type Stage string

const (
	StageRequested      Stage = "requested"
	StageStopped        Stage = "stopped"
	StageBaseImageReady Stage = "base_image_ready"
	StageCloned         Stage = "cloned"
	StageSeedBuilt      Stage = "seed_built"
	StageMediaSwapped   Stage = "media_swapped"
	StageBooted         Stage = "booted"
	StageFailed         Stage = "failed"
)

// Instance is a VM as reported by the hypervisor.
type Instance struct {
	Name      string           `json:"name"`
	UUID      string           `json:"uuid"`
	State     hypervisor.State `json:"state"`
	Active    bool             `json:"active"`
	VCPUs     uint16           `json:"vcpus"`
	MemoryMiB uint64           `json:"memory_mib"`
	CPUTimeNs uint64           `json:"cpu_time_ns"`
}

// Bandwidth limits in megabits per second.
type Bandwidth struct {
	InAvgMbps    float64 `json:"in_avg_mbps"`
	InPeakMbps   float64 `json:"in_peak_mbps"`
	InBurstMbps  float64 `json:"in_burst_mbps"`
	OutAvgMbps   float64 `json:"out_avg_mbps"`
	OutPeakMbps  float64 `json:"out_peak_mbps"`
	OutBurstMbps float64 `json:"out_burst_mbps"`
}

// CreateRequest describes a new VM with a blank boot disk.
type CreateRequest struct {
	Name        string    `json:"vm_id"`
	VCPUs       int       `json:"vcpus"`
	MemoryMiB   int       `json:"memory"`
	DiskSizeGiB int       `json:"disk_size"`
	MACAddress  string    `json:"mac"`
	Network     Bandwidth `json:"network"`
}

// HostSpec is the guest identity and login. Exactly one of Password and PublicKey is set.
type HostSpec struct {
	Hostname  string `json:"hostname"`
	Username  string `json:"username"`
	Password  string `json:"password,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// NetworkSpec is a static address for the primary NIC.
type NetworkSpec struct {
	MACAddress string   `json:"mac_address"`
	IPCIDR     string   `json:"ip_cidr"`
	Gateway    string   `json:"gateway"`
	DNSServers []string `json:"dns_servers,omitempty"`
}

// OSSpec names the base image to install.
type OSSpec struct {
	Name     string `json:"os_name"`
	URL      string `json:"os_url"`
	Checksum string `json:"os_checksum,omitempty"`
}

// ReprovisionRequest replaces a VM's boot disk with a fresh base image and a new seed.
type ReprovisionRequest struct {
	VMID    string       `json:"vm_id"`
	Host    HostSpec     `json:"host"`
	Network *NetworkSpec `json:"network,omitempty"`
	OS      OSSpec       `json:"os"`
}

// ReprovisionResult describes a completed reprovision.
type ReprovisionResult struct {
	OperationID string        `json:"operation_id"`
	VMID        string        `json:"vm_id"`
	Stage       Stage         `json:"stage"`
	Image       string        `json:"image"`
	BootDisk    string        `json:"boot_disk"`
	SizeGiB     uint64        `json:"size_gib"`
	SeedPath    string        `json:"seed_path"`
	HostNAT     bool          `json:"host_nat"`
	Duration    time.Duration `json:"duration_ns"`
}

// FinalizeRequest selects the seed to detach. An empty SeedPath means the conventional path.
type FinalizeRequest struct {
	SeedPath   string `json:"seed_iso_path,omitempty"`
	DeleteSeed bool   `json:"delete_iso"`
}

// FinalizeResult lists what finalize changed.
type FinalizeResult struct {
	SeedPath    string          `json:"seed_iso_path"`
	Detached    []devices.Entry `json:"detached"`
	SeedDeleted bool            `json:"seed_deleted"`
}
