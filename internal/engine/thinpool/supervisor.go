package thinpool

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// PoolTable reloads the dm-thin pool target's table to new data/metadata
// sub-device sizes.
type PoolTable interface {
	Reload(dataSectors, metadataSectors stratis.Sectors) error
}

// Driver is the full capability a Pool needs from its thin-pool target: it
// can both reload the table (PoolTable) and report the kernel's current
// status line, the two halves the periodic check (§4.5) requires.
type Driver interface {
	PoolTable
	Status() (Status, error)
}

// Policy configures the reactive extension policy (§4.5).
type Policy struct {
	DataLowWaterPercent     float64
	MetadataLowWaterPercent float64
	OverprovisioningEnabled bool
	// GrowthCap bounds how large a single doubling extension may request,
	// so one low-water trip cannot consume all remaining backstore space.
	GrowthCap stratis.Sectors
}

// Supervisor owns the dm-thin pool fed by the Backstore and keeps it
// operational under load (§4.5).
type Supervisor struct {
	policy Policy
	log    logr.Logger

	state           SupervisorState
	dataSectors     stratis.Sectors
	metadataSectors stratis.Sectors
	outOfAllocSpace bool
}

func NewSupervisor(policy Policy, initialDataSectors, initialMetadataSectors stratis.Sectors, log logr.Logger) *Supervisor {
	return &Supervisor{
		policy:          policy,
		log:             log.WithName("thinpool-supervisor"),
		state:           StateGood,
		dataSectors:     initialDataSectors,
		metadataSectors: initialMetadataSectors,
	}
}

func (s *Supervisor) State() SupervisorState          { return s.state }
func (s *Supervisor) OutOfAllocSpace() bool           { return s.outOfAllocSpace }
func (s *Supervisor) DataSectors() stratis.Sectors     { return s.dataSectors }
func (s *Supervisor) MetadataSectors() stratis.Sectors { return s.metadataSectors }

// ExtensionRequest is what the supervisor decides to ask the Backstore for
// on one periodic check; both fields are 0 when no extension is warranted.
type ExtensionRequest struct {
	GrowData     stratis.Sectors
	GrowMetadata stratis.Sectors
}

// Check digests a freshly polled Status into the supervisor's state and
// computes what (if anything) should be requested from the backstore this
// cycle. It does not itself perform the allocation or reload — the caller
// (the Pool) owns that so the supervisor stays free of the Backstore
// transaction lifecycle.
func (s *Supervisor) Check(status Status, available stratis.Sectors) ExtensionRequest {
	s.state = status.VerifyHealth()
	s.outOfAllocSpace = s.state == StateOutOfSpace
	s.dataSectors = status.TotalDataSectors()
	s.metadataSectors = status.TotalMetadataSectors()

	var req ExtensionRequest
	if !s.policy.OverprovisioningEnabled {
		return req
	}
	if s.state == StateFail || s.state == StateError {
		return req
	}

	if status.DataLowWaterTripped(s.policy.DataLowWaterPercent) {
		req.GrowData = s.growthAmount(s.dataSectors, available)
	}
	if status.MetadataLowWaterTripped(s.policy.MetadataLowWaterPercent) {
		req.GrowMetadata = s.growthAmount(s.metadataSectors, available-req.GrowData)
	}
	return req
}

// growthAmount doubles current with a configured cap, bounded by what the
// backstore can actually supply (§4.5: "doubling with a cap, bounded by
// available_in_backstore()").
func (s *Supervisor) growthAmount(current, available stratis.Sectors) stratis.Sectors {
	if available == 0 {
		return 0
	}
	want := current
	if s.policy.GrowthCap > 0 && want > s.policy.GrowthCap {
		want = s.policy.GrowthCap
	}
	if want == 0 {
		want = available
	}
	if want > available {
		want = available
	}
	return want
}

// ApplyExtension adds an extension's sectors to the recorded totals.
// Pool.Tick calls it just before saving metadata inside the Backstore
// commit, so the saved totals already include the extension.
func (s *Supervisor) ApplyExtension(req ExtensionRequest) {
	s.dataSectors += req.GrowData
	s.metadataSectors += req.GrowMetadata
}

// CheckOverprovision enforces §4.5's non-overprovisioned invariant: the sum
// of filesystem size-limits must never exceed data allocated. Returns
// *stratis.Error{Kind: Overprovision} when it would be violated.
func CheckOverprovision(sizeLimitsSum, dataAllocated stratis.Sectors) error {
	if sizeLimitsSum > dataAllocated {
		return stratis.New(stratis.Overprovision, "sum of filesystem size limits exceeds allocated thin-pool data").
			WithMetadata("requested", fmt.Sprintf("%d", sizeLimitsSum)).
			WithMetadata("allocated", fmt.Sprintf("%d", dataAllocated))
	}
	return nil
}
