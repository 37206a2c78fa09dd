package thinpool

import (
	"testing"

	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

func TestCheckRequestsDataGrowthOnLowWater(t *testing.T) {
	s := NewSupervisor(Policy{
		DataLowWaterPercent:     80,
		MetadataLowWaterPercent: 80,
		OverprovisioningEnabled: true,
		GrowthCap:               500,
	}, 1000, 100, logr.Discard())

	status := Status{UsedDataBlocks: 90, TotalDataBlocks: 100, UsedMetadataBlocks: 10, TotalMetadataBlocks: 100}
	req := s.Check(status, 2000)

	if req.GrowData != 500 {
		t.Fatalf("GrowData = %d, want 500 (doubling capped)", req.GrowData)
	}
	if req.GrowMetadata != 0 {
		t.Fatalf("GrowMetadata = %d, want 0 (metadata below low water)", req.GrowMetadata)
	}
	if s.State() != StateGood {
		t.Fatalf("state = %v, want Good", s.State())
	}
}

func TestCheckBoundsGrowthByAvailable(t *testing.T) {
	s := NewSupervisor(Policy{
		DataLowWaterPercent:     80,
		OverprovisioningEnabled: true,
		GrowthCap:               10000,
	}, 1000, 100, logr.Discard())

	status := Status{UsedDataBlocks: 90, TotalDataBlocks: 100}
	req := s.Check(status, 300)

	if req.GrowData != 300 {
		t.Fatalf("GrowData = %d, want 300 (bounded by available_in_backstore)", req.GrowData)
	}
}

func TestCheckDoesNotExtendWhenOverprovisioningDisabled(t *testing.T) {
	s := NewSupervisor(Policy{DataLowWaterPercent: 80, OverprovisioningEnabled: false}, 1000, 100, logr.Discard())

	status := Status{UsedDataBlocks: 99, TotalDataBlocks: 100}
	req := s.Check(status, 5000)

	if req.GrowData != 0 || req.GrowMetadata != 0 {
		t.Fatalf("extension requested with overprovisioning disabled: %+v", req)
	}
}

func TestCheckSetsOutOfAllocSpace(t *testing.T) {
	s := NewSupervisor(Policy{OverprovisioningEnabled: true}, 1000, 100, logr.Discard())

	status := Status{UsedDataBlocks: 100, TotalDataBlocks: 100, Flags: map[HealthFlag]bool{"out_of_data_space": true}}
	s.Check(status, 0)

	if !s.OutOfAllocSpace() {
		t.Fatalf("OutOfAllocSpace should be true once the kernel reports out_of_data_space")
	}
	if s.State() != StateOutOfSpace {
		t.Fatalf("state = %v, want OutOfSpace", s.State())
	}
}

func TestApplyExtensionAdvancesTotals(t *testing.T) {
	s := NewSupervisor(Policy{}, 1000, 100, logr.Discard())
	s.ApplyExtension(ExtensionRequest{GrowData: 200, GrowMetadata: 10})
	if s.dataSectors != 1200 || s.metadataSectors != 110 {
		t.Fatalf("totals after ApplyExtension = (%d, %d), want (1200, 110)", s.dataSectors, s.metadataSectors)
	}
}

func TestCheckOverprovisionEnforcement(t *testing.T) {
	if err := CheckOverprovision(500, 1000); err != nil {
		t.Fatalf("500 <= 1000 should not be an overprovision error: %v", err)
	}
	err := CheckOverprovision(1500, 1000)
	if !stratis.Of(err, stratis.Overprovision) {
		t.Fatalf("CheckOverprovision(1500, 1000) = %v, want Overprovision error", err)
	}
}
