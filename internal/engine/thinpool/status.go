// Package thinpool implements the Thin-Pool Supervisor of §4.5: it runs a
// dm-thin pool over the Backstore's cap device, parses the kernel's status
// line, and applies the reactive extension policy.
package thinpool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// HealthFlag is one token of dm-thin's status line health fields, parsed the
// way the teacher's LvAttr parses lv_attr's fixed-position rune flags — here
// the kernel reports variable free-form tokens instead of fixed columns, so
// HealthFlag is a string enum rather than a single rune, but the parse/verify
// split is the same shape as ParsedLvAttr/VerifyHealth.
type HealthFlag string

const (
	HealthReadWrite        HealthFlag = "rw"
	HealthReadOnly         HealthFlag = "ro"
	HealthOutOfDataSpace   HealthFlag = "out_of_data_space"
	HealthErrorIfNoSpace   HealthFlag = "error_if_no_space"
	HealthQueueIfNoSpace   HealthFlag = "queue_if_no_space"
	HealthNeedsCheck       HealthFlag = "needs_check"
	HealthMetadataLowWater HealthFlag = "metadata_low_watermark"
)

// DataBlockSizeSectors and MetadataBlockSizeSectors are the dm-thin block
// sizes this supervisor always configures a pool with (mirrored in
// realThinPoolDriver.Reload's table string): 128 sectors (64KiB) of data
// per block, and the kernel's fixed 8-sector (4KiB) metadata block size.
const (
	DataBlockSizeSectors     stratis.Sectors = 128
	MetadataBlockSizeSectors stratis.Sectors = 8
)

// Status is a decoded `dmsetup status` line for a thin-pool target.
type Status struct {
	TransactionId      uint64
	UsedMetadataBlocks uint64
	TotalMetadataBlocks uint64
	UsedDataBlocks     uint64
	TotalDataBlocks    uint64
	Flags              map[HealthFlag]bool
}

// ParseStatus decodes a line of the form:
// `0 <len> thin-pool <tid> <used_meta>/<total_meta> <used_data>/<total_data> <flags...>`
func ParseStatus(line string) (Status, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Status{}, fmt.Errorf("thin-pool status line too short: %q", line)
	}
	if fields[2] != "thin-pool" {
		return Status{}, fmt.Errorf("not a thin-pool status line: %q", line)
	}

	tid, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Status{}, fmt.Errorf("transaction id: %w", err)
	}
	usedMeta, totalMeta, err := parseFraction(fields[4])
	if err != nil {
		return Status{}, fmt.Errorf("metadata usage: %w", err)
	}
	usedData, totalData, err := parseFraction(fields[5])
	if err != nil {
		return Status{}, fmt.Errorf("data usage: %w", err)
	}

	flags := make(map[HealthFlag]bool, len(fields)-6)
	for _, f := range fields[6:] {
		flags[HealthFlag(f)] = true
	}

	return Status{
		TransactionId:       tid,
		UsedMetadataBlocks:  usedMeta,
		TotalMetadataBlocks: totalMeta,
		UsedDataBlocks:      usedData,
		TotalDataBlocks:     totalData,
		Flags:               flags,
	}, nil
}

func parseFraction(s string) (used, total uint64, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q is not a used/total fraction", s)
	}
	used, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	total, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return used, total, nil
}

// DataUsedPercent and MetadataUsedPercent feed both the extension policy and
// the Prometheus gauges (§4.5 ambient-metrics carry-over).
func (s Status) DataUsedPercent() float64 {
	if s.TotalDataBlocks == 0 {
		return 0
	}
	return 100 * float64(s.UsedDataBlocks) / float64(s.TotalDataBlocks)
}

func (s Status) MetadataUsedPercent() float64 {
	if s.TotalMetadataBlocks == 0 {
		return 0
	}
	return 100 * float64(s.UsedMetadataBlocks) / float64(s.TotalMetadataBlocks)
}

// SupervisorState is the digest of kernel status into the five states §4.5
// names: Good, ReadOnly, OutOfSpace, Fail, Error.
type SupervisorState int

const (
	StateGood SupervisorState = iota
	StateReadOnly
	StateOutOfSpace
	StateFail
	StateError
)

func (s SupervisorState) String() string {
	switch s {
	case StateGood:
		return "Good"
	case StateReadOnly:
		return "ReadOnly"
	case StateOutOfSpace:
		return "OutOfSpace"
	case StateFail:
		return "Fail"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// VerifyHealth classifies a parsed Status into a SupervisorState, mirroring
// the priority order of the teacher's VerifyHealth: the most severe
// condition wins when multiple flags are set simultaneously.
func (s Status) VerifyHealth() SupervisorState {
	if s.Flags[HealthNeedsCheck] {
		return StateFail
	}
	if s.Flags[HealthOutOfDataSpace] {
		return StateOutOfSpace
	}
	if s.Flags[HealthReadOnly] {
		return StateReadOnly
	}
	return StateGood
}

// DataLowWaterTripped and MetadataLowWaterTripped report whether the
// corresponding usage ratio has crossed the supervisor's configured
// low-water mark (§4.5 extension policy).
func (s Status) DataLowWaterTripped(lowWaterPercent float64) bool {
	return s.DataUsedPercent() >= lowWaterPercent
}

func (s Status) MetadataLowWaterTripped(lowWaterPercent float64) bool {
	return s.MetadataUsedPercent() >= lowWaterPercent
}

// blocksToSectors converts a count of dm-thin blocks to Sectors given the
// pool's configured data block size in sectors.
func blocksToSectors(blocks uint64, blockSizeSectors stratis.Sectors) stratis.Sectors {
	return stratis.Sectors(blocks) * blockSizeSectors
}

// UsedDataSectors and TotalDataSectors convert the status line's raw
// dm-thin data-block counts into Sectors, the unit the rest of the engine
// (Backstore, Supervisor) tracks capacity in.
func (s Status) UsedDataSectors() stratis.Sectors {
	return blocksToSectors(s.UsedDataBlocks, DataBlockSizeSectors)
}

func (s Status) TotalDataSectors() stratis.Sectors {
	return blocksToSectors(s.TotalDataBlocks, DataBlockSizeSectors)
}

// UsedMetadataSectors and TotalMetadataSectors do the same for the
// metadata sub-device.
func (s Status) UsedMetadataSectors() stratis.Sectors {
	return blocksToSectors(s.UsedMetadataBlocks, MetadataBlockSizeSectors)
}

func (s Status) TotalMetadataSectors() stratis.Sectors {
	return blocksToSectors(s.TotalMetadataBlocks, MetadataBlockSizeSectors)
}
