package engine

import (
	"github.com/stratis-storage/stratisd-sub004/internal/engine/filesystem"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// PersistedMetadata is the §6 persisted-state JSON document: the payload a
// Codec's SaveState/LoadState carries inside each metadata slot. Unknown
// fields on read are tolerated by virtue of encoding/json's default
// behavior; a required field missing surfaces as CorruptMetadata at the
// call site that validates it, not here.
type PersistedMetadata struct {
	Name        string              `json:"name"`
	Started     bool                `json:"started"`
	Features    []string            `json:"features"`
	Thinpool    ThinpoolMetadata    `json:"thinpool"`
	Backstore   BackstoreMetadata   `json:"backstore"`
	Filesystems []FilesystemMetadata `json:"filesystems"`
}

type ThinpoolMetadata struct {
	DataBlockSize   stratis.Sectors `json:"data_block_size"`
	MetaSize        stratis.Sectors `json:"meta_size"`
	LowWater        float64         `json:"low_water"`
	CurrentData     stratis.Sectors `json:"current_data_sectors"`
	CurrentMetadata stratis.Sectors `json:"current_metadata_sectors"`
}

type BackstoreMetadata struct {
	Data  []DeviceMetadata `json:"data"`
	Cache []DeviceMetadata `json:"cache"`
}

type DeviceMetadata struct {
	Id            stratis.DevId   `json:"id"`
	Path          string          `json:"path"`
	UsableSectors stratis.Sectors `json:"usable_sectors"`
}

type FilesystemMetadata struct {
	Name           string                   `json:"name"`
	Uuid           stratis.FilesystemId     `json:"uuid"`
	ThinId         filesystem.ThinDevId     `json:"thin_id"`
	Origin         *stratis.FilesystemId    `json:"origin,omitempty"`
	SizeLimit      *stratis.Sectors         `json:"size_limit,omitempty"`
	MergeScheduled bool                     `json:"merge_scheduled"`
}

func filesystemMetadataFrom(records []filesystem.Record) []FilesystemMetadata {
	out := make([]FilesystemMetadata, len(records))
	for i, r := range records {
		out[i] = FilesystemMetadata{
			Name:           r.Name,
			Uuid:           r.Id,
			ThinId:         r.ThinId,
			Origin:         r.Origin,
			SizeLimit:      r.SizeLimit,
			MergeScheduled: r.MergeScheduled,
		}
	}
	return out
}
