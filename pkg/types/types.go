package types

import (
	"strings"
	"time"
)

// AccessMode mirrors the PVC access modes the classifier cares about.
type AccessMode string

const (
	ReadWriteOnce    AccessMode = "ReadWriteOnce"
	ReadWriteMany    AccessMode = "ReadWriteMany"
	ReadOnlyMany     AccessMode = "ReadOnlyMany"
	ReadWriteOncePod AccessMode = "ReadWriteOncePod"
)

// VolumeMode is Filesystem or Block.
type VolumeMode string

const (
	VolumeModeFilesystem VolumeMode = "Filesystem"
	VolumeModeBlock      VolumeMode = "Block"
)

// VolumeInfo is the per-run snapshot of a PersistentVolumeClaim.
type VolumeInfo struct {
	Namespace    string
	PVCName      string
	PVName       string
	AccessModes  []AccessMode
	VolumeMode   VolumeMode
	Phase        string // "Bound", "Pending", "Lost"
	Capacity     string // e.g. "10Gi"
	StorageClass string
	// BoundNode is set when the PV carries a required node affinity on a single host.
	BoundNode string
}

// Key returns "namespace/pvc".
func (v VolumeInfo) Key() string {
	return v.Namespace + "/" + v.PVCName
}

// HasAccessMode reports whether the claim requests the given mode.
func (v VolumeInfo) HasAccessMode(m AccessMode) bool {
	for _, am := range v.AccessModes {
		if am == m {
			return true
		}
	}
	return false
}

// AccessModesString joins access modes with "+" for reports.
func (v VolumeInfo) AccessModesString() string {
	parts := make([]string, 0, len(v.AccessModes))
	for _, m := range v.AccessModes {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, "+")
}

// MountInfo is a pod currently referencing a volume.
type MountInfo struct {
	PodName  string
	NodeName string // empty while the pod is unscheduled
}

// PlacementMode is the classifier verdict.
type PlacementMode string

const (
	PlacementColocate PlacementMode = "colocate"
	PlacementPin      PlacementMode = "pin"
	PlacementSkip     PlacementMode = "skip"
)

// Placement is the derived decision for one volume. Node is empty when the
// fallback node should be used.
type Placement struct {
	Mode   PlacementMode
	Node   string
	Reason string
}

// WorkItem is one entry of the discovered worklist.
type WorkItem struct {
	Volume VolumeInfo
	Mounts []MountInfo
	// Excluded carries a policy reason when discovery filtered the claim out
	// but it must still appear in the report.
	Excluded string
}

// ArchiveMeta is the machine-readable record emitted by the archive job.
type ArchiveMeta struct {
	File       string `json:"file"`
	Bytes      int64  `json:"bytes"`
	Checksum   string `json:"checksum,omitempty"`
	ChecksumOK bool   `json:"checksum_ok"`
	Parts      int    `json:"parts"`
	Offsite    string `json:"offsite,omitempty"`
	OffsiteErr string `json:"offsite_error,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome class of one item.
type Result string

const (
	ResultOK      Result = "ok"
	ResultSkipped Result = "skipped"
	ResultError   Result = "error"
	ResultDryRun  Result = "dry-run"
)

// Outcome is one row of the run report.
type Outcome struct {
	Timestamp       time.Time
	Volume          VolumeInfo
	Result          Result
	Detail          string
	Node            string
	DestinationPath string
	ArchiveFile     string
	Bytes           int64
	ChecksumOK      bool
	Duration        time.Duration
}

// Labels placed on worker pods so they are never mistaken for volume users.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "pvc-node-backup"
)
