// Package placement decides where, and whether, a worker may mount a volume.
package placement

import (
	"fmt"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"
)

// Skip reasons recorded in the report.
const (
	ReasonBlock        = "block volumes unsupported"
	ReasonNotBound     = "not bound"
	ReasonStrict       = "mounted elsewhere, strict mode"
	ReasonRWOPInUse    = "ReadWriteOncePod volume in use"
	ReasonNoTargetNode = "no target node"
)

// Policy holds the operator toggles that influence classification.
type Policy struct {
	// Colocate runs the worker next to an existing mount of the volume.
	Colocate bool
	// StrictRWO refuses RWO volumes mounted by another pod. When false and
	// Colocate is off, the worker goes to the fallback node and the caller
	// accepts a possible read of a volume being written elsewhere.
	StrictRWO bool
}

// Classify returns the placement for a volume given its current mounts.
func Classify(v types.VolumeInfo, mounts []types.MountInfo, p Policy) types.Placement {
	if v.VolumeMode == types.VolumeModeBlock {
		return types.Placement{Mode: types.PlacementSkip, Reason: ReasonBlock}
	}
	if v.Phase != "Bound" {
		return types.Placement{Mode: types.PlacementSkip, Reason: ReasonNotBound}
	}

	mountNode, mountPod := firstScheduledMount(mounts)
	mounted := len(mounts) > 0

	if v.HasAccessMode(types.ReadWriteOncePod) && mounted {
		return types.Placement{
			Mode:   types.PlacementSkip,
			Reason: fmt.Sprintf("%s by pod %s", ReasonRWOPInUse, mounts[0].PodName),
		}
	}

	shared := v.HasAccessMode(types.ReadWriteMany) || v.HasAccessMode(types.ReadOnlyMany)

	if !shared && mounted {
		switch {
		case p.Colocate && mountNode != "":
			return types.Placement{
				Mode:   types.PlacementColocate,
				Node:   mountNode,
				Reason: fmt.Sprintf("colocated with pod %s", mountPod),
			}
		case p.StrictRWO:
			return types.Placement{
				Mode:   types.PlacementSkip,
				Reason: fmt.Sprintf("%s (pod %s on %s)", ReasonStrict, mounts[0].PodName, orUnscheduled(mounts[0].NodeName)),
			}
		default:
			return types.Placement{
				Mode:   types.PlacementPin,
				Node:   v.BoundNode,
				Reason: fmt.Sprintf("RWO mounted by pod %s on %s; concurrent read accepted", mounts[0].PodName, orUnscheduled(mounts[0].NodeName)),
			}
		}
	}

	if mounted && p.Colocate && mountNode != "" {
		return types.Placement{
			Mode:   types.PlacementColocate,
			Node:   mountNode,
			Reason: fmt.Sprintf("colocated with pod %s", mountPod),
		}
	}
	if v.BoundNode != "" {
		return types.Placement{Mode: types.PlacementPin, Node: v.BoundNode, Reason: "volume bound to node"}
	}
	if mounted {
		return types.Placement{Mode: types.PlacementPin, Reason: "shared volume"}
	}
	return types.Placement{Mode: types.PlacementPin, Reason: "not mounted"}
}

// SelectNode returns the decision's node, or fallback when it carries none.
func SelectNode(d types.Placement, fallback string) string {
	if d.Node != "" {
		return d.Node
	}
	return fallback
}

func firstScheduledMount(mounts []types.MountInfo) (node, pod string) {
	for _, m := range mounts {
		if m.NodeName != "" {
			return m.NodeName, m.PodName
		}
	}
	return "", ""
}

func orUnscheduled(node string) string {
	if node == "" {
		return "<unscheduled>"
	}
	return node
}
