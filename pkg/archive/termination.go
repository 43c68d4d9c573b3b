package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"
)

// TerminationMessagePath is where the kubelet picks up the container's
// termination message.
const TerminationMessagePath = "/dev/termination-log"

// The kubelet truncates termination messages at 4096 bytes.
const maxErrorLen = 2048

// WriteTerminationMessage records meta as the container's termination
// message, the channel the controller reads results from.
func WriteTerminationMessage(path string, meta *types.ArchiveMeta) error {
	m := *meta
	if len(m.Error) > maxErrorLen {
		m.Error = m.Error[:maxErrorLen] + "..."
	}
	if len(m.OffsiteErr) > maxErrorLen/2 {
		m.OffsiteErr = m.OffsiteErr[:maxErrorLen/2] + "..."
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ParseTerminationMessage decodes a record written by WriteTerminationMessage.
func ParseTerminationMessage(msg string) (*types.ArchiveMeta, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil, fmt.Errorf("empty termination message")
	}
	var meta types.ArchiveMeta
	if err := json.Unmarshal([]byte(msg), &meta); err != nil {
		return nil, fmt.Errorf("parsing termination message: %w", err)
	}
	return &meta, nil
}
