// Package report writes the per-volume outcome records of a run.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"
)

// Header is the first CSV row.
var Header = []string{
	"timestamp", "namespace", "volume", "storageClass", "accessModes", "capacity", "phase",
	"result", "detail", "node", "destinationPath", "archiveFile", "bytes", "checksumOk",
}

// Sink accepts outcome records from concurrent workers.
type Sink interface {
	Append(o types.Outcome) error
}

// CSV is a Sink writing one flushed line per Append.
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// Create opens path for writing and emits the header.
func Create(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	c, err := NewCSV(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// NewCSV writes the header to w.
func NewCSV(w io.Writer) (*CSV, error) {
	c := &CSV{w: csv.NewWriter(w)}
	if err := c.write(Header); err != nil {
		return nil, fmt.Errorf("writing report header: %w", err)
	}
	return c, nil
}

func (c *CSV) Append(o types.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(Row(o))
}

func (c *CSV) write(rec []string) error {
	if err := c.w.Write(rec); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Row renders o in Header order.
func Row(o types.Outcome) []string {
	v := o.Volume
	bytes := ""
	if o.Bytes > 0 {
		bytes = strconv.FormatInt(o.Bytes, 10)
	}
	return []string{
		o.Timestamp.UTC().Format(time.RFC3339),
		v.Namespace,
		v.PVCName,
		v.StorageClass,
		v.AccessModesString(),
		v.Capacity,
		v.Phase,
		string(o.Result),
		o.Detail,
		o.Node,
		o.DestinationPath,
		o.ArchiveFile,
		bytes,
		strconv.FormatBool(o.ChecksumOK),
	}
}
