package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type part struct {
	name  string
	sum   string
	bytes int64
}

// partWriter writes the compressed stream to hidden temporary files, rolling
// over to a new part every size bytes when size > 0.
type partWriter struct {
	dir    string
	prefix string
	size   int64

	parts []part
	cur   *os.File
	hash  hash.Hash
	n     int64
	total int64
}

func newPartWriter(dir, prefix string, size int64) *partWriter {
	return &partWriter{dir: dir, prefix: prefix, size: size}
}

func (w *partWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.cur == nil || (w.size > 0 && w.n == w.size) {
			if err := w.rotate(); err != nil {
				return written, err
			}
		}
		chunk := p
		if w.size > 0 && int64(len(chunk)) > w.size-w.n {
			chunk = chunk[:w.size-w.n]
		}
		n, err := w.cur.Write(chunk)
		w.hash.Write(chunk[:n])
		w.n += int64(n)
		w.total += int64(n)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

func (w *partWriter) rotate() error {
	if err := w.finish(); err != nil {
		return err
	}
	name := ArchiveName(w.prefix)
	if w.size > 0 {
		name = PartName(w.prefix, len(w.parts))
	}
	f, err := os.OpenFile(filepath.Join(w.dir, tempName(name)), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	w.parts = append(w.parts, part{name: name})
	w.cur = f
	w.hash = sha256.New()
	w.n = 0
	return nil
}

func (w *partWriter) finish() error {
	if w.cur == nil {
		return nil
	}
	last := &w.parts[len(w.parts)-1]
	last.sum = hex.EncodeToString(w.hash.Sum(nil))
	last.bytes = w.n
	err := w.cur.Sync()
	if cerr := w.cur.Close(); err == nil {
		err = cerr
	}
	w.cur = nil
	return err
}

// Close flushes the last part. An empty stream still yields one file.
func (w *partWriter) Close() error {
	if len(w.parts) == 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	return w.finish()
}

func (w *partWriter) removeTemps() {
	if w.cur != nil {
		w.cur.Close()
		w.cur = nil
	}
	for _, p := range w.parts {
		os.Remove(filepath.Join(w.dir, tempName(p.name)))
	}
}

// checksumLines renders parts in sha256sum(1) format.
func checksumLines(parts []part) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		fmt.Fprintf(&b, "%s  %s\n", p.sum, p.name)
	}
	return b.Bytes()
}

type checksumEntry struct {
	sum  string
	name string
}

func parseChecksums(r io.Reader) ([]checksumEntry, error) {
	var out []checksumEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || len(fields[0]) != sha256.Size*2 {
			return nil, fmt.Errorf("malformed checksum line %q", line)
		}
		out = append(out, checksumEntry{sum: fields[0], name: strings.TrimPrefix(fields[1], "*")})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("checksum file is empty")
	}
	return out, nil
}

// VerifyResult describes a verified artifact.
type VerifyResult struct {
	Checksum string // sha256 of the whole compressed stream
	Bytes    int64
	Parts    int
	Entries  int
}

// Verify checks a final-named artifact in dir: every file listed in the
// checksum side file must exist and match, and the concatenated stream must
// decompress to a well-formed tar archive.
func Verify(dir, prefix string, split bool) (*VerifyResult, error) {
	sumFile, err := os.Open(filepath.Join(dir, ChecksumName(prefix, split)))
	if err != nil {
		return nil, fmt.Errorf("opening checksum file: %w", err)
	}
	entries, err := parseChecksums(sumFile)
	sumFile.Close()
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Parts: len(entries)}
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	var readers []io.Reader
	for _, e := range entries {
		path := filepath.Join(dir, e.name)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("artifact file %s: %w", e.name, err)
		}
		got, n, err := fileSHA256(path)
		if err != nil {
			return nil, err
		}
		if got != e.sum {
			return nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", e.name, got, e.sum)
		}
		res.Bytes += n

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	whole := sha256.New()
	raw := io.TeeReader(io.MultiReader(readers...), whole)
	gr, err := gzip.NewReader(raw)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		res.Entries++
	}
	if _, err := io.Copy(io.Discard, gr); err != nil {
		return nil, fmt.Errorf("reading gzip trailer: %w", err)
	}
	if _, err := io.Copy(io.Discard, raw); err != nil {
		return nil, err
	}
	res.Checksum = hex.EncodeToString(whole.Sum(nil))
	return res, nil
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
