// Package archive implements the job that runs inside a worker pod: it
// streams a mounted volume into a compressed, checksummed artifact that only
// ever appears under its final name once complete and verified.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Options configures one archive job.
type Options struct {
	SourceDir string
	DestDir   string
	Prefix    string
	Level     int
	// SplitSize > 0 writes fixed-size parts instead of a single file.
	SplitSize int64
	// Exclude holds glob patterns matched against slash-separated paths
	// relative to SourceDir.
	Exclude []string
}

// Uploader copies finished artifact files somewhere off the node.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
	Location(key string) string
}

// Job produces one artifact.
type Job struct {
	opts     Options
	uploader Uploader
	// uploadPrefix is prepended to object keys, e.g. "namespace/pvc".
	uploadPrefix string
	// offsiteErr is recorded when the offsite copy could not be set up.
	offsiteErr string
	log        *zap.SugaredLogger

	// onEntry runs for each source entry after it has been stat'ed.
	onEntry func(rel string)
}

func New(opts Options, log *zap.SugaredLogger) *Job {
	return &Job{opts: opts, log: log}
}

// WithUploader enables the offsite copy of a verified artifact.
func (j *Job) WithUploader(u Uploader, keyPrefix string) *Job {
	j.uploader = u
	j.uploadPrefix = keyPrefix
	return j
}

// WithOffsiteError records why the offsite copy was not attempted. The
// local artifact is still produced.
func (j *Job) WithOffsiteError(err error) *Job {
	if err != nil {
		j.offsiteErr = err.Error()
	}
	return j
}

// ArchiveName is the single-file artifact name.
func ArchiveName(prefix string) string { return prefix + ".tar.gz" }

// PartName is the name of the i-th part of a split artifact.
func PartName(prefix string, i int) string { return fmt.Sprintf("%s.part.%04d", prefix, i) }

// ChecksumName is the sha256sum-format side file.
func ChecksumName(prefix string, split bool) string {
	if split {
		return prefix + ".parts.sha256"
	}
	return prefix + ".tar.gz.sha256"
}

// MetaName is the metadata record the controller reads back.
func MetaName(prefix string) string { return prefix + ".meta.json" }

func tempName(name string) string { return "." + name + ".tmp" }

// Run executes the whole pipeline. On error no final-named archive, checksum
// or meta file is left in DestDir.
func (j *Job) Run(ctx context.Context) (*types.ArchiveMeta, error) {
	o := j.opts
	if o.Prefix == "" {
		return nil, errors.New("archive prefix is required")
	}
	info, err := os.Stat(o.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", o.SourceDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %q is not a directory", o.SourceDir)
	}
	if err := os.MkdirAll(o.DestDir, 0755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}

	split := o.SplitSize > 0
	checksumFile := ChecksumName(o.Prefix, split)
	for _, name := range []string{ArchiveName(o.Prefix), PartName(o.Prefix, 0), checksumFile, MetaName(o.Prefix)} {
		if _, err := os.Lstat(filepath.Join(o.DestDir, name)); err == nil {
			return nil, fmt.Errorf("artifact %s already exists", name)
		}
	}

	j.log.Infow("archiving", "source", o.SourceDir, "dest", o.DestDir, "prefix", o.Prefix, "level", o.Level, "splitSize", o.SplitSize)

	out := newPartWriter(o.DestDir, o.Prefix, o.SplitSize)
	var finals []string
	committed := false
	defer func() {
		if committed {
			return
		}
		out.removeTemps()
		os.Remove(filepath.Join(o.DestDir, tempName(checksumFile)))
		for _, f := range finals {
			os.Remove(f)
		}
	}()

	sum, err := j.stream(ctx, out)
	if err != nil {
		return nil, err
	}

	// Checksum side file first under its temporary name.
	tmpSum := filepath.Join(o.DestDir, tempName(checksumFile))
	if err := writeSynced(tmpSum, checksumLines(out.parts)); err != nil {
		return nil, fmt.Errorf("writing checksum: %w", err)
	}

	// Archive data becomes visible before its checksum.
	for _, p := range out.parts {
		final := filepath.Join(o.DestDir, p.name)
		if err := os.Rename(filepath.Join(o.DestDir, tempName(p.name)), final); err != nil {
			return nil, fmt.Errorf("renaming %s: %w", p.name, err)
		}
		finals = append(finals, final)
	}
	finalSum := filepath.Join(o.DestDir, checksumFile)
	if err := os.Rename(tmpSum, finalSum); err != nil {
		return nil, fmt.Errorf("renaming checksum: %w", err)
	}
	finals = append(finals, finalSum)
	syncDir(o.DestDir)

	vr, err := Verify(o.DestDir, o.Prefix, split)
	if err != nil {
		return nil, fmt.Errorf("verifying: %w", err)
	}
	if vr.Checksum != sum {
		return nil, fmt.Errorf("verifying: stream checksum %s does not match written %s", vr.Checksum, sum)
	}

	meta := &types.ArchiveMeta{
		File:       ArchiveName(o.Prefix),
		Bytes:      out.total,
		Checksum:   sum,
		ChecksumOK: true,
		Parts:      len(out.parts),
	}
	if split {
		meta.File = PartName(o.Prefix, 0)
	}

	if j.uploader != nil {
		j.upload(ctx, meta, finals)
	} else if j.offsiteErr != "" {
		meta.OffsiteErr = j.offsiteErr
	}

	if err := WriteMeta(o.DestDir, o.Prefix, meta); err != nil {
		return nil, err
	}
	committed = true

	if j.uploader != nil && meta.OffsiteErr == "" {
		metaPath := filepath.Join(o.DestDir, MetaName(o.Prefix))
		if err := j.uploader.Upload(ctx, metaPath, j.key(MetaName(o.Prefix))); err != nil {
			j.log.Warnw("uploading meta failed", "error", err)
		}
	}

	j.log.Infow("archive complete", "file", meta.File, "bytes", meta.Bytes, "parts", meta.Parts, "checksum", meta.Checksum, "entries", vr.Entries)
	return meta, nil
}

// stream walks the source into tar -> gzip -> parts and returns the sha256
// of the whole compressed stream.
func (j *Job) stream(ctx context.Context, out *partWriter) (string, error) {
	whole := sha256.New()
	gz, err := gzip.NewWriterLevel(io.MultiWriter(out, whole), j.opts.Level)
	if err != nil {
		return "", fmt.Errorf("gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	src := j.opts.SourceDir
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Live volumes change under us; an entry removed after its
			// directory was listed is skipped.
			if path != src && os.IsNotExist(err) {
				j.log.Warnw("skipping vanished entry", "path", path)
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath != "." && j.excluded(filepath.ToSlash(relPath)) {
			j.log.Debugw("excluded", "path", relPath)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSocket != 0 {
			j.log.Warnw("skipping socket", "path", relPath)
			return nil
		}
		if j.onEntry != nil {
			j.onEntry(relPath)
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				if os.IsNotExist(err) {
					j.log.Warnw("skipping vanished entry", "path", relPath)
					return nil
				}
				return err
			}
		}

		// Open before the header is written so a file that vanished can
		// still be skipped cleanly.
		var f *os.File
		if info.Mode().IsRegular() {
			if f, err = os.Open(path); err != nil {
				if os.IsNotExist(err) {
					j.log.Warnw("skipping vanished entry", "path", relPath)
					return nil
				}
				return err
			}
			defer f.Close()
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() && relPath != "." {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}
		if f == nil {
			return nil
		}
		if err := copyEntry(tw, f, header.Size); err != nil {
			return fmt.Errorf("copying %s: %w", relPath, err)
		}
		if st, err := f.Stat(); err == nil && st.Size() != header.Size {
			j.log.Warnw("file changed while archiving", "path", relPath, "archived", header.Size, "now", st.Size())
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("tar: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("closing tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("closing gzip: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing output: %w", err)
	}
	return hex.EncodeToString(whole.Sum(nil)), nil
}

// copyEntry writes exactly size bytes of r to tw. Bytes appended after the
// header was written are dropped and a file that shrank is zero-padded.
func copyEntry(tw io.Writer, r io.Reader, size int64) error {
	n, err := io.CopyN(tw, r, size)
	if errors.Is(err, io.EOF) {
		_, err = io.CopyN(tw, zeros{}, size-n)
	}
	return err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func (j *Job) excluded(rel string) bool {
	for _, p := range j.opts.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (j *Job) upload(ctx context.Context, meta *types.ArchiveMeta, files []string) {
	for _, f := range files {
		if err := j.uploader.Upload(ctx, f, j.key(filepath.Base(f))); err != nil {
			j.log.Warnw("offsite upload failed", "file", filepath.Base(f), "error", err)
			meta.OffsiteErr = err.Error()
			return
		}
	}
	meta.Offsite = j.uploader.Location(j.key(""))
}

func (j *Job) key(name string) string {
	if j.uploadPrefix == "" {
		return name
	}
	return j.uploadPrefix + "/" + name
}

// WriteMeta atomically writes the metadata record into dir.
func WriteMeta(dir, prefix string, meta *types.ArchiveMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	name := MetaName(prefix)
	tmp := filepath.Join(dir, tempName(name))
	if err := writeSynced(tmp, append(data, '\n')); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming meta: %w", err)
	}
	syncDir(dir)
	return nil
}

// ReadMeta loads a metadata record written by WriteMeta.
func ReadMeta(dir, prefix string) (*types.ArchiveMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaName(prefix)))
	if err != nil {
		return nil, err
	}
	var meta types.ArchiveMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
