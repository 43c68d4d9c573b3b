package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

func makeSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file1.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "subdir", "file2.txt"), []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "lost+found", "deep"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "lost+found", "deep", "junk"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("file1.txt", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}
	return src
}

func runJob(t *testing.T, opts Options) (*types.ArchiveMeta, error) {
	t.Helper()
	return New(opts, zap.NewNop().Sugar()).Run(context.Background())
}

func TestRun_SingleFile(t *testing.T) {
	src := makeSource(t)
	dest := filepath.Join(t.TempDir(), "worker-01", "team-a", "data", "20260101-120000")
	prefix := "team-a-data-20260101-120000"

	meta, err := runJob(t, Options{SourceDir: src, DestDir: dest, Prefix: prefix, Level: 6, Exclude: []string{"lost+found"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if meta.File != prefix+".tar.gz" {
		t.Errorf("File = %q, want %q", meta.File, prefix+".tar.gz")
	}
	if !meta.ChecksumOK {
		t.Error("ChecksumOK = false")
	}
	if meta.Parts != 1 {
		t.Errorf("Parts = %d, want 1", meta.Parts)
	}

	archivePath := filepath.Join(dest, meta.File)
	st, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if st.Size() != meta.Bytes {
		t.Errorf("Bytes = %d, file size = %d", meta.Bytes, st.Size())
	}

	// Checksum round trip against the final file and the side file.
	sum := sha256File(t, archivePath)
	if sum != meta.Checksum {
		t.Errorf("recomputed checksum %s != recorded %s", sum, meta.Checksum)
	}
	side, err := os.ReadFile(filepath.Join(dest, prefix+".tar.gz.sha256"))
	if err != nil {
		t.Fatal(err)
	}
	if want := sum + "  " + meta.File + "\n"; string(side) != want {
		t.Errorf("checksum file = %q, want %q", side, want)
	}

	onDisk, err := ReadMeta(dest, prefix)
	if err != nil {
		t.Fatalf("ReadMeta() error: %v", err)
	}
	if *onDisk != *meta {
		t.Errorf("meta on disk = %+v, want %+v", onDisk, meta)
	}

	entries := readTarGzEntries(t, archivePath)
	for _, want := range []string{"file1.txt", "subdir/", "subdir/file2.txt", "link"} {
		if _, ok := entries[want]; !ok {
			t.Errorf("missing entry %q (have %v)", want, keys(entries))
		}
	}
	for name := range entries {
		if strings.HasPrefix(name, "lost+found") {
			t.Errorf("excluded entry %q present", name)
		}
	}
	if entries["file1.txt"] != "hello" {
		t.Errorf("file1.txt content = %q", entries["file1.txt"])
	}

	assertNoTemps(t, dest)
}

func TestRun_Split(t *testing.T) {
	src := t.TempDir()
	blob := make([]byte, 256*1024)
	if _, err := rand.Read(blob); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "random.bin"), blob, 0644); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	prefix := "team-a-data-ts"

	meta, err := runJob(t, Options{SourceDir: src, DestDir: dest, Prefix: prefix, Level: 1, SplitSize: 64 * 1024})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if meta.Parts < 4 {
		t.Fatalf("Parts = %d, want >= 4", meta.Parts)
	}
	if meta.File != prefix+".part.0000" {
		t.Errorf("File = %q", meta.File)
	}
	if _, err := os.Stat(filepath.Join(dest, prefix+".tar.gz")); !os.IsNotExist(err) {
		t.Error("single-file archive should not exist in split mode")
	}

	// Concatenated parts form the original stream.
	var all bytes.Buffer
	var total int64
	for i := 0; i < meta.Parts; i++ {
		data, err := os.ReadFile(filepath.Join(dest, PartName(prefix, i)))
		if err != nil {
			t.Fatal(err)
		}
		if i < meta.Parts-1 && len(data) != 64*1024 {
			t.Errorf("part %d size = %d, want %d", i, len(data), 64*1024)
		}
		total += int64(len(data))
		all.Write(data)
	}
	if total != meta.Bytes {
		t.Errorf("Bytes = %d, parts total %d", meta.Bytes, total)
	}
	h := sha256.Sum256(all.Bytes())
	if hex.EncodeToString(h[:]) != meta.Checksum {
		t.Error("whole-stream checksum mismatch")
	}

	res, err := Verify(dest, prefix, true)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Parts != meta.Parts || res.Checksum != meta.Checksum {
		t.Errorf("Verify() = %+v, meta = %+v", res, meta)
	}
	assertNoTemps(t, dest)
}

func TestRun_FailureLeavesNoFinalArtifact(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(src, name), bytes.Repeat([]byte(name), 1024), 0644); err != nil {
			t.Fatal(err)
		}
	}

	// The run is cancelled partway through the walk.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dest := t.TempDir()
	job := New(Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6}, zap.NewNop().Sugar())
	job.onEntry = func(rel string) {
		if rel == "a.txt" {
			cancel()
		}
	}
	if _, err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("destination not empty after failure: %v", names)
	}
}

func TestRun_SkipsSockets(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "important.db"), []byte("rows"), 0644); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("unix", filepath.Join(src, "mysql.sock"))
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()

	dest := t.TempDir()
	meta, err := runJob(t, Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	entries := readTarGzEntries(t, filepath.Join(dest, meta.File))
	if entries["important.db"] != "rows" {
		t.Errorf("important.db = %q", entries["important.db"])
	}
	if _, ok := entries["mysql.sock"]; ok {
		t.Error("socket was archived")
	}
}

func TestRun_FilesChangingDuringWalk(t *testing.T) {
	src := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("a-trigger.txt", "a")
	write("b-deleted-early.txt", "b")
	write("c-grows.log", "0123456789")
	write("d-shrinks.dat", "abcdef")
	write("e-deleted-late.txt", "e")
	write("f-stable.txt", "stable")

	dest := t.TempDir()
	job := New(Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6}, zap.NewNop().Sugar())
	job.onEntry = func(rel string) {
		path := filepath.Join(src, rel)
		switch rel {
		case "a-trigger.txt":
			// Listed with its directory but gone before it is stat'ed.
			os.Remove(filepath.Join(src, "b-deleted-early.txt"))
		case "c-grows.log":
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
			if err != nil {
				t.Fatal(err)
			}
			f.WriteString("appended")
			f.Close()
		case "d-shrinks.dat":
			os.Truncate(path, 2)
		case "e-deleted-late.txt":
			os.Remove(path)
		}
	}
	meta, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	entries := readTarGzEntries(t, filepath.Join(dest, meta.File))
	if got := entries["c-grows.log"]; got != "0123456789" {
		t.Errorf("grown file = %q, want the size seen at stat time", got)
	}
	if got := entries["d-shrinks.dat"]; got != "ab\x00\x00\x00\x00" {
		t.Errorf("shrunk file = %q, want zero padding", got)
	}
	for _, gone := range []string{"b-deleted-early.txt", "e-deleted-late.txt"} {
		if _, ok := entries[gone]; ok {
			t.Errorf("%s archived after it was deleted", gone)
		}
	}
	if entries["f-stable.txt"] != "stable" {
		t.Errorf("entries = %v", keys(entries))
	}
}

func TestCopyEntry(t *testing.T) {
	tests := []struct {
		in   string
		size int64
		want string
	}{
		{"abc", 3, "abc"},
		{"abcdef", 3, "abc"},
		{"a", 3, "a\x00\x00"},
		{"", 0, ""},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		if err := copyEntry(&buf, strings.NewReader(tc.in), tc.size); err != nil {
			t.Fatalf("copyEntry(%q, %d) error: %v", tc.in, tc.size, err)
		}
		if buf.String() != tc.want {
			t.Errorf("copyEntry(%q, %d) = %q, want %q", tc.in, tc.size, buf.String(), tc.want)
		}
	}
}

func TestRun_RefusesExistingArtifact(t *testing.T) {
	src := makeSource(t)
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "p.tar.gz"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := runJob(t, Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6}); err == nil {
		t.Fatal("expected error when the artifact already exists")
	}
	data, _ := os.ReadFile(filepath.Join(dest, "p.tar.gz"))
	if string(data) != "old" {
		t.Error("existing artifact was modified")
	}
}

func TestRun_SourceMissing(t *testing.T) {
	dest := t.TempDir()
	if _, err := runJob(t, Options{SourceDir: "/nonexistent/path/12345", DestDir: dest, Prefix: "p", Level: 6}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestRun_EmptyVolume(t *testing.T) {
	dest := t.TempDir()
	meta, err := runJob(t, Options{SourceDir: t.TempDir(), DestDir: dest, Prefix: "empty", Level: 9})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if meta.Bytes == 0 || !meta.ChecksumOK {
		t.Errorf("meta = %+v", meta)
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	src := makeSource(t)
	dest := t.TempDir()
	meta, err := runJob(t, Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	path := filepath.Join(dest, meta.File)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Verify(dest, "p", false); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestVerify_MissingArchive(t *testing.T) {
	dest := t.TempDir()
	line := strings.Repeat("a", 64) + "  p.tar.gz\n"
	if err := os.WriteFile(filepath.Join(dest, "p.tar.gz.sha256"), []byte(line), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Verify(dest, "p", false)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Verify() error = %v, want not-exist", err)
	}
}

type recordingUploader struct {
	keys []string
	fail error
}

func (u *recordingUploader) Upload(_ context.Context, localPath, key string) error {
	if u.fail != nil {
		return u.fail
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return nil
}

func (u *recordingUploader) Location(key string) string { return "s3://bucket/" + key }

func TestRun_Offsite(t *testing.T) {
	src := makeSource(t)
	dest := t.TempDir()
	up := &recordingUploader{}

	meta, err := New(Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6}, zap.NewNop().Sugar()).
		WithUploader(up, "team-a/data").
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := []string{"team-a/data/p.tar.gz", "team-a/data/p.tar.gz.sha256", "team-a/data/p.meta.json"}
	if strings.Join(up.keys, ",") != strings.Join(want, ",") {
		t.Errorf("uploaded = %v, want %v", up.keys, want)
	}
	if meta.Offsite != "s3://bucket/team-a/data/" {
		t.Errorf("Offsite = %q", meta.Offsite)
	}
}

func TestRun_OffsiteFailureKeepsArtifact(t *testing.T) {
	src := makeSource(t)
	dest := t.TempDir()
	up := &recordingUploader{fail: errors.New("bucket unreachable")}

	meta, err := New(Options{SourceDir: src, DestDir: dest, Prefix: "p", Level: 6}, zap.NewNop().Sugar()).
		WithUploader(up, "").
		Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if meta.OffsiteErr == "" || meta.Offsite != "" {
		t.Errorf("meta = %+v, want offsite error recorded", meta)
	}
	if _, err := os.Stat(filepath.Join(dest, "p.tar.gz")); err != nil {
		t.Errorf("artifact should remain: %v", err)
	}
}

func TestTerminationMessageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termination-log")
	in := &types.ArchiveMeta{Error: strings.Repeat("e", 5000)}
	if err := WriteTerminationMessage(path, in); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 4096 {
		t.Errorf("termination message is %d bytes, kubelet keeps 4096", len(data))
	}
	out, err := ParseTerminationMessage(string(data))
	if err != nil {
		t.Fatalf("ParseTerminationMessage() error: %v", err)
	}
	if !strings.HasPrefix(out.Error, "eee") {
		t.Errorf("Error = %q", out.Error[:10])
	}

	if _, err := ParseTerminationMessage("  "); err == nil {
		t.Error("expected error for empty message")
	}
}

// --- helpers ---

func sha256File(t *testing.T, path string) string {
	t.Helper()
	sum, _, err := fileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("temporary file %q left behind", e.Name())
		}
	}
}

func readTarGzEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer gr.Close()

	out := make(map[string]string)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = string(data)
	}
	return out
}

func keys(m map[string]string) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
