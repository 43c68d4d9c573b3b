package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/archive"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/offsite"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type archiveFlags struct {
	source       string
	dest         string
	prefix       string
	level        int
	splitSize    int64
	exclude      []string
	offsiteCreds string
	offsiteKey   string
	termination  string
	verbose      bool
}

func newArchiveCmd() *cobra.Command {
	var f archiveFlags
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a mounted volume (runs inside the worker pod)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := newLogger(false, f.verbose).Named("archive")
			defer log.Sync()
			return runArchive(cmd.Context(), f, log)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.source, "source", "/source", "Mounted volume to archive")
	fs.StringVar(&f.dest, "dest", "/backup", "Directory receiving the artifact")
	fs.StringVar(&f.prefix, "prefix", "", "Artifact name prefix (required)")
	fs.IntVar(&f.level, "compression-level", 6, "gzip level 1-9")
	fs.Int64Var(&f.splitSize, "split-size", 0, "Split into parts of this many bytes (0 disables)")
	fs.StringSliceVar(&f.exclude, "exclude-path", nil, "Relative paths (globs) to leave out")
	fs.StringVar(&f.offsiteCreds, "offsite-credentials", "", "Credentials JSON for an offsite copy")
	fs.StringVar(&f.offsiteKey, "offsite-key", "", "Object key prefix for the offsite copy")
	fs.StringVar(&f.termination, "termination-log", archive.TerminationMessagePath, "Where the result record is written for the controller")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output")
	return cmd
}

func runArchive(ctx context.Context, f archiveFlags, log *zap.SugaredLogger) error {
	meta, err := archiveVolume(ctx, f, log)
	if err != nil {
		meta = &types.ArchiveMeta{Error: err.Error()}
	}
	if werr := archive.WriteTerminationMessage(f.termination, meta); werr != nil {
		log.Warnw("writing termination message failed", "path", f.termination, "error", werr)
	}
	// Diagnostic copy; the controller reads the termination message.
	log.Infow("result", "meta", meta)
	return err
}

func archiveVolume(ctx context.Context, f archiveFlags, log *zap.SugaredLogger) (*types.ArchiveMeta, error) {
	if f.prefix == "" {
		return nil, errors.New("--prefix is required")
	}
	if f.level < 1 || f.level > 9 {
		return nil, fmt.Errorf("compression level %d out of range 1-9", f.level)
	}

	job := archive.New(archive.Options{
		SourceDir: f.source,
		DestDir:   f.dest,
		Prefix:    f.prefix,
		Level:     f.level,
		SplitSize: f.splitSize,
		Exclude:   f.exclude,
	}, log)

	if f.offsiteCreds != "" {
		up, err := newUploader(f.offsiteCreds, log.Named("offsite"))
		if err != nil {
			// A missing or broken secret does not fail the local backup.
			log.Warnw("offsite copy disabled", "error", err)
			job.WithOffsiteError(err)
		} else {
			job.WithUploader(up, f.offsiteKey)
		}
	}

	return job.Run(ctx)
}

func newUploader(path string, log *zap.SugaredLogger) (*offsite.Client, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("offsite credentials: %w", err)
	}
	creds, err := offsite.LoadCredentials(path)
	if err != nil {
		return nil, err
	}
	return offsite.New(creds, log)
}
