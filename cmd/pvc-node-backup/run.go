package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/config"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/discovery"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/metrics"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/report"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/runner"

	"github.com/spf13/cobra"
)

const pushTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var flagged config.Config
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover volumes and archive each one from a worker pod on its node",
		Args:  cobra.NoArgs,
	}
	path := config.BindFlags(cmd.Flags(), &flagged)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags(), flagged, *path, os.Getenv)
		if err != nil {
			return err
		}
		return runBackup(cmd.Context(), cfg)
	}
	return cmd
}

func runBackup(ctx context.Context, cfg config.Config) error {
	log := newLogger(true, cfg.Verbose)
	defer log.Sync()

	client, err := buildClient(cfg.Kubeconfig)
	if err != nil {
		return fmt.Errorf("creating Kubernetes client: %w", err)
	}

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	d, err := discovery.New(client, discovery.Options{
		Namespaces:      cfg.Namespaces,
		NamespacePrefix: cfg.NamespacePrefix,
		Include:         cfg.PVCInclude,
		Exclude:         cfg.PVCExclude,
		Selector:        cfg.Selector,
	}, log.Named("discovery"))
	if err != nil {
		return err
	}
	wl, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	for _, p := range wl.Problems {
		log.Warnw("scope skipped", "error", p)
	}
	if len(wl.Items) == 0 {
		fmt.Println("No PVCs found.")
		return nil
	}
	fmt.Printf("Found %d PVC(s)\n", len(wl.Items))

	start := time.Now()
	reportPath := cfg.ReportPath
	if reportPath == "" {
		reportPath = defaultReportPath(start)
	}
	sink, err := report.Create(reportPath)
	if err != nil {
		return err
	}

	m := metrics.New()
	outcomes := runner.New(cfg, client, sink, m, log.Named("runner")).Run(ctx, wl.Items)
	if err := sink.Close(); err != nil {
		log.Errorw("closing report failed", "path", reportPath, "error", err)
	}

	fmt.Println()
	fmt.Print(report.Summary(outcomes))
	fmt.Printf("Report: %s (%s)\n", reportPath, time.Since(start).Round(time.Second))

	if cfg.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()
		if err := m.Push(pctx, cfg.PushgatewayURL); err != nil {
			log.Warnw("metrics push failed", "url", cfg.PushgatewayURL, "error", err)
		}
	}
	return nil
}

func defaultReportPath(t time.Time) string {
	return fmt.Sprintf("pvc-backup-%s.csv", runner.Timestamp(t))
}
