// Package runner drives a whole backup run: one worker per volume, bounded
// parallelism, retries, and one outcome record per volume.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/config"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/metrics"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/placement"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/report"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/retry"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/worker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
)

const (
	cleanupTimeout = 30 * time.Second
	logTailLines   = 20
)

// Runner processes a worklist. It is safe to call Run once per instance.
type Runner struct {
	cfg     config.Config
	ctrl    *worker.Controller
	sink    report.Sink
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	now   func() time.Time
	sleep retry.SleepFunc
}

func New(cfg config.Config, client kubernetes.Interface, sink report.Sink, m *metrics.Metrics, log *zap.SugaredLogger) *Runner {
	if m == nil {
		m = metrics.New()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Runner{
		cfg:     cfg,
		ctrl:    worker.NewController(client, cfg.PollInterval, log.Named("worker")),
		sink:    sink,
		metrics: m,
		log:     log,
		now:     time.Now,
		sleep:   retry.Sleep,
	}
}

// Timestamp formats t the way worker names and paths embed it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(worker.TimestampFormat)
}

// Run processes every item and returns their outcomes in worklist order.
// Item failures never abort the run.
func (r *Runner) Run(ctx context.Context, items []types.WorkItem) []types.Outcome {
	ts := Timestamp(r.now())
	outcomes := make([]types.Outcome, len(items))

	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for i, it := range items {
		g.Go(func() error {
			r.metrics.InFlight.Inc()
			defer r.metrics.InFlight.Dec()

			o := r.process(ctx, it, ts)
			outcomes[i] = o
			r.metrics.Observe(o)
			if err := r.sink.Append(o); err != nil {
				r.log.Errorw("writing report record failed", "namespace", it.Volume.Namespace, "pvc", it.Volume.PVCName, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (r *Runner) process(ctx context.Context, it types.WorkItem, ts string) types.Outcome {
	start := r.now()
	v := it.Volume
	log := r.log.With("namespace", v.Namespace, "pvc", v.PVCName)

	o := types.Outcome{Timestamp: start, Volume: v}
	finish := func(res types.Result, detail string) types.Outcome {
		o.Result = res
		o.Detail = detail
		o.Duration = r.now().Sub(start)
		switch res {
		case types.ResultError:
			log.Warnw("backup failed", "detail", detail)
		case types.ResultSkipped:
			log.Infow("skipped", "reason", detail)
		default:
			log.Infow(string(res), "node", o.Node, "path", o.DestinationPath, "detail", detail)
		}
		return o
	}

	if it.Excluded != "" {
		return finish(types.ResultSkipped, it.Excluded)
	}

	d := placement.Classify(v, it.Mounts, placement.Policy{Colocate: r.cfg.Colocate, StrictRWO: r.cfg.StrictRWO})
	if d.Mode == types.PlacementSkip {
		return finish(types.ResultSkipped, d.Reason)
	}
	node := placement.SelectNode(d, r.cfg.FallbackNode)
	if node == "" {
		return finish(types.ResultSkipped, placement.ReasonNoTargetNode)
	}

	spec := r.spec(v, node, ts)
	o.Node = node
	o.DestinationPath = spec.HostPath
	log.Debugw("placement", "mode", d.Mode, "node", node, "reason", d.Reason)

	if r.cfg.DryRun {
		return finish(types.ResultDryRun, fmt.Sprintf("would %s on %s: %s", d.Mode, node, d.Reason))
	}
	if ctx.Err() != nil {
		return finish(types.ResultError, "timed out")
	}

	if r.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ItemTimeout)
		defer cancel()
	}

	res, err := r.execute(ctx, spec, log)
	if err != nil {
		return finish(types.ResultError, detailFor(err))
	}
	o.ArchiveFile = res.File
	o.Bytes = res.Bytes
	o.ChecksumOK = res.ChecksumOK

	detail := "ok"
	switch {
	case res.OffsiteErr != "":
		detail = "ok; offsite upload failed: " + res.OffsiteErr
	case res.Offsite != "":
		detail = "ok; offsite " + res.Offsite
	}
	return finish(types.ResultOK, detail)
}

func (r *Runner) spec(v types.VolumeInfo, node, ts string) worker.Spec {
	s := worker.NewSpec(v, node, r.cfg.DestinationBase, ts)
	s.Image = r.cfg.WorkerImage
	s.ServiceAccount = r.cfg.WorkerServiceAccount
	s.CompressionLevel = r.cfg.CompressionLevel
	s.SplitSize = r.cfg.SplitSize
	s.ExcludePaths = r.cfg.ExcludePaths
	s.OffsiteSecret = r.cfg.OffsiteSecret
	s.ActiveDeadline = r.cfg.ItemTimeout
	s.Verbose = r.cfg.Verbose
	return s
}

// attemptsError records how many submissions were made before giving up.
type attemptsError struct {
	attempts int
	err      error
}

func (e *attemptsError) Error() string { return e.err.Error() }
func (e *attemptsError) Unwrap() error { return e.err }

// execute runs one worker through its lifecycle and returns the verified
// archive record.
func (r *Runner) execute(ctx context.Context, spec worker.Spec, log *zap.SugaredLogger) (*types.ArchiveMeta, error) {
	var unit *worker.Unit
	defer func() {
		if unit == nil {
			return
		}
		if r.cfg.RetainWorker {
			log.Infow("retaining worker", "pod", unit.String(), "state", unit.State)
			return
		}
		// The item context may already be done; cleanup still runs.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		r.ctrl.Cleanup(cctx, unit)
	}()

	policy := retry.Policy{
		Attempts:  r.cfg.Retries,
		Base:      r.cfg.BackoffBase,
		Retryable: worker.IsTransient,
		Sleep:     r.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			r.metrics.Retries.Inc()
			log.Infow("worker not running, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if unit != nil {
			// Same deterministic name: the old pod must be gone first.
			r.ctrl.Cleanup(ctx, unit)
			if err := r.ctrl.AwaitGone(ctx, unit, r.cfg.ReadyTimeout); err != nil {
				return &worker.SubmitError{Pod: unit.Name, Err: err}
			}
			unit = nil
		}
		u, err := r.ctrl.Submit(ctx, spec)
		if u != nil {
			unit = u
		}
		if err != nil {
			return err
		}
		return r.ctrl.AwaitReady(ctx, u, r.cfg.ReadyTimeout)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &worker.TimeoutError{Pod: spec.Name, Stage: "readiness"}
		}
		return nil, &attemptsError{attempts: attempts, err: err}
	}

	if err := r.ctrl.AwaitCompletion(ctx, unit, r.cfg.CompletionTimeout); err != nil {
		return nil, err
	}

	// Results are read under a fresh context so an expiring item deadline
	// does not lose a finished job.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	res, err := r.ctrl.FetchResult(fctx, unit)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(unit.Name); err != nil {
		if tail := r.ctrl.Logs(fctx, unit, logTailLines); tail != "" {
			log.Debugw("worker log tail", "pod", unit.String(), "log", strings.TrimSpace(tail))
		}
		return nil, err
	}
	return res.Meta, nil
}

// detailFor maps an item error to its report detail.
func detailFor(err error) string {
	var (
		ae *attemptsError
		se *worker.SubmitError
		nr *worker.NotReadyError
		ee *worker.ExecutionError
		ru *worker.ResultUnavailableError
		te *worker.TimeoutError
	)
	switch {
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timed out"
	case errors.As(err, &ae) && errors.As(err, &nr):
		return fmt.Sprintf("not ready after %d attempts: %v", ae.attempts, nr)
	case errors.As(err, &se):
		return fmt.Sprintf("submit failed: %v", se.Err)
	case errors.As(err, &ee):
		return ee.Error()
	case errors.As(err, &ru):
		return fmt.Sprintf("result unavailable: %v", ru.Err)
	default:
		return err.Error()
	}
}
