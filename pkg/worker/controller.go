// Package worker drives the transient pods that archive one volume each.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/archive"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

// State is the lifecycle position of a worker.
type State string

const (
	StateCreated   State = "Created"
	StateReady     State = "Ready"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateTimedOut  State = "TimedOut"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Unit is a submitted worker pod.
type Unit struct {
	Name      string
	Namespace string
	Node      string
	State     State
}

func (u *Unit) String() string { return u.Namespace + "/" + u.Name }

// Result is what the archive job reported on exit.
type Result struct {
	ExitCode int32
	Reason   string
	Meta     *types.ArchiveMeta
}

// Validate turns an unsuccessful result into an ExecutionError.
func (r *Result) Validate(pod string) error {
	if r.ExitCode != 0 {
		reason := r.Reason
		if r.Meta != nil && r.Meta.Error != "" {
			reason = r.Meta.Error
		}
		return &ExecutionError{Pod: pod, ExitCode: r.ExitCode, Reason: reason}
	}
	if r.Meta == nil || r.Meta.File == "" {
		return &ExecutionError{Pod: pod, Reason: "missing artifact"}
	}
	if !r.Meta.ChecksumOK {
		return &ExecutionError{Pod: pod, Reason: "checksum not verified"}
	}
	return nil
}

// Controller creates, observes and deletes worker pods.
type Controller struct {
	client kubernetes.Interface
	poll   time.Duration
	log    *zap.SugaredLogger
}

func NewController(client kubernetes.Interface, poll time.Duration, log *zap.SugaredLogger) *Controller {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Controller{client: client, poll: poll, log: log}
}

// Submit validates spec and creates its pod.
//
// A pod of the same name left by an earlier ambiguous create for the same
// volume and timestamp is adopted. When creation fails in a way that may
// still have persisted the pod, the Unit is returned along with the error so
// the caller can clean it up.
func (c *Controller) Submit(ctx context.Context, spec Spec) (*Unit, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SubmitError{Pod: spec.Name, Err: err}
	}
	u := &Unit{Name: spec.Name, Namespace: spec.Namespace, Node: spec.Node, State: StateCreated}
	pods := c.client.CoreV1().Pods(spec.Namespace)
	_, err := pods.Create(ctx, spec.Pod(), metav1.CreateOptions{})
	switch {
	case err == nil:
	case apierrors.IsAlreadyExists(err):
		existing, gerr := pods.Get(ctx, spec.Name, metav1.GetOptions{})
		if gerr != nil || !ownedBy(existing, spec) {
			return nil, &SubmitError{Pod: spec.Name, Err: err}
		}
		c.log.Infow("adopting existing worker", "pod", u.String(), "phase", existing.Status.Phase)
	case apierrors.IsInvalid(err), apierrors.IsForbidden(err), apierrors.IsBadRequest(err), apierrors.IsNotFound(err):
		return nil, &SubmitError{Pod: spec.Name, Err: err}
	default:
		return u, &SubmitError{Pod: spec.Name, Err: err}
	}
	c.log.Debugw("worker submitted", "namespace", spec.Namespace, "pod", spec.Name, "node", spec.Node, "hostPath", spec.HostPath)
	return u, nil
}

// ownedBy reports whether pod is the worker spec describes.
func ownedBy(pod *corev1.Pod, spec Spec) bool {
	return pod.Labels[types.ManagedByLabel] == types.ManagedByValue &&
		pod.Annotations[AnnotationNamespace] == spec.Namespace &&
		pod.Annotations[AnnotationPVC] == spec.PVCName &&
		pod.Annotations[AnnotationTimestamp] == spec.Timestamp
}

// AwaitReady blocks until the pod is Ready or has already terminated.
func (c *Controller) AwaitReady(ctx context.Context, u *Unit, timeout time.Duration) error {
	var reason string
	err := c.waitFor(ctx, u, timeout, func(pod *corev1.Pod) bool {
		if s := terminalState(pod); s != "" {
			u.State = s
			return true
		}
		if podReady(pod) {
			u.State = StateReady
			return true
		}
		reason = waitingReason(pod)
		return false
	})
	if err != nil {
		return &NotReadyError{Pod: u.Name, Timeout: timeout, Reason: reason, Err: err}
	}
	c.log.Debugw("worker ready", "pod", u.String(), "state", u.State)
	return nil
}

// AwaitCompletion blocks until the pod terminates. A zero timeout waits until
// ctx ends.
func (c *Controller) AwaitCompletion(ctx context.Context, u *Unit, timeout time.Duration) error {
	if !u.State.Terminal() {
		u.State = StateRunning
	}
	err := c.waitFor(ctx, u, timeout, func(pod *corev1.Pod) bool {
		if s := terminalState(pod); s != "" {
			u.State = s
			return true
		}
		return false
	})
	if err != nil {
		u.State = StateTimedOut
		if errTimedOut(err) {
			return &TimeoutError{Pod: u.Name, Stage: "completion"}
		}
		return fmt.Errorf("awaiting %s: %w", u, err)
	}
	c.log.Debugw("worker terminated", "pod", u.String(), "state", u.State)
	return nil
}

// FetchResult reads the exit code and the record the archive job left in the
// container's termination message.
func (c *Controller) FetchResult(ctx context.Context, u *Unit) (*Result, error) {
	pod, err := c.client.CoreV1().Pods(u.Namespace).Get(ctx, u.Name, metav1.GetOptions{})
	if err != nil {
		return nil, &ResultUnavailableError{Pod: u.Name, Err: err}
	}
	term := containerTerminated(pod)
	if term == nil {
		return nil, &ResultUnavailableError{Pod: u.Name, Err: fmt.Errorf("container has not terminated (phase %s)", pod.Status.Phase)}
	}

	res := &Result{ExitCode: term.ExitCode, Reason: term.Reason}
	meta, err := archive.ParseTerminationMessage(term.Message)
	if err != nil {
		if term.ExitCode != 0 {
			// The job died before it could report; the exit code says enough.
			return res, nil
		}
		return nil, &ResultUnavailableError{Pod: u.Name, Err: err}
	}
	res.Meta = meta
	return res, nil
}

// Logs returns the tail of the worker's log for diagnostics.
func (c *Controller) Logs(ctx context.Context, u *Unit, lines int64) string {
	raw, err := c.client.CoreV1().Pods(u.Namespace).GetLogs(u.Name, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: ptr.To(lines),
	}).DoRaw(ctx)
	if err != nil {
		c.log.Debugw("reading worker logs failed", "pod", u.String(), "error", err)
		return ""
	}
	return string(raw)
}

// Cleanup deletes the worker pod. It is safe to call repeatedly and never
// fails; problems are logged.
func (c *Controller) Cleanup(ctx context.Context, u *Unit) {
	if u == nil {
		return
	}
	err := c.client.CoreV1().Pods(u.Namespace).Delete(ctx, u.Name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(0)),
		PropagationPolicy:  ptr.To(metav1.DeletePropagationBackground),
	})
	switch {
	case err == nil:
		c.log.Debugw("worker deleted", "pod", u.String())
	case apierrors.IsNotFound(err):
	default:
		c.log.Warnw("deleting worker failed", "pod", u.String(), "error", err)
	}
}

// AwaitGone blocks until the pod no longer exists, so its name can be reused.
func (c *Controller) AwaitGone(ctx context.Context, u *Unit, timeout time.Duration) error {
	deadline := deadlineChan(timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		_, err := c.client.CoreV1().Pods(u.Namespace).Get(ctx, u.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s to be deleted", u)
		case <-ticker.C:
		}
	}
}

var errDeadline = errors.New("deadline reached")

func errTimedOut(err error) bool {
	return errors.Is(err, errDeadline) || errors.Is(err, context.DeadlineExceeded)
}

// waitFor polls the pod until done returns true, the timeout elapses or ctx
// ends. A pod that disappears is an error.
func (c *Controller) waitFor(ctx context.Context, u *Unit, timeout time.Duration, done func(*corev1.Pod) bool) error {
	deadline := deadlineChan(timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		pod, err := c.client.CoreV1().Pods(u.Namespace).Get(ctx, u.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return err
			}
			c.log.Debugw("polling worker failed", "pod", u.String(), "error", err)
		} else if done(pod) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errDeadline
		case <-ticker.C:
		}
	}
}

func deadlineChan(timeout time.Duration) <-chan time.Time {
	if timeout <= 0 {
		return nil
	}
	return time.After(timeout)
}

func podReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func terminalState(pod *corev1.Pod) State {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return StateSucceeded
	case corev1.PodFailed:
		return StateFailed
	}
	return ""
}

func containerTerminated(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == containerName && cs.State.Terminated != nil {
			return cs.State.Terminated
		}
	}
	return nil
}

func waitingReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			return cs.State.Waiting.Reason
		}
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodScheduled && c.Status == corev1.ConditionFalse && c.Reason != "" {
			return c.Reason
		}
	}
	return ""
}
