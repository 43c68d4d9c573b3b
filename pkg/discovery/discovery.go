package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const hostnameLabel = "kubernetes.io/hostname"

// Policy exclusion reasons.
const (
	ReasonExcludedPattern  = "excluded by pattern"
	ReasonExcludedSelector = "excluded by selector"
)

// Options selects which namespaces and claims end up in the worklist.
type Options struct {
	Namespaces      []string
	NamespacePrefix string
	Include         []string
	Exclude         []string
	Selector        string
}

// Error reports a scope that could not be listed.
type Error struct {
	Scope string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery of %s: %v", e.Scope, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Worklist is the discovery result. Problems holds scopes that were skipped.
type Worklist struct {
	Items    []types.WorkItem
	Problems []error
}

// Discoverer lists claims, their bound volumes and the pods mounting them.
type Discoverer struct {
	client   kubernetes.Interface
	opts     Options
	matcher  Matcher
	selector *Selector
	log      *zap.SugaredLogger
}

func New(client kubernetes.Interface, opts Options, log *zap.SugaredLogger) (*Discoverer, error) {
	d := &Discoverer{
		client:  client,
		opts:    opts,
		matcher: NewMatcher(opts.Include, opts.Exclude),
		log:     log,
	}
	if opts.Selector != "" {
		sel, err := NewSelector(opts.Selector)
		if err != nil {
			return nil, err
		}
		d.selector = sel
	}
	return d, nil
}

// Discover builds the worklist. It fails only when the namespace list itself
// is unavailable; a namespace whose claims cannot be listed is recorded in
// Problems and skipped.
func (d *Discoverer) Discover(ctx context.Context) (*Worklist, error) {
	namespaces, err := d.namespaces(ctx)
	if err != nil {
		return nil, &Error{Scope: "namespaces", Err: err}
	}
	d.log.Debugw("namespaces selected", "count", len(namespaces), "namespaces", namespaces)

	wl := &Worklist{}
	for _, ns := range namespaces {
		items, err := d.discoverNamespace(ctx, ns)
		if err != nil {
			derr := &Error{Scope: "namespace " + ns, Err: err}
			d.log.Warnw("skipping namespace", "namespace", ns, "error", err)
			wl.Problems = append(wl.Problems, derr)
			continue
		}
		wl.Items = append(wl.Items, items...)
	}
	return wl, nil
}

func (d *Discoverer) namespaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, ns := range d.opts.Namespaces {
		if ns != "" && !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}

	if d.opts.NamespacePrefix != "" {
		list, err := d.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		for _, ns := range list.Items {
			if strings.HasPrefix(ns.Name, d.opts.NamespacePrefix) && !seen[ns.Name] {
				seen[ns.Name] = true
				out = append(out, ns.Name)
			}
		}
	}

	sort.Strings(out)
	return out, nil
}

func (d *Discoverer) discoverNamespace(ctx context.Context, namespace string) ([]types.WorkItem, error) {
	pvcList, err := d.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing PVCs: %w", err)
	}
	d.log.Debugw("listed PVCs", "namespace", namespace, "count", len(pvcList.Items))
	if len(pvcList.Items) == 0 {
		return nil, nil
	}

	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	mounts := mountsByClaim(pods.Items)

	pvcs := pvcList.Items
	sort.Slice(pvcs, func(i, j int) bool { return pvcs[i].Name < pvcs[j].Name })

	var items []types.WorkItem
	for i := range pvcs {
		pvc := &pvcs[i]
		item := types.WorkItem{
			Volume: d.describe(ctx, pvc),
			Mounts: mounts[pvc.Name],
		}
		item.Excluded = d.exclusion(pvc)
		items = append(items, item)
	}
	return items, nil
}

func (d *Discoverer) exclusion(pvc *corev1.PersistentVolumeClaim) string {
	if !d.matcher.Match(pvc.Name) {
		return ReasonExcludedPattern
	}
	if d.selector == nil {
		return ""
	}
	ok, err := d.selector.Match(pvc)
	if err != nil {
		d.log.Warnw("selector evaluation failed", "namespace", pvc.Namespace, "pvc", pvc.Name, "error", err)
		return ReasonExcludedSelector + ": " + err.Error()
	}
	if !ok {
		return ReasonExcludedSelector
	}
	return ""
}

// describe snapshots the claim. The bound PV is consulted for the storage
// class fallback and node affinity; failures there only lose that detail.
func (d *Discoverer) describe(ctx context.Context, pvc *corev1.PersistentVolumeClaim) types.VolumeInfo {
	info := types.VolumeInfo{
		Namespace:  pvc.Namespace,
		PVCName:    pvc.Name,
		PVName:     pvc.Spec.VolumeName,
		Phase:      string(pvc.Status.Phase),
		VolumeMode: types.VolumeModeFilesystem,
	}
	for _, m := range pvc.Spec.AccessModes {
		info.AccessModes = append(info.AccessModes, types.AccessMode(m))
	}
	if pvc.Spec.VolumeMode != nil && *pvc.Spec.VolumeMode == corev1.PersistentVolumeBlock {
		info.VolumeMode = types.VolumeModeBlock
	}
	if pvc.Spec.StorageClassName != nil {
		info.StorageClass = *pvc.Spec.StorageClassName
	}
	if q, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
		info.Capacity = q.String()
	} else if q, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
		info.Capacity = q.String()
	}

	if pvc.Spec.VolumeName == "" {
		return info
	}
	pv, err := d.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		d.log.Debugw("could not get PV", "pvc", info.Key(), "pv", pvc.Spec.VolumeName, "error", err)
		return info
	}
	if info.StorageClass == "" {
		info.StorageClass = pv.Spec.StorageClassName
	}
	info.BoundNode = resolveBoundNode(pv)
	if info.BoundNode != "" {
		d.log.Debugw("PV pinned to node", "pvc", info.Key(), "pv", pv.Name, "node", info.BoundNode)
	}
	return info
}

// resolveBoundNode returns the single hostname a PV's required node affinity
// allows, as set by local and hostPath provisioners.
func resolveBoundNode(pv *corev1.PersistentVolume) string {
	if pv.Spec.NodeAffinity == nil || pv.Spec.NodeAffinity.Required == nil {
		return ""
	}
	terms := pv.Spec.NodeAffinity.Required.NodeSelectorTerms
	if len(terms) != 1 {
		return ""
	}
	for _, expr := range terms[0].MatchExpressions {
		if expr.Key == hostnameLabel && expr.Operator == corev1.NodeSelectorOpIn && len(expr.Values) == 1 {
			return expr.Values[0]
		}
	}
	return ""
}

// mountsByClaim indexes live pods by the claims they reference. Finished pods
// and this tool's own workers do not count as users of a volume.
func mountsByClaim(pods []corev1.Pod) map[string][]types.MountInfo {
	out := make(map[string][]types.MountInfo)
	for i := range pods {
		pod := &pods[i]
		if pod.Labels[types.ManagedByLabel] == types.ManagedByValue {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		for _, vol := range pod.Spec.Volumes {
			if vol.PersistentVolumeClaim == nil {
				continue
			}
			claim := vol.PersistentVolumeClaim.ClaimName
			out[claim] = append(out[claim], types.MountInfo{
				PodName:  pod.Name,
				NodeName: pod.Spec.NodeName,
			})
		}
	}
	return out
}
