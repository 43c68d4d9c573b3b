package worker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/archive"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/offsite"
	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"
)

// Fixed paths inside the worker container.
const (
	SourceMountPath  = "/source"
	BackupMountPath  = "/backup"
	OffsiteMountPath = "/etc/pvc-node-backup/offsite"
)

// TimestampFormat is the run timestamp embedded in names and paths.
const TimestampFormat = "20060102-150405"

// Annotations on worker pods.
const (
	AnnotationNamespace = "pvc-node-backup/namespace"
	AnnotationPVC       = "pvc-node-backup/pvc"
	AnnotationTimestamp = "pvc-node-backup/timestamp"
	AnnotationPrefix    = "pvc-node-backup/prefix"
)

const containerName = "archive"

// Name returns the deterministic worker pod name for one volume and run.
func Name(namespace, pvc, ts string) string {
	h := sha1.Sum([]byte(namespace + ":" + pvc + ":" + ts))
	return "pvc-backup-" + hex.EncodeToString(h[:8])
}

// ArchivePrefix is the artifact name prefix, unique per volume and run.
func ArchivePrefix(namespace, pvc, ts string) string {
	return fmt.Sprintf("%s-%s-%s", namespace, pvc, ts)
}

// DestinationPath is the host directory that receives one artifact.
func DestinationPath(base, node, namespace, pvc, ts string) string {
	return path.Join(base, node, namespace, pvc, ts)
}

// Spec describes one worker pod. It is validated before submission.
type Spec struct {
	Name      string
	Namespace string
	PVCName   string
	Node      string
	Timestamp string

	Image          string
	ServiceAccount string

	// HostPath is created on Node and mounted at BackupMountPath.
	HostPath string
	Prefix   string

	CompressionLevel int
	SplitSize        int64
	ExcludePaths     []string

	// OffsiteSecret, when set, names a Secret holding offsite credentials.
	OffsiteSecret string

	// ActiveDeadline bounds the pod's runtime on the node. Zero disables it.
	ActiveDeadline time.Duration
	Verbose        bool
}

// NewSpec fills the derived fields for a volume.
func NewSpec(v types.VolumeInfo, node, base, ts string) Spec {
	return Spec{
		Name:      Name(v.Namespace, v.PVCName, ts),
		Namespace: v.Namespace,
		PVCName:   v.PVCName,
		Node:      node,
		Timestamp: ts,
		HostPath:  DestinationPath(base, node, v.Namespace, v.PVCName, ts),
		Prefix:    ArchivePrefix(v.Namespace, v.PVCName, ts),
	}
}

// Validate rejects specs the API server or the archive job would refuse.
func (s Spec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("worker spec: name is required")
	case s.Namespace == "":
		return fmt.Errorf("worker spec: namespace is required")
	case s.PVCName == "":
		return fmt.Errorf("worker spec: pvc is required")
	case s.Node == "":
		return fmt.Errorf("worker spec: node is required")
	case s.Image == "":
		return fmt.Errorf("worker spec: image is required")
	case s.Prefix == "":
		return fmt.Errorf("worker spec: archive prefix is required")
	case !path.IsAbs(s.HostPath):
		return fmt.Errorf("worker spec: host path %q must be absolute", s.HostPath)
	case s.CompressionLevel < 1 || s.CompressionLevel > 9:
		return fmt.Errorf("worker spec: compression level %d out of range", s.CompressionLevel)
	case s.SplitSize < 0:
		return fmt.Errorf("worker spec: negative split size")
	}
	if errs := validation.IsDNS1123Subdomain(s.Name); len(errs) > 0 {
		return fmt.Errorf("worker spec: invalid name %q: %v", s.Name, errs)
	}
	return nil
}

// Args is the archive command line run by the container.
func (s Spec) Args() []string {
	args := []string{
		"archive",
		"--source", SourceMountPath,
		"--dest", BackupMountPath,
		"--prefix", s.Prefix,
		"--compression-level", strconv.Itoa(s.CompressionLevel),
	}
	if s.SplitSize > 0 {
		args = append(args, "--split-size", strconv.FormatInt(s.SplitSize, 10))
	}
	for _, p := range s.ExcludePaths {
		args = append(args, "--exclude-path", p)
	}
	if s.OffsiteSecret != "" {
		args = append(args,
			"--offsite-credentials", path.Join(OffsiteMountPath, offsite.CredentialsKey),
			"--offsite-key", s.Namespace+"/"+s.PVCName)
	}
	if s.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// Pod renders the worker pod.
func (s Spec) Pod() *corev1.Pod {
	mounts := []corev1.VolumeMount{
		{Name: "source", MountPath: SourceMountPath, ReadOnly: true},
		{Name: "backup", MountPath: BackupMountPath},
	}
	volumes := []corev1.Volume{
		{
			Name: "source",
			VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: s.PVCName,
				ReadOnly:  true,
			}},
		},
		{
			Name: "backup",
			VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{
				Path: s.HostPath,
				Type: ptr.To(corev1.HostPathDirectoryOrCreate),
			}},
		},
	}
	if s.OffsiteSecret != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: "offsite", MountPath: OffsiteMountPath, ReadOnly: true})
		volumes = append(volumes, corev1.Volume{
			Name: "offsite",
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
				SecretName: s.OffsiteSecret,
				Optional:   ptr.To(true),
			}},
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.Name,
			Namespace: s.Namespace,
			Labels: map[string]string{
				types.ManagedByLabel:     types.ManagedByValue,
				"app.kubernetes.io/name": "pvc-node-backup-worker",
			},
			Annotations: map[string]string{
				AnnotationNamespace: s.Namespace,
				AnnotationPVC:       s.PVCName,
				AnnotationTimestamp: s.Timestamp,
				AnnotationPrefix:    s.Prefix,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: s.ServiceAccount,
			Affinity: &corev1.Affinity{
				NodeAffinity: &corev1.NodeAffinity{
					RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
						NodeSelectorTerms: []corev1.NodeSelectorTerm{{
							MatchFields: []corev1.NodeSelectorRequirement{{
								Key:      "metadata.name",
								Operator: corev1.NodeSelectorOpIn,
								Values:   []string{s.Node},
							}},
						}},
					},
				},
			},
			Tolerations: []corev1.Toleration{{Operator: corev1.TolerationOpExists}},
			Containers: []corev1.Container{{
				Name:                     containerName,
				Image:                    s.Image,
				ImagePullPolicy:          corev1.PullIfNotPresent,
				Args:                     s.Args(),
				VolumeMounts:             mounts,
				TerminationMessagePath:   archive.TerminationMessagePath,
				TerminationMessagePolicy: corev1.TerminationMessageReadFile,
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr.To(false),
				},
			}},
			Volumes:                       volumes,
			TerminationGracePeriodSeconds: ptr.To(int64(10)),
		},
	}
	if s.ActiveDeadline > 0 {
		pod.Spec.ActiveDeadlineSeconds = ptr.To(max(1, int64(s.ActiveDeadline.Seconds())))
	}
	return pod
}
