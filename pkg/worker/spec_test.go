package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
)

func testSpec() Spec {
	s := NewSpec(types.VolumeInfo{Namespace: "team-a", PVCName: "data"}, "worker-03", "/var/backups/pvc", "20260101-120000")
	s.Image = "example/pvc-node-backup:test"
	s.CompressionLevel = 6
	s.ExcludePaths = []string{"lost+found"}
	return s
}

func TestName_Deterministic(t *testing.T) {
	a := Name("team-a", "data", "20260101-120000")
	b := Name("team-a", "data", "20260101-120000")
	if a != b {
		t.Errorf("Name() not deterministic: %q != %q", a, b)
	}
	if a == Name("team-a", "data", "20260101-120001") {
		t.Error("Name() should differ per run timestamp")
	}
	if a == Name("team-a", "cache", "20260101-120000") {
		t.Error("Name() should differ per volume")
	}
	if !strings.HasPrefix(a, "pvc-backup-") || len(a) != len("pvc-backup-")+16 {
		t.Errorf("Name() = %q", a)
	}
}

func TestNewSpec_Paths(t *testing.T) {
	s := testSpec()
	if s.HostPath != "/var/backups/pvc/worker-03/team-a/data/20260101-120000" {
		t.Errorf("HostPath = %q", s.HostPath)
	}
	if s.Prefix != "team-a-data-20260101-120000" {
		t.Errorf("Prefix = %q", s.Prefix)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Spec)
	}{
		{"no node", func(s *Spec) { s.Node = "" }},
		{"no image", func(s *Spec) { s.Image = "" }},
		{"relative host path", func(s *Spec) { s.HostPath = "backups/x" }},
		{"bad level", func(s *Spec) { s.CompressionLevel = 0 }},
		{"negative split", func(s *Spec) { s.SplitSize = -1 }},
		{"invalid name", func(s *Spec) { s.Name = "Not_Valid" }},
		{"no prefix", func(s *Spec) { s.Prefix = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := testSpec()
			tc.modify(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSpec_Pod(t *testing.T) {
	s := testSpec()
	s.OffsiteSecret = "r2-creds"
	s.ActiveDeadline = 30 * time.Minute
	s.ServiceAccount = "backup"
	pod := s.Pod()

	if pod.Namespace != "team-a" || pod.Name != s.Name {
		t.Errorf("pod = %s/%s", pod.Namespace, pod.Name)
	}
	if pod.Labels[types.ManagedByLabel] != types.ManagedByValue {
		t.Errorf("labels = %v", pod.Labels)
	}
	if pod.Annotations[AnnotationPrefix] != s.Prefix {
		t.Errorf("annotations = %v", pod.Annotations)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("RestartPolicy = %q", pod.Spec.RestartPolicy)
	}
	if *pod.Spec.ActiveDeadlineSeconds != 1800 {
		t.Errorf("ActiveDeadlineSeconds = %d", *pod.Spec.ActiveDeadlineSeconds)
	}

	term := pod.Spec.Affinity.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms
	if len(term) != 1 || term[0].MatchFields[0].Key != "metadata.name" || term[0].MatchFields[0].Values[0] != "worker-03" {
		t.Errorf("node affinity = %+v", term)
	}

	vols := map[string]corev1.Volume{}
	for _, v := range pod.Spec.Volumes {
		vols[v.Name] = v
	}
	src := vols["source"].PersistentVolumeClaim
	if src == nil || src.ClaimName != "data" || !src.ReadOnly {
		t.Errorf("source volume = %+v", vols["source"])
	}
	hp := vols["backup"].HostPath
	if hp == nil || hp.Path != s.HostPath || *hp.Type != corev1.HostPathDirectoryOrCreate {
		t.Errorf("backup volume = %+v", vols["backup"])
	}
	sec := vols["offsite"].Secret
	if sec == nil || sec.SecretName != "r2-creds" || !*sec.Optional {
		t.Errorf("offsite volume = %+v", vols["offsite"])
	}

	c := pod.Spec.Containers[0]
	for _, m := range c.VolumeMounts {
		if m.Name == "source" && !m.ReadOnly {
			t.Error("source must be mounted read-only")
		}
	}
	args := strings.Join(c.Args, " ")
	for _, want := range []string{
		"archive",
		"--source /source",
		"--dest /backup",
		"--prefix team-a-data-20260101-120000",
		"--compression-level 6",
		"--exclude-path lost+found",
		"--offsite-key team-a/data",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "--split-size") {
		t.Error("split-size should be omitted when disabled")
	}
}

func TestSpec_PodWithoutOffsite(t *testing.T) {
	pod := testSpec().Pod()
	if len(pod.Spec.Volumes) != 2 {
		t.Errorf("volumes = %d, want 2", len(pod.Spec.Volumes))
	}
	if pod.Spec.ActiveDeadlineSeconds != nil {
		t.Error("ActiveDeadlineSeconds should be unset")
	}
}
