package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/discovery"

	"github.com/bmatcuk/doublestar/v4"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the tool reads.
const EnvPrefix = "PVC_BACKUP_"

const (
	DefaultWorkerImage = "ghcr.io/bitia-ru/k8s-pvc-node-backup:latest"
	DefaultDestination = "/var/backups/pvc"
)

// Config is built once at startup and passed by value to every component.
type Config struct {
	Namespaces      []string `yaml:"namespaces"`
	NamespacePrefix string   `yaml:"namespacePrefix"`
	PVCInclude      []string `yaml:"pvcInclude"`
	PVCExclude      []string `yaml:"pvcExclude"`
	Selector        string   `yaml:"selector"`

	FallbackNode    string `yaml:"fallbackNode"`
	DestinationBase string `yaml:"destinationBase"`
	Colocate        bool   `yaml:"colocate"`
	StrictRWO       bool   `yaml:"strictRWO"`

	CompressionLevel int      `yaml:"compressionLevel"`
	SplitSize        int64    `yaml:"splitSize"`
	ExcludePaths     []string `yaml:"excludePaths"`

	ReadyTimeout      time.Duration `yaml:"readyTimeout"`
	CompletionTimeout time.Duration `yaml:"completionTimeout"`
	ItemTimeout       time.Duration `yaml:"itemTimeout"`
	RunTimeout        time.Duration `yaml:"runTimeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`

	RetainWorker bool          `yaml:"retainWorker"`
	DryRun       bool          `yaml:"dryRun"`
	Parallelism  int           `yaml:"parallelism"`
	Retries      int           `yaml:"retries"`
	BackoffBase  time.Duration `yaml:"backoffBase"`

	WorkerImage          string `yaml:"workerImage"`
	WorkerServiceAccount string `yaml:"workerServiceAccount"`
	OffsiteSecret        string `yaml:"offsiteSecret"`

	ReportPath     string `yaml:"reportPath"`
	PushgatewayURL string `yaml:"pushgatewayURL"`
	Kubeconfig     string `yaml:"kubeconfig"`
	Verbose        bool   `yaml:"verbose"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DestinationBase:  DefaultDestination,
		CompressionLevel: 6,
		ExcludePaths:     []string{"lost+found"},
		ReadyTimeout:     2 * time.Minute,
		PollInterval:     2 * time.Second,
		Parallelism:      1,
		Retries:          3,
		BackoffBase:      5 * time.Second,
		WorkerImage:      DefaultWorkerImage,
	}
}

// BindFlags registers every option on fs, writing parsed values into c.
// The returned path pointer receives --config.
func BindFlags(fs *flag.FlagSet, c *Config) *string {
	d := Default()
	*c = d

	path := fs.String("config", "", "YAML config file (flags and "+EnvPrefix+"* env override it)")

	fs.StringSliceVarP(&c.Namespaces, "namespaces", "n", nil, "Explicit namespaces to back up")
	fs.StringVar(&c.NamespacePrefix, "namespace-prefix", "", "Back up every namespace with this name prefix")
	fs.StringSliceVar(&c.PVCInclude, "pvc-include", nil, "Glob patterns of PVC names to include (default: all)")
	fs.StringSliceVar(&c.PVCExclude, "pvc-exclude", nil, "Glob patterns of PVC names to exclude")
	fs.StringVar(&c.Selector, "selector", "", "CEL expression over the PVC object (as `object`) that must be true")

	fs.StringVar(&c.FallbackNode, "fallback-node", "", "Node used when no mount or node affinity dictates placement")
	fs.StringVarP(&c.DestinationBase, "dest", "d", d.DestinationBase, "Host directory on the node that receives archives")
	fs.BoolVar(&c.Colocate, "colocate", false, "Run the worker on the node already mounting an RWO volume")
	fs.BoolVar(&c.StrictRWO, "strict-rwo", false, "Skip RWO volumes mounted by another pod instead of using the fallback node")

	fs.IntVar(&c.CompressionLevel, "compression-level", d.CompressionLevel, "gzip level 1-9")
	fs.Int64Var(&c.SplitSize, "split-size", 0, "Split archives into parts of this many bytes (0 disables)")
	fs.StringSliceVar(&c.ExcludePaths, "exclude-path", d.ExcludePaths, "Relative paths (globs) left out of the archive")

	fs.DurationVar(&c.ReadyTimeout, "ready-timeout", d.ReadyTimeout, "Time to wait for a worker pod to start")
	fs.DurationVar(&c.CompletionTimeout, "completion-timeout", 0, "Hard ceiling on worker execution (0 waits forever)")
	fs.DurationVar(&c.ItemTimeout, "item-timeout", 0, "Deadline for one volume end to end (0 disables)")
	fs.DurationVar(&c.RunTimeout, "run-timeout", 0, "Deadline for the whole run (0 disables)")
	fs.DurationVar(&c.PollInterval, "poll-interval", d.PollInterval, "Worker status poll interval")

	fs.BoolVar(&c.RetainWorker, "retain-worker", false, "Keep finished worker pods for inspection")
	fs.BoolVar(&c.DryRun, "dry-run", false, "Show what would be done without doing it")
	fs.IntVarP(&c.Parallelism, "parallelism", "p", d.Parallelism, "Volumes processed concurrently")
	fs.IntVar(&c.Retries, "retries", d.Retries, "Attempts to get a worker pod running")
	fs.DurationVar(&c.BackoffBase, "backoff-base", d.BackoffBase, "First retry delay, doubled per attempt")

	fs.StringVar(&c.WorkerImage, "worker-image", d.WorkerImage, "Image of the archive worker")
	fs.StringVar(&c.WorkerServiceAccount, "worker-service-account", "", "Service account of the worker pod")
	fs.StringVar(&c.OffsiteSecret, "offsite-secret", "", "Secret (in each target namespace) with S3/R2 credentials for an offsite copy")

	fs.StringVarP(&c.ReportPath, "report", "o", "", "CSV report path (default pvc-backup-<timestamp>.csv)")
	fs.StringVar(&c.PushgatewayURL, "pushgateway", "", "Prometheus Pushgateway URL for run metrics")
	fs.StringVar(&c.Kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "Verbose output")

	return path
}

// Load merges defaults, the YAML file, environment and explicitly set flags,
// in that order, and validates the result. flagged holds the values bound by
// BindFlags.
func Load(fs *flag.FlagSet, flagged Config, path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	for _, o := range options {
		v := getenv(EnvName(o.name))
		if v == "" {
			continue
		}
		if err := o.fromEnv(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("env %s: %w", EnvName(o.name), err)
		}
	}

	for _, o := range options {
		if fs.Changed(o.name) {
			o.fromFlag(&cfg, &flagged)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvName maps a flag name to its environment variable.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Validate rejects configurations no run could succeed with.
func (c Config) Validate() error {
	if len(c.Namespaces) == 0 && c.NamespacePrefix == "" {
		return fmt.Errorf("config: either namespaces or namespace-prefix is required")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("config: compression-level must be 1-9, got %d", c.CompressionLevel)
	}
	if c.SplitSize < 0 {
		return fmt.Errorf("config: split-size must not be negative")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("config: parallelism must be at least 1")
	}
	if c.Retries < 1 {
		return fmt.Errorf("config: retries must be at least 1")
	}
	if !filepath.IsAbs(c.DestinationBase) {
		return fmt.Errorf("config: dest %q must be an absolute host path", c.DestinationBase)
	}
	for name, d := range map[string]time.Duration{
		"ready-timeout":      c.ReadyTimeout,
		"completion-timeout": c.CompletionTimeout,
		"item-timeout":       c.ItemTimeout,
		"run-timeout":        c.RunTimeout,
		"backoff-base":       c.BackoffBase,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.ReadyTimeout == 0 {
		return fmt.Errorf("config: ready-timeout must be set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll-interval must be positive")
	}
	if c.WorkerImage == "" {
		return fmt.Errorf("config: worker-image is required")
	}
	for _, group := range [][]string{c.PVCInclude, c.PVCExclude, c.ExcludePaths} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("config: invalid glob pattern %q", p)
			}
		}
	}
	if c.Selector != "" {
		if _, err := discovery.NewSelector(c.Selector); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

type option struct {
	name     string
	fromEnv  func(c *Config, v string) error
	fromFlag func(dst, src *Config)
}

func strOpt(name string, f func(*Config) *string) option {
	return option{
		name:     name,
		fromEnv:  func(c *Config, v string) error { *f(c) = v; return nil },
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

func listOpt(name string, f func(*Config) *[]string) option {
	return option{
		name: name,
		fromEnv: func(c *Config, v string) error {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*f(c) = out
			return nil
		},
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

func boolOpt(name string, f func(*Config) *bool) option {
	return option{
		name: name,
		fromEnv: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*f(c) = b
			return nil
		},
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

func intOpt(name string, f func(*Config) *int) option {
	return option{
		name: name,
		fromEnv: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*f(c) = n
			return nil
		},
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

func int64Opt(name string, f func(*Config) *int64) option {
	return option{
		name: name,
		fromEnv: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*f(c) = n
			return nil
		},
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

func durationOpt(name string, f func(*Config) *time.Duration) option {
	return option{
		name: name,
		fromEnv: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*f(c) = d
			return nil
		},
		fromFlag: func(dst, src *Config) { *f(dst) = *f(src) },
	}
}

var options = []option{
	listOpt("namespaces", func(c *Config) *[]string { return &c.Namespaces }),
	strOpt("namespace-prefix", func(c *Config) *string { return &c.NamespacePrefix }),
	listOpt("pvc-include", func(c *Config) *[]string { return &c.PVCInclude }),
	listOpt("pvc-exclude", func(c *Config) *[]string { return &c.PVCExclude }),
	strOpt("selector", func(c *Config) *string { return &c.Selector }),
	strOpt("fallback-node", func(c *Config) *string { return &c.FallbackNode }),
	strOpt("dest", func(c *Config) *string { return &c.DestinationBase }),
	boolOpt("colocate", func(c *Config) *bool { return &c.Colocate }),
	boolOpt("strict-rwo", func(c *Config) *bool { return &c.StrictRWO }),
	intOpt("compression-level", func(c *Config) *int { return &c.CompressionLevel }),
	int64Opt("split-size", func(c *Config) *int64 { return &c.SplitSize }),
	listOpt("exclude-path", func(c *Config) *[]string { return &c.ExcludePaths }),
	durationOpt("ready-timeout", func(c *Config) *time.Duration { return &c.ReadyTimeout }),
	durationOpt("completion-timeout", func(c *Config) *time.Duration { return &c.CompletionTimeout }),
	durationOpt("item-timeout", func(c *Config) *time.Duration { return &c.ItemTimeout }),
	durationOpt("run-timeout", func(c *Config) *time.Duration { return &c.RunTimeout }),
	durationOpt("poll-interval", func(c *Config) *time.Duration { return &c.PollInterval }),
	boolOpt("retain-worker", func(c *Config) *bool { return &c.RetainWorker }),
	boolOpt("dry-run", func(c *Config) *bool { return &c.DryRun }),
	intOpt("parallelism", func(c *Config) *int { return &c.Parallelism }),
	intOpt("retries", func(c *Config) *int { return &c.Retries }),
	durationOpt("backoff-base", func(c *Config) *time.Duration { return &c.BackoffBase }),
	strOpt("worker-image", func(c *Config) *string { return &c.WorkerImage }),
	strOpt("worker-service-account", func(c *Config) *string { return &c.WorkerServiceAccount }),
	strOpt("offsite-secret", func(c *Config) *string { return &c.OffsiteSecret }),
	strOpt("report", func(c *Config) *string { return &c.ReportPath }),
	strOpt("pushgateway", func(c *Config) *string { return &c.PushgatewayURL }),
	strOpt("kubeconfig", func(c *Config) *string { return &c.Kubeconfig }),
	boolOpt("verbose", func(c *Config) *bool { return &c.Verbose }),
}
