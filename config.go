package srt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/sandboxrt/srt/internal/pathutil"
	"github.com/sandboxrt/srt/proxy"
	"github.com/sandboxrt/srt/violation"
)

const (
	// defaultMaxOutputBytes is the default limit for captured stdout/stderr (10 MB).
	defaultMaxOutputBytes = 10 * 1024 * 1024

	// defaultShell is the default shell used for command execution.
	defaultShell = "/bin/sh"
)

// Container network modes. Any other non-empty value names a user-defined
// network.
const (
	NetworkModeBridge NetworkMode = "bridge"
	NetworkModeHost   NetworkMode = "host"
	NetworkModeNone   NetworkMode = "none"
)

// Image pull policies for the container backend.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// NetworkPolicy controls outbound connections made by the sandboxed process.
// Denied patterns always win over allowed ones, and anything not allowed is
// denied.
type NetworkPolicy struct {
	// AllowedDomains lists "domain.tld", "*.domain.tld", IP or CIDR patterns.
	AllowedDomains []string `json:"allowedDomains"`

	// DeniedDomains uses the same pattern forms and takes precedence.
	DeniedDomains []string `json:"deniedDomains"`

	// AllowUnixSockets lists absolute socket paths the process may connect to.
	AllowUnixSockets []string `json:"allowUnixSockets,omitempty"`

	// AllowAllUnixSockets lifts every Unix socket restriction.
	AllowAllUnixSockets bool `json:"allowAllUnixSockets,omitempty"`

	// AllowLocalBinding permits binding listeners on loopback addresses.
	AllowLocalBinding bool `json:"allowLocalBinding,omitempty"`
}

// FilesystemPolicy controls which paths the sandboxed process may read or
// write. Writes are denied by default. DenyWrite wins over AllowWrite.
type FilesystemPolicy struct {
	DenyRead   []string `json:"denyRead"`
	AllowWrite []string `json:"allowWrite"`
	DenyWrite  []string `json:"denyWrite"`
}

// ContainerPolicy selects the container backend. Image is required; every
// other zero field means the engine default.
type ContainerPolicy struct {
	Image       string            `json:"image"`
	Name        string            `json:"name,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	NetworkMode NetworkMode       `json:"networkMode,omitempty"`
	AutoRemove  *bool             `json:"autoRemove,omitempty"`
	User        string            `json:"user,omitempty"`
	CPULimit    float64           `json:"cpuLimit,omitempty"`
	MemoryLimit ByteSize          `json:"memoryLimit,omitempty"`
	PullPolicy  string            `json:"pullPolicy,omitempty"`
}

// ShouldAutoRemove reports whether the container is removed after the
// command finishes. It defaults to true.
func (c *ContainerPolicy) ShouldAutoRemove() bool {
	return c.AutoRemove == nil || *c.AutoRemove
}

// NetworkMode is a container network mode. It decodes from a plain string
// ("bridge", "host", "none", or a network name) or from {"custom": "name"}.
type NetworkMode string

// UnmarshalJSON accepts both the string and the object form.
func (m *NetworkMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = NetworkMode(s)
		return nil
	}
	var obj struct {
		Custom string `json:"custom"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("networkMode: expected string or {\"custom\": name}: %w", err)
	}
	*m = NetworkMode(obj.Custom)
	return nil
}

// ByteSize is a memory amount in bytes. It decodes from a JSON number or a
// human readable string such as "512m" or "2GiB".
type ByteSize int64

// UnmarshalJSON accepts a number of bytes or a size string.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("memoryLimit: expected bytes or size string: %w", err)
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("memoryLimit: %w", err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size the way the docker CLI does.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Config is the complete runtime configuration for one sandbox session.
// It is treated as immutable once handed to NewManager.
type Config struct {
	Network    NetworkPolicy    `json:"network"`
	Filesystem FilesystemPolicy `json:"filesystem"`

	// Container, when set, selects the container backend over the native one.
	Container *ContainerPolicy `json:"container,omitempty"`

	// IgnoreViolations maps a tool identifier (or "*") to glob patterns of
	// violation targets that are dropped instead of recorded.
	IgnoreViolations map[string][]string `json:"ignoreViolations,omitempty"`

	// EnableWeakerNestedSandbox lets the Linux backend run without a seccomp
	// filter when none can be produced, e.g. inside an unprivileged container.
	EnableWeakerNestedSandbox bool `json:"enableWeakerNestedSandbox,omitempty"`

	// SeccompDir overrides where pre-built seccomp filters are looked up.
	SeccompDir string `json:"seccompDir,omitempty"`

	// Shell runs string commands. Defaults to /bin/sh.
	Shell string `json:"shell,omitempty"`

	// MaxOutputBytes limits captured stdout/stderr per stream. 0 disables
	// the limit.
	MaxOutputBytes int `json:"maxOutputBytes,omitempty"`

	// Timeout bounds every Execute call. 0 means no timeout.
	Timeout time.Duration `json:"-"`

	// Logger receives operational messages. If nil, slog.Default() is used.
	Logger *slog.Logger `json:"-"`
}

// configAlias has Config's fields without its methods, so decoding it does
// not recurse into Config.UnmarshalJSON.
type configAlias Config

// UnmarshalJSON decodes a settings document, accepting "docker" as an alias
// for "container" and "allowWeakerNestedSandbox" for
// "enableWeakerNestedSandbox".
func (c *Config) UnmarshalJSON(data []byte) error {
	var aux struct {
		*configAlias
		Docker                   *ContainerPolicy `json:"docker,omitempty"`
		AllowWeakerNestedSandbox *bool            `json:"allowWeakerNestedSandbox,omitempty"`
	}
	aux.configAlias = (*configAlias)(c)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.Container == nil && aux.Docker != nil {
		c.Container = aux.Docker
	}
	if aux.AllowWeakerNestedSandbox != nil && *aux.AllowWeakerNestedSandbox {
		c.EnableWeakerNestedSandbox = true
	}
	return nil
}

// DefaultConfig returns a Config that denies all network access and all
// writes.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkPolicy{
			AllowedDomains: []string{},
			DeniedDomains:  []string{},
		},
		Filesystem: FilesystemPolicy{
			DenyRead:   []string{},
			AllowWrite: []string{},
			DenyWrite:  []string{},
		},
		MaxOutputBytes: defaultMaxOutputBytes,
	}
}

// Validate checks the configuration and returns a *ConfigError listing every
// problem found, or nil.
func (c *Config) Validate() error {
	var errs []string

	errs = c.validateNetwork(errs)
	errs = c.validateFilesystem(errs)
	errs = c.validateContainer(errs)

	for _, tool := range slices.Sorted(maps.Keys(c.IgnoreViolations)) {
		patterns := c.IgnoreViolations[tool]
		if tool == "" {
			errs = append(errs, "ignoreViolations: tool key must not be empty")
		}
		for i, p := range patterns {
			if err := violation.ValidatePattern(p); err != nil {
				errs = append(errs, fmt.Sprintf("ignoreViolations[%q][%d]: %v", tool, i, err))
			}
		}
	}

	if c.Shell != "" && !filepath.IsAbs(c.Shell) {
		errs = append(errs, fmt.Sprintf("shell: %q must be an absolute path", c.Shell))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, "maxOutputBytes: must be >= 0")
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout: must be >= 0")
	}

	if len(errs) > 0 {
		return &ConfigError{Problems: errs}
	}
	return nil
}

func (c *Config) validateNetwork(errs []string) []string {
	for i, d := range c.Network.AllowedDomains {
		if err := proxy.ValidatePattern(d); err != nil {
			errs = append(errs, fmt.Sprintf("network.allowedDomains[%d]: %v", i, err))
		}
	}
	for i, d := range c.Network.DeniedDomains {
		if err := proxy.ValidatePattern(d); err != nil {
			errs = append(errs, fmt.Sprintf("network.deniedDomains[%d]: %v", i, err))
		}
	}
	for i, p := range c.Network.AllowUnixSockets {
		switch {
		case p == "":
			errs = append(errs, fmt.Sprintf("network.allowUnixSockets[%d]: must not be empty", i))
		case pathutil.ContainsNullByte(p):
			errs = append(errs, fmt.Sprintf("network.allowUnixSockets[%d]: must not contain null bytes", i))
		case !filepath.IsAbs(pathutil.ExpandHome(p)):
			errs = append(errs, fmt.Sprintf("network.allowUnixSockets[%d]: %q must be an absolute path", i, p))
		}
	}
	return errs
}

func (c *Config) validateFilesystem(errs []string) []string {
	check := func(field string, paths []string) {
		for i, p := range paths {
			if p == "" {
				errs = append(errs, fmt.Sprintf("filesystem.%s[%d]: must not be empty", field, i))
				continue
			}
			if pathutil.ContainsNullByte(p) {
				errs = append(errs, fmt.Sprintf("filesystem.%s[%d]: must not contain null bytes", field, i))
			}
		}
	}
	check("denyRead", c.Filesystem.DenyRead)
	check("allowWrite", c.Filesystem.AllowWrite)
	check("denyWrite", c.Filesystem.DenyWrite)
	return errs
}

func (c *Config) validateContainer(errs []string) []string {
	ct := c.Container
	if ct == nil {
		return errs
	}
	if strings.TrimSpace(ct.Image) == "" {
		errs = append(errs, "container.image: must not be empty")
	}
	for i, v := range ct.Volumes {
		if _, err := ParseVolume(v); err != nil {
			errs = append(errs, fmt.Sprintf("container.volumes[%d]: %v", i, err))
		}
	}
	if ct.CPULimit < 0 {
		errs = append(errs, "container.cpuLimit: must be >= 0")
	}
	if ct.MemoryLimit < 0 {
		errs = append(errs, "container.memoryLimit: must be >= 0")
	}
	switch ct.PullPolicy {
	case "", PullMissing, PullAlways, PullNever:
	default:
		errs = append(errs, fmt.Sprintf("container.pullPolicy: unknown policy %q", ct.PullPolicy))
	}
	for k := range ct.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Sprintf("container.env: invalid variable name %q", k))
		}
	}
	return errs
}

// Warnings reports configuration choices that are legal but probably not
// what the user intended.
func (c *Config) Warnings() []string {
	var w []string
	if len(c.Network.AllowedDomains) == 0 && len(c.Network.DeniedDomains) == 0 {
		w = append(w, "no network rules configured: all outbound traffic will be denied")
	}
	if c.Container == nil && len(c.Filesystem.AllowWrite) == 0 {
		w = append(w, "no writable paths configured: all writes outside /tmp will fail")
	}
	if c.Container != nil {
		fs := c.Filesystem
		if len(fs.DenyRead)+len(fs.AllowWrite)+len(fs.DenyWrite) > 0 {
			w = append(w, "filesystem rules are not applied by the container backend; use container.volumes")
		}
		if c.Container.NetworkMode == NetworkModeHost {
			w = append(w, "container networkMode host shares the host network stack")
		}
	}
	return w
}

// Volume is a parsed "host:container[:ro|rw]" mount specification.
type Volume struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseVolume parses a volume specification, expanding a leading "~" in the
// host path and resolving it to an absolute path.
func ParseVolume(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Volume{}, fmt.Errorf("volume %q: want host:container[:ro|rw]", spec)
	}
	v := Volume{Source: pathutil.ExpandHome(parts[0]), Target: parts[1]}
	if v.Source == "" || v.Target == "" {
		return Volume{}, fmt.Errorf("volume %q: empty path", spec)
	}
	if !filepath.IsAbs(v.Target) {
		return Volume{}, fmt.Errorf("volume %q: container path must be absolute", spec)
	}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			v.ReadOnly = true
		case "rw":
		default:
			return Volume{}, fmt.Errorf("volume %q: unknown mode %q", spec, parts[2])
		}
	}
	abs, err := filepath.Abs(v.Source)
	if err != nil {
		return Volume{}, fmt.Errorf("volume %q: %w", spec, err)
	}
	v.Source = abs
	return v, nil
}

// deepCopyConfig returns a copy of cfg with every slice and map copied.
// Logger is shared by reference.
func deepCopyConfig(cfg *Config) Config {
	cp := *cfg
	cp.Network.AllowedDomains = append([]string{}, cfg.Network.AllowedDomains...)
	cp.Network.DeniedDomains = append([]string{}, cfg.Network.DeniedDomains...)
	cp.Network.AllowUnixSockets = append([]string{}, cfg.Network.AllowUnixSockets...)
	cp.Filesystem.DenyRead = append([]string{}, cfg.Filesystem.DenyRead...)
	cp.Filesystem.AllowWrite = append([]string{}, cfg.Filesystem.AllowWrite...)
	cp.Filesystem.DenyWrite = append([]string{}, cfg.Filesystem.DenyWrite...)
	if cfg.IgnoreViolations != nil {
		cp.IgnoreViolations = make(map[string][]string, len(cfg.IgnoreViolations))
		for k, v := range cfg.IgnoreViolations {
			cp.IgnoreViolations[k] = append([]string{}, v...)
		}
	}
	if cfg.Container != nil {
		ct := *cfg.Container
		ct.Env = maps.Clone(cfg.Container.Env)
		ct.Volumes = append([]string{}, cfg.Container.Volumes...)
		if cfg.Container.AutoRemove != nil {
			ar := *cfg.Container.AutoRemove
			ct.AutoRemove = &ar
		}
		cp.Container = &ct
	}
	return cp
}

// errNilConfig is returned by NewManager and Run for a nil *Config.
var errNilConfig = fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)

