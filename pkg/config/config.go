package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/a8m/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/shepherd/pkg/errkind"
)

// SupportedVersion is the only accepted configuration document version.
const SupportedVersion = "1.0"

const (
	// DefaultHTTPTimeoutSecs bounds every outbound HTTP call.
	DefaultHTTPTimeoutSecs = 30
	// DefaultCommandTimeoutSecs bounds the recipe subprocess.
	DefaultCommandTimeoutSecs = 120
)

// WorkdirTemp is the sentinel selecting a scratch directory as the recipe
// working directory. The original agent used the short form; both spellings
// are accepted.
const (
	WorkdirTemp     = "temp"
	WorkdirTempLong = "temporary"
)

// Config is the root configuration document.
type Config struct {
	Version string     `yaml:"version"`
	Rest    RestConfig `yaml:"rest"`
	Main    MainConfig `yaml:"main"`
}

// RestConfig locates the OpenAPI document served by the HTTP surface.
type RestConfig struct {
	Version  string `yaml:"version"`
	Location string `yaml:"location"`
}

// MainConfig holds the controller configuration.
type MainConfig struct {
	LogLevel                string               `yaml:"log_level"`
	Host                    string               `yaml:"host"`
	Port                    int                  `yaml:"port"`
	SyncedViaTags           bool                 `yaml:"synced_via_tags"`
	WatchedGitRepositories  []RepoConfig         `yaml:"watched_git_repositories"`
	DockerPrivateRegistries []RegistryConfig     `yaml:"docker_private_registries"`
	DockerStackRecipe       RecipeConfig         `yaml:"docker_stack_recipe"`
	Portainer               []PortainerConfig    `yaml:"portainer"`
	PollingInterval         int                  `yaml:"polling_interval"`
	Notifications           []NotificationConfig `yaml:"notifications"`
	HTTPTimeout             int                  `yaml:"http_timeout"`
	CommandTimeout          int                  `yaml:"command_timeout"`
	BasePath                string               `yaml:"base_path"`
}

// RepoConfig describes one watched git repository.
type RepoConfig struct {
	ID       string   `yaml:"id"`
	URL      string   `yaml:"url"`
	Branch   string   `yaml:"branch"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Tags     string   `yaml:"tags"`
	Paths    []string `yaml:"paths"`
}

// RegistryConfig describes one container image registry.
type RegistryConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FileGroup stages files from one watched repository into the recipe workdir.
type FileGroup struct {
	ID    string   `yaml:"id"`
	Paths []string `yaml:"paths"`
}

// RecipeConfig is the user-authored procedure turning working copies into a
// stack descriptor.
type RecipeConfig struct {
	Files                []FileGroup    `yaml:"files"`
	Workdir              string         `yaml:"workdir"`
	Command              string         `yaml:"command"`
	StackFile            string         `yaml:"stack_file"`
	ExcludedServices     []string       `yaml:"excluded_services"`
	ExcludedVolumes      []string       `yaml:"excluded_volumes"`
	AdditionalParameters map[string]any `yaml:"additional_parameters"`
	ServicesPrefix       string         `yaml:"services_prefix"`
}

// Workdir is the parsed form of RecipeConfig.Workdir: either a scratch
// directory or the working copy of a named repository.
type Workdir struct {
	Temp   bool
	RepoID string
}

// WorkdirSpec parses the workdir field. Validation guarantees the repo id
// variant refers to a watched repository.
func (r RecipeConfig) WorkdirSpec() Workdir {
	switch r.Workdir {
	case WorkdirTemp, WorkdirTempLong:
		return Workdir{Temp: true}
	}
	return Workdir{RepoID: r.Workdir}
}

// PortainerConfig describes one orchestrator instance to deploy to.
type PortainerConfig struct {
	URL        string `yaml:"url"`
	EndpointID int64  `yaml:"endpoint_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	StackName  string `yaml:"stack_name"`
}

// NotificationService enumerates recognized webhook kinds.
type NotificationService string

const (
	ServiceMattermost NotificationService = "mattermost"
)

// ParseNotificationService reports whether s names a recognized service.
func ParseNotificationService(s string) (NotificationService, bool) {
	switch NotificationService(s) {
	case ServiceMattermost:
		return ServiceMattermost, true
	}
	return "", false
}

// NotificationConfig describes one webhook target.
type NotificationConfig struct {
	Service          string `yaml:"service"`
	URL              string `yaml:"url"`
	Message          string `yaml:"message"`
	Enabled          bool   `yaml:"enabled"`
	ChannelID        string `yaml:"channel_id"`
	PersonalToken    string `yaml:"personal_token"`
	HeaderUniqueName string `yaml:"header_unique_name"`
}

// Load reads the configuration file, substitutes ${VAR} tokens from the
// process environment, binds the document to the typed schema and validates
// it. Unknown keys and missing environment variables are fatal.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "config read", err)
	}
	return Parse(data)
}

// Parse binds raw configuration bytes. Split from Load for tests.
func Parse(data []byte) (*Config, error) {
	substituted, err := envsubst.BytesRestricted(data, true, false)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "config env substitution", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(substituted))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "config parse", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Main.HTTPTimeout == 0 {
		c.Main.HTTPTimeout = DefaultHTTPTimeoutSecs
	}
	if c.Main.CommandTimeout == 0 {
		c.Main.CommandTimeout = DefaultCommandTimeoutSecs
	}
	if c.Main.BasePath == "" {
		c.Main.BasePath = os.TempDir()
	}
	if c.Main.Host == "" {
		c.Main.Host = "0.0.0.0"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errkind.Errorf(errkind.ConfigInvalid, "config validate", format, args...)
	}

	if c.Version != SupportedVersion {
		return fail("unsupported config version %q, expected %q", c.Version, SupportedVersion)
	}

	switch strings.ToUpper(c.Main.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fail("log_level must be one of DEBUG|INFO|WARNING|ERROR, got %q", c.Main.LogLevel)
	}

	if c.Main.Port <= 0 || c.Main.Port > 65535 {
		return fail("port must be in (0, 65535], got %d", c.Main.Port)
	}
	if c.Main.PollingInterval < 1 {
		return fail("polling_interval must be >= 1 second, got %d", c.Main.PollingInterval)
	}

	seen := make(map[string]bool)
	for _, repo := range c.Main.WatchedGitRepositories {
		if repo.ID == "" {
			return fail("watched git repository with empty id")
		}
		if seen[repo.ID] {
			return fail("duplicate watched git repository id %q", repo.ID)
		}
		seen[repo.ID] = true
		if repo.URL == "" {
			return fail("repository %q has no url", repo.ID)
		}
		if repo.Tags != "" {
			if _, err := regexp.Compile(repo.Tags); err != nil {
				return fail("repository %q tags pattern: %v", repo.ID, err)
			}
		}
	}

	recipe := c.Main.DockerStackRecipe
	if recipe.StackFile == "" {
		return fail("docker_stack_recipe.stack_file is required")
	}
	wd := recipe.WorkdirSpec()
	if !wd.Temp && !seen[wd.RepoID] {
		return fail("docker_stack_recipe.workdir %q is neither %q nor a watched repository id", recipe.Workdir, WorkdirTemp)
	}
	for _, group := range recipe.Files {
		if !seen[group.ID] {
			return fail("docker_stack_recipe.files refers to unknown repository id %q", group.ID)
		}
	}

	if len(c.Main.Portainer) == 0 {
		return fail("at least one portainer instance is required")
	}
	for _, p := range c.Main.Portainer {
		if p.URL == "" {
			return fail("portainer instance has no url")
		}
		if p.StackName == "" {
			return fail("portainer instance %s has no stack_name", p.URL)
		}
		// Swarm stack names must be lowercase only.
		if p.StackName != strings.ToLower(p.StackName) {
			return fail("portainer stack_name %q must be lowercase", p.StackName)
		}
	}

	return nil
}

// String renders a redacted summary for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("config{repos=%d registries=%d portainer=%d interval=%ds}",
		len(c.Main.WatchedGitRepositories),
		len(c.Main.DockerPrivateRegistries),
		len(c.Main.Portainer),
		c.Main.PollingInterval)
}
