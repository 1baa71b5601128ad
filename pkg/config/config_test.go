package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shepherd/pkg/errkind"
)

const validConfig = `
version: "1.0"
rest:
  version: v0
  location: oas3/v0/openapi.yaml
main:
  log_level: INFO
  host: 127.0.0.1
  port: 8888
  synced_via_tags: true
  watched_git_repositories:
    - id: simcore
      url: https://github.com/example/simcore.git
      branch: master
      username: gituser
      password: ${TEST_GIT_PASSWORD}
      tags: ^v[0-9]+\.[0-9]+\.[0-9]+$
      paths:
        - services/docker-compose.yml
        - Makefile
  docker_private_registries:
    - url: https://registry.example.com
      username: reg
      password: regpass
  docker_stack_recipe:
    files:
      - id: simcore
        paths:
          - services/docker-compose.yml
    workdir: temp
    command: ""
    stack_file: services/docker-compose.yml
    excluded_services:
      - webclient
    excluded_volumes: []
    additional_parameters:
      environment:
        DEPLOY_ENV: staging
    services_prefix: stg
  portainer:
    - url: https://portainer.example.com
      endpoint_id: -1
      username: admin
      password: adminpass
      stack_name: deployment-agent
  polling_interval: 15
  notifications:
    - service: mattermost
      url: https://mattermost.example.com/hooks/xyz
      message: new deployment
      enabled: true
      channel_id: abc
      personal_token: tok
      header_unique_name: shepherd
`

// TestParseValidConfig tests binding a complete document
func TestParseValidConfig(t *testing.T) {
	t.Setenv("TEST_GIT_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, "INFO", cfg.Main.LogLevel)
	assert.True(t, cfg.Main.SyncedViaTags)
	require.Len(t, cfg.Main.WatchedGitRepositories, 1)

	repo := cfg.Main.WatchedGitRepositories[0]
	assert.Equal(t, "simcore", repo.ID)
	assert.Equal(t, "s3cret", repo.Password, "env var must be substituted before binding")
	assert.Equal(t, []string{"services/docker-compose.yml", "Makefile"}, repo.Paths)

	assert.Equal(t, Workdir{Temp: true}, cfg.Main.DockerStackRecipe.WorkdirSpec())
	assert.Equal(t, int64(-1), cfg.Main.Portainer[0].EndpointID)

	// Defaults applied
	assert.Equal(t, DefaultHTTPTimeoutSecs, cfg.Main.HTTPTimeout)
	assert.Equal(t, DefaultCommandTimeoutSecs, cfg.Main.CommandTimeout)
}

// TestParseMissingEnvVar tests that unresolved ${VAR} tokens are fatal
func TestParseMissingEnvVar(t *testing.T) {
	data := strings.ReplaceAll(validConfig, "${TEST_GIT_PASSWORD}", "${SHEPHERD_DOES_NOT_EXIST}")

	_, err := Parse([]byte(data))
	require.Error(t, err)
	assert.Equal(t, errkind.ConfigInvalid, errkind.KindOf(err))
}

// TestParseUnknownKey tests strict schema binding
func TestParseUnknownKey(t *testing.T) {
	t.Setenv("TEST_GIT_PASSWORD", "x")
	data := validConfig + "\nextra_top_level: true\n"

	_, err := Parse([]byte(data))
	require.Error(t, err)
	assert.Equal(t, errkind.ConfigInvalid, errkind.KindOf(err))
}

// TestParseBadVersion tests config version pinning
func TestParseBadVersion(t *testing.T) {
	t.Setenv("TEST_GIT_PASSWORD", "x")
	data := strings.Replace(validConfig, `version: "1.0"`, `version: "2.0"`, 1)

	_, err := Parse([]byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config version")
}

// TestValidateRejections tests individual validation rules
func TestValidateRejections(t *testing.T) {
	t.Setenv("TEST_GIT_PASSWORD", "x")

	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(s string) string { return strings.Replace(s, "log_level: INFO", "log_level: TRACE", 1) },
			wantErr: "log_level",
		},
		{
			name:    "polling interval below one",
			mutate:  func(s string) string { return strings.Replace(s, "polling_interval: 15", "polling_interval: 0", 1) },
			wantErr: "polling_interval",
		},
		{
			name: "uppercase stack name",
			mutate: func(s string) string {
				return strings.Replace(s, "stack_name: deployment-agent", "stack_name: Deployment-Agent", 1)
			},
			wantErr: "lowercase",
		},
		{
			name:    "workdir names unknown repo",
			mutate:  func(s string) string { return strings.Replace(s, "workdir: temp", "workdir: nosuchrepo", 1) },
			wantErr: "workdir",
		},
		{
			name: "recipe file group names unknown repo",
			mutate: func(s string) string {
				return strings.Replace(s, "- id: simcore\n        paths:", "- id: otherrepo\n        paths:", 1)
			},
			wantErr: "unknown repository",
		},
		{
			name: "invalid tags regexp",
			mutate: func(s string) string {
				return strings.Replace(s, `tags: ^v[0-9]+\.[0-9]+\.[0-9]+$`, `tags: "["`, 1)
			},
			wantErr: "tags pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validConfig)))
			require.Error(t, err)
			assert.Equal(t, errkind.ConfigInvalid, errkind.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestWorkdirSpec tests the workdir sum type
func TestWorkdirSpec(t *testing.T) {
	assert.Equal(t, Workdir{Temp: true}, RecipeConfig{Workdir: "temp"}.WorkdirSpec())
	assert.Equal(t, Workdir{Temp: true}, RecipeConfig{Workdir: "temporary"}.WorkdirSpec())
	assert.Equal(t, Workdir{RepoID: "simcore"}, RecipeConfig{Workdir: "simcore"}.WorkdirSpec())
}

// TestParseNotificationService tests the notification kind enumeration
func TestParseNotificationService(t *testing.T) {
	svc, ok := ParseNotificationService("mattermost")
	assert.True(t, ok)
	assert.Equal(t, ServiceMattermost, svc)

	_, ok = ParseNotificationService("slack")
	assert.False(t, ok, "unknown services are skipped by the notifier, not bound")
}
