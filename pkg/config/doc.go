/*
Package config loads and validates the Shepherd configuration document.

The configuration is a YAML file bound to a typed schema. Two transformations
happen before binding:

 1. ${VAR} tokens are substituted from the process environment; a missing
    variable aborts startup.
 2. The document is decoded strictly: unknown keys are rejected, so typos
    surface at startup instead of silently disabling features.

The document shape:

	version: "1.0"
	rest:
	  version: v0
	  location: oas3/v0/openapi.yaml
	main:
	  log_level: INFO
	  host: 0.0.0.0
	  port: 8888
	  synced_via_tags: false
	  watched_git_repositories:
	    - id: simcore
	      url: https://github.com/example/simcore.git
	      branch: master
	      username: ${GIT_USER}
	      password: ${GIT_PASSWORD}
	      tags: ^v\d+\.\d+\.\d+$
	      paths:
	        - services/docker-compose.yml
	  docker_private_registries:
	    - url: https://registry.example.com
	      username: reg
	      password: ${REGISTRY_PASSWORD}
	  docker_stack_recipe:
	    files:
	      - id: simcore
	        paths: [services/docker-compose.yml]
	    workdir: temp
	    command: ""
	    stack_file: services/docker-compose.yml
	    excluded_services: [webclient]
	    excluded_volumes: []
	    additional_parameters:
	      extra_hosts: []
	      environment: {}
	    services_prefix: stg
	  portainer:
	    - url: https://portainer.example.com
	      endpoint_id: -1
	      username: admin
	      password: ${PORTAINER_PASSWORD}
	      stack_name: deployment-agent
	  polling_interval: 15
	  notifications:
	    - service: mattermost
	      url: https://mattermost.example.com
	      message: deployed
	      enabled: true
	      channel_id: abc123
	      personal_token: ${MATTERMOST_TOKEN}
	      header_unique_name: shepherd

Fields with enumerated values (workdir, notification service) are exposed as
parsed sum types rather than raw strings.
*/
package config
