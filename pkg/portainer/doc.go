/*
Package portainer implements the orchestrator client: deploying the rendered
stack descriptor through a Portainer-compatible REST API.

One Client manages one named stack on one instance. The session flow is

	POST /api/auth                         -> bearer token (cached, refreshed on 401)
	GET  /api/endpoints                    -> endpoint discovery when endpoint_id < 0
	GET  /api/endpoints/{id}/docker/swarm  -> swarm cluster id
	GET  /api/stacks?filters={"SwarmID":…} -> find the stack by name (case-sensitive)
	POST /api/stacks  | PUT /api/stacks/{id}
	GET  /api/stacks/{id}                  -> poll until Status is active

Deploy is idempotent: when the artifact digest equals the last deployed
digest and the remote stack is active, nothing is sent and the outcome is
reported as a no-op so the notifier stays quiet.

Error classification: 4xx responses are OrchestratorRejected, network
failures and 5xx are TransientIO, context cancellation is preserved.
*/
package portainer
