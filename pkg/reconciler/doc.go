/*
Package reconciler drives Shepherd's reconciliation loop.

The reconciler owns the cycle state machine:

	Idle -> Observing -> Evaluating -> Deploying -> Notifying -> Idle
	                         |              |
	                         v              v
	                       Idle          Failing -> Idle (with backoff)

Observing syncs every watched git repository (concurrently, joined before
evaluation). Evaluating computes the source fingerprint and, once a stack has
been rendered, the images fingerprint; a change in either, a missing remote
stack, or an empty deployment state triggers Deploying. Deploying renders the
recipe and pushes the canonical artifact to every orchestrator; Notifying
posts the configured webhooks when something was actually deployed.

Guarantees:

  - Single-flight: components are invoked serially; a mutex rejects any
    attempt to run overlapping cycles.
  - Scheduling: the polling interval is counted from the end of the previous
    cycle, with ±10% jitter to avoid lockstep across instances.
  - Atomic state: the deployment state record (fingerprints, deployed stack
    digest) is committed in one step after the orchestrator confirms success.
    Cancellation unwinds without touching it.
  - Backoff: after k consecutive failures the next interval is multiplied by
    min(2^k, 16) and clamped at 15 minutes; any success resets the counter.
  - A tag-sync cycle that finds no matching tag is a successful no-op, not a
    failure.

The collaborating components are injected as narrow interfaces so tests can
substitute them, along with the clock.
*/
package reconciler
