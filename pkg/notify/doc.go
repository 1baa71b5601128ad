// Package notify posts deploy and state-change messages to the configured
// chat webhooks after a successful deployment. Delivery is best-effort: each
// target is independent, failures are logged but never retried and never
// affect the reconciliation cycle. Mattermost is the only recognized service
// kind today; unknown kinds in the configuration are skipped with a warning.
package notify
