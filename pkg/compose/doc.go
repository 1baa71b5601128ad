/*
Package compose models the stack descriptor Shepherd deploys.

A Stack wraps a Compose v3 document (services, networks, volumes, configs,
secrets) parsed from the recipe output. The package provides the structural
rewrites applied before deployment, in this order:

 1. PrefixServices — namespace every service and fix cross-references
 2. ExcludeServices — drop unwanted services and prune depends_on
 3. ExcludeVolumes — drop named volumes and their mount entries
 4. StripBuild / NormalizeExtraHosts — remove artifacts useless in a stack
 5. MergeParameters — overlay per-deployment environment and extra_hosts

Every rewrite is total: it operates on whatever is present. The exclusion
rewrites return the names they dropped.

MarshalCanonical emits deterministic YAML (sorted keys at every level, block
style, no anchors). Two stacks with equal content produce byte-identical
output, which is what makes digest comparison across reconciliation cycles
meaningful.
*/
package compose
