/*
Package gitwatch keeps local working copies of the watched git repositories
current and summarizes the content that matters for change detection.

Each repository is cloned on first sync as a single-branch clone with full
history (the clone is not shallow) and fetched/reset afterwards;
a corrupt working tree is recovered by deleting and re-cloning. Credentials
are embedded in the remote URL handed to git and scrubbed from every log
line.

When tag-sync is enabled, a repository with a tag pattern is pinned to the
highest matching tag reachable from the branch tip instead of the tip itself.
Version-shaped tags are ordered semantically, everything else
lexicographically. No matching tag is not an error: the sync reports a tag
miss and the reconciler treats the cycle as a no-op.

Fingerprint produces the source fingerprint: a SHA-256 over the sorted
(repo, path, content-digest) entries of every path selector, plus the matched
tag names when tag-sync is enabled. Selector order in the configuration does
not affect the result.
*/
package gitwatch
