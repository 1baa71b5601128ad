/*
Package registry resolves the current manifest digests of the images a stack
references, so the reconciler can detect image pushes that happen without any
source change.

Resolution follows the distribution registry protocol: a HEAD request for the
tag's manifest, answering bearer-token challenges (Docker Hub and compatible
registries) or presenting basic credentials for configured private
registries. The Docker-Content-Digest response header is the tracked value.
Tokens are cached per registry host for the watcher's lifetime.

Fingerprint digests the sorted (reference, digest) pairs of a stack. The
component is pure over its inputs given registry state; two fingerprints
differ exactly when some referenced image changed upstream.
*/
package registry
