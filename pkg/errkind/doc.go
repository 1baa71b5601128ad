// Package errkind defines the error classification shared by all Shepherd
// components. Components return errors tagged with a Kind; the reconciler
// inspects the Kind with KindOf to decide between retry, backoff, and
// escalation. Wrapping preserves the underlying error chain for errors.Is
// and errors.As.
package errkind
