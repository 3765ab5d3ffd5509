// Package policy decides which caller-supplied publish destinations the relay
// may hand to the external process.
//
// The relay itself treats the destination as an opaque target; without a
// policy it would push any browser's bytes to any ingest endpoint the caller
// names. Deployments MUST configure an allowlist in production.
package policy
