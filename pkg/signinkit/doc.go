// Package signinkit implements the client half of the gsignin stack: a
// credential store with change notification, a token freshness evaluator, a
// single-flight refresh coordinator with bounded retries, a status monitor,
// and an identity session that owns the Google sign-in lifecycle.
//
// The package is transport-agnostic: all Google traffic goes through the
// gsignin auth proxy (see internal/authproxy) so no client-secret material is
// ever required here. Components are wired together by the Kit composition
// root in facade.go; each can also be used standalone with explicit
// dependencies.
package signinkit
