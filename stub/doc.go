// Package stub provides interfaces and stub implementations.
//
// The dns, spf, iprev and dnsbl packages use these interfaces instead of
// importing prometheus directly, so they stay usable standalone. The spfbld
// main package does not replace them, so the Ignore implementations stay in
// use.
//
// Stubs are provided for: metrics (prometheus).
package stub
