// Package policy decides whether a relay request may proceed.
//
// A Store holds the immutable policy for the process: the accepted shared
// secret(s), one compiled allow pattern per resource class, and an optional
// Rego target policy evaluated with the embedded Open Policy Agent. A
// Validator applies that policy to one ProxyRequest and returns an explicit
// domain.Decision instead of an error, so the HTTP layer only maps reasons to
// status codes. The package has no HTTP dependencies and can be tested in
// isolation.
package policy
