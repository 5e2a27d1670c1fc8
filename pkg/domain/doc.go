// Package domain defines the core types shared by the relay components.
//
// This package has ZERO dependencies outside the Go standard library. It holds
// the vocabulary every other package speaks:
//
// - ResourceClass names a category of proxied target (image, api)
// - ProxyRequest is the transient caller input for one relay call
// - Decision is the validator's verdict (accepted, or rejected with a Reason)
// - UpstreamOutcome is what the relay observed from the upstream
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
