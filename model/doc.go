// Package model groups the LLM provider adapters. Each subpackage wraps one
// official SDK behind core.LLMClient so the rest of the framework never sees
// provider wire types. Adapters map provider throttling to
// core.RateLimitedError (carrying retry-after advice when the provider sent
// it) and server faults to core.ErrUnavailable.
package model
