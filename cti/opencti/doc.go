// Package opencti implements core.CTIClient against the OpenCTI GraphQL
// API. Lookups resolve missing entities to core.ErrNotFound, throttling to
// core.RateLimitedError and platform faults to core.ErrUnavailable, so the
// pipeline's retry policy can classify them without knowing the wire
// protocol. Enrichments are submitted back as notes attached to the
// enriched object.
package opencti
