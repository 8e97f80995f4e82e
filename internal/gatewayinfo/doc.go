// Package gatewayinfo supplies gateway session-start information, most
// importantly max_concurrency, which sizes the identify concurrency buckets.
//
// HTTPProvider talks to the REST API; Cached bounds how often it is asked;
// Static pins a value for tests or operator overrides.
package gatewayinfo
