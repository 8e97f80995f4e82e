// Package clock abstracts time so that timing-sensitive components, such
// as the identify rate limiter, can be driven deterministically in tests.
package clock
