// Package audit records the relay's session lifecycle trail (registrations, rejections, departures).
//
// Only connection metadata is recorded. Message contents are never seen by this package,
// and nothing here stores chat history.
package audit
