// Package version carries the daemon's core and API versions.
package version

// API is the version of the v2 HTTP API
const API = "2.0.0"

// Core is the daemon version; overridden at build time via ldflags
var Core = "unversioned"
