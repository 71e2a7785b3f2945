// Package client talks to the upload coordinator's JSON API.
//
// Failed requests come back as *APIError, which unwraps to the matching
// sentinel from package common so callers can use errors.Is.
package client
