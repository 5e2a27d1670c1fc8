// Package server exposes the relay over HTTP.
//
// It routes the health check, the image and API relay endpoints and the
// metrics endpoint, extracts the access code and target URL from each
// request, asks the policy validator for a decision, fetches accepted
// targets through the relay, and maps every outcome to a response: the
// upstream status and body on success, or a JSON error body otherwise.
package server
