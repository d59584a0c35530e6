// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Every handler file should use these helpers instead of writing raw
// http.ResponseWriter calls. Errors always leave as an ErrorResponse so
// clients can branch on Code rather than on message text.
package httputil
