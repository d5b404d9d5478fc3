// Package httpd is the HTTP transport for the daemon's endpoint table:
// routing, bearer-token authentication on mutating routes, and a
// {success, error, category, suggestions?} JSON error envelope.
//
// Routing uses gorilla/mux: path-parameter routes, one handler function
// per endpoint, json.NewEncoder(w).Encode(response) for bodies.
package httpd
