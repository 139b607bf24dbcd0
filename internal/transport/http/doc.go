// Package http implements the HTTP handlers for the license service.
// It provides a thin layer between HTTP transport and the registry and
// issuance logic, keeping handlers focused solely on HTTP concerns.
//
// Handlers in this package follow these principles:
//
//	1. Thin handlers - minimal logic, delegate to the domain packages
//	2. HTTP-only concerns - request parsing, response formatting
//	3. Error transformation - convert domain errors to HTTP responses
//	4. Consistent patterns - standardized request/response handling
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Domain package
//	                                              ↓
//	HTTP Response ← Handler ← Domain result ←────┘
//
// Error responses are rendered through internal/errors (chi/render).
package http
