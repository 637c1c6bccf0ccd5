// Package httpmw provides HTTP middleware for the document intake API.
//
// Middleware is composed in httpserver.NewHandler, outermost first:
// API headers, recover, request ID, client IP extraction, per-IP rate
// limiting, OTEL tracing, trace response headers, metrics, structured
// logging, and the chi router with route annotation, access log and body
// limit.
//
// Request bodies are document payloads and are never logged.
package httpmw
