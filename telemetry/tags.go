// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// classKey is the context key for propagating the request class to background goroutines.
	classKey contextKey = "class"
)

// CacheResult represents how a request was answered.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStale   CacheResult = "stale"   // cached copy served after a network failure
	CacheOffline CacheResult = "offline" // structured offline error, nothing cached
	CacheQueued  CacheResult = "queued"  // write stored in the offline queue
	CacheBypass  CacheResult = "bypass"
	CacheNA      CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Class       string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetClass sets the request class (static, api_read, api_write, internal).
func SetClass(r *http.Request, class string) {
	if tags := GetTags(r); tags != nil {
		tags.Class = class
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ClassFromContext retrieves the request class from a context.
// It checks both background contexts (set by WithClassContext) and
// request contexts (set by SetClass via InjectTags).
func ClassFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(classKey).(string); ok && c != "" {
		return c
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Class
	}
	return ""
}

// WithClassContext returns a context with the class stored.
// Use this to propagate the class into goroutines that outlive the request context.
func WithClassContext(ctx context.Context, class string) context.Context {
	return context.WithValue(ctx, classKey, class)
}
