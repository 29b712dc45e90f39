// Package offlinecache holds the identity helpers shared by the cache,
// interceptor and queue packages of the offline cache daemon.
package offlinecache

import (
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
)

// APIKeyPrefix is prepended to the logical identity of api-read entries.
const APIKeyPrefix = "api-"

// NormalizePath cleans a request path so cosmetically different requests
// for the same resource map to one cache slot. Trailing slashes are dropped
// (except for the root) and dot segments resolved.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// StaticKey returns the cache key for a static asset request.
// HEAD shares the GET entry. The query string takes part in the identity,
// with parameters sorted so ordering does not matter.
func StaticKey(method string, u *url.URL) string {
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}
	key := method + " " + NormalizePath(u.Path)
	if q := canonicalQuery(u.Query()); q != "" {
		key += "?" + q
	}
	return key
}

// APIKey returns the cache key for an api-read. Only the path identifies
// the resource; the query string is ignored.
func APIKey(u *url.URL) string {
	return APIKeyPrefix + NormalizePath(u.Path)
}

// RootDocumentKey returns the key of the application's root document, used
// as the navigation fallback shell.
func RootDocumentKey() string {
	return StaticKey(http.MethodGet, &url.URL{Path: "/"})
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	for k := range values {
		sort.Strings(values[k])
	}
	// Encode sorts by key.
	return values.Encode()
}
