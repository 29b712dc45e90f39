package intercept

import (
	"net/http"
	"strings"
)

// Class is the routing class of a request.
type Class int

const (
	StaticAsset Class = iota
	APIRead
	APIWrite
)

func (c Class) String() string {
	switch c {
	case StaticAsset:
		return "static"
	case APIRead:
		return "api_read"
	case APIWrite:
		return "api_write"
	default:
		return "unknown"
	}
}

// DefaultAPIPrefix is the path prefix that marks data API requests.
const DefaultAPIPrefix = "/api/"

// Classify maps a request to its class from the API path prefix. GET and
// HEAD under the prefix are reads, every other method under the prefix is a
// write, and everything else is a static asset.
func Classify(method, path, apiPrefix string) Class {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	bare := strings.TrimSuffix(apiPrefix, "/")
	if path != bare && !strings.HasPrefix(path, bare+"/") {
		return StaticAsset
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return APIRead
	default:
		return APIWrite
	}
}
