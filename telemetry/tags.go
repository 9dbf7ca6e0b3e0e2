// Package telemetry provides request tagging for structured logging and
// OpenTelemetry metrics for the guide cache.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// Result classifies how a request was answered relative to the cached
// artifact.
type Result string

const (
	// ResultServed means the request was answered from the current artifact.
	ResultServed Result = "served"
	// ResultUnset means no artifact existed yet.
	ResultUnset Result = "unset"
	// ResultNotFound means the artifact exists but the requested entry does not.
	ResultNotFound Result = "not_found"
	// ResultRefreshed means a refresh completed for this request.
	ResultRefreshed Result = "refreshed"
	// ResultCoalesced means the trigger was folded into an in-flight refresh.
	ResultCoalesced Result = "coalesced"
	// ResultError means the request failed.
	ResultError Result = "error"
	// ResultNA is the default for endpoints with no artifact interaction.
	ResultNA Result = "na"
)

// RequestTags holds mutable request metadata that handlers set for logging
// and metrics.
type RequestTags struct {
	Endpoint string
	Result   Result
}

// InjectTags returns a request carrying an empty RequestTags in its context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResultNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil outside a request that passed through the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint tag.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetResult sets the result tag.
func SetResult(r *http.Request, result Result) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}
