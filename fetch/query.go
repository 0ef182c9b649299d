package fetch

import (
	"context"
	"slices"
	"time"

	"github.com/gaborage/go-bricks-datalayer/cache"
	"github.com/gaborage/go-bricks-datalayer/http"
)

// Fetcher loads the authoritative value of a key.
type Fetcher func(ctx context.Context) (any, error)

// Query describes how a key is loaded and cached.
type Query struct {
	Fetch Fetcher
	// TTL of the cached result; zero disables expiry.
	TTL time.Duration
	// StaleWhileRevalidate serves an expired entry as stale while a background fetch
	// runs. When false an expired entry is treated as a miss. Entries explicitly
	// marked stale are always served.
	StaleWhileRevalidate bool
	Tags                 []string
	// SessionTags is evaluated on every cache write, so tags derived from the
	// current session (the signed-in principal) follow it instead of the
	// session in effect when the query was built.
	SessionTags  func() []string
	Dependencies []string
}

func (q Query) setOptions() cache.SetOptions {
	tags := q.Tags
	if q.SessionTags != nil {
		tags = append(slices.Clone(q.Tags), q.SessionTags()...)
	}
	return cache.SetOptions{TTL: q.TTL, Tags: tags, Dependencies: q.Dependencies}
}

// JSONQuery builds a Query that issues method url through client and decodes the
// JSON response into T. body is sent as JSON when non-nil.
func JSONQuery[T any](client http.Client, method, url string, body any) Query {
	return Query{
		StaleWhileRevalidate: true,
		Fetch: func(ctx context.Context) (any, error) {
			resp, err := client.Do(ctx, method, &http.Request{URL: url, JSON: body})
			if err != nil {
				return nil, err
			}
			var out T
			if err := resp.Decode(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// DataAs returns the state's data as T.
func DataAs[T any](s State) (T, bool) {
	v, ok := s.Data.(T)
	return v, ok
}
