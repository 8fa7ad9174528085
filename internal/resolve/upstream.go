package resolve

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"mediagrab/internal/httputil"
	"mediagrab/internal/retry"
)

// upstream performs retried JSON calls on behalf of the sources.
type upstream struct {
	client httputil.Doer
	policy retry.Policy
	log    zerolog.Logger
}

// getJSON fetches base+params through the retry loop. check, when non-nil,
// inspects the decoded body and may reject it with a typed failure.
func getJSON[T any](ctx context.Context, up *upstream, base string, params url.Values, headers map[string]string, check func(*T) error) (*T, error) {
	target, err := httputil.BuildURL(base, params)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, up.policy, up.log, func(ctx context.Context) (*T, error) {
		var out T
		if err := httputil.GetJSON(ctx, up.client, target, headers, &out); err != nil {
			return nil, err
		}
		if check != nil {
			if err := check(&out); err != nil {
				return nil, err
			}
		}
		return &out, nil
	})
}
