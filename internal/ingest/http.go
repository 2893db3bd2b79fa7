package ingest

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/trustioagency/IQsion-sub000/internal/utils"
)

// GetJSONWithRetry fetches url into dst, retrying transport errors and
// 429/5xx responses with exponential backoff.
func GetJSONWithRetry(ctx context.Context, c HTTPClient, u string, dst any, retries int, base time.Duration) error {
	b := utils.NewBackoff(base, retries).RetryIf(func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var se *StatusError
		if errors.As(err, &se) {
			return se.Retryable()
		}
		// errores de decode no se reintentan
		var ue *url.Error
		return errors.As(err, &ue)
	})
	return b.Do(ctx, func(int) error {
		return getJSON(ctx, c, u, dst)
	})
}
