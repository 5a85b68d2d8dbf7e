package outbox

import (
	"context"
	"time"

	"github.com/ersha-io/ersha/pkg/elog"
)

type timingKey struct{}

// hooks satisfies sqlhooks.Hooks, logging query timing the way the
// dispatcher's other sqlite-backed components do.
type hooks struct{}

func (hooks) Before(ctx context.Context, query string, args...interface{}) (context.Context, error) {
	elog.Debugf("outbox: query %s %q", query, args)
	return context.WithValue(ctx, timingKey{}, time.Now()), nil
}

func (hooks) After(ctx context.Context, query string, args...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(timingKey{}).(time.Time); ok {
		elog.Debugf("outbox: took %s", time.Since(begin))
	}
	return ctx, nil
}
