// Package race queries several named backends for one object at once and
// keeps the first present answer.
package race

import (
	"context"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stowaway/service/internal/metrics"
	"github.com/stowaway/service/internal/storage"
)

// Lookup is one named backend query. Fn must honour ctx cancellation where
// it can; a lookup that ignores it still runs to completion and its result is
// discarded.
type Lookup[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Result is the winning value and the backend that produced it.
type Result[T any] struct {
	Name  string
	Value T
}

// First runs every lookup concurrently and returns the first present value.
// Remaining lookups are cancelled and all goroutines have exited by the time
// First returns. ok is false when no lookup produced a present value,
// including when lookups is empty.
func First[T any](ctx context.Context, lookups ...Lookup[T]) (res Result[T], ok bool) {
	if len(lookups) == 0 {
		return res, false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		won bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range lookups {
		l := l
		g.Go(func() error {
			v, err := l.Fn(gctx)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, context.Canceled) {
					metrics.UpstreamFailures.WithLabelValues(l.Name).Inc()
					log.WithFields(log.Fields{"backend": l.Name}).Warnf("race: lookup failed: %v", err)
				}
				return nil
			}
			if !present(v) {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if won {
				discard(v)
				return nil
			}
			won = true
			res = Result[T]{Name: l.Name, Value: v}
			metrics.RaceWins.WithLabelValues(l.Name).Inc()
			cancel()
			return nil
		})
	}
	_ = g.Wait()
	return res, won
}

// present reports whether v carries a value: not nil, and not an empty
// slice, map or string.
func present(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return !rv.IsNil()
	case reflect.Slice, reflect.Map:
		return !rv.IsNil() && rv.Len() > 0
	case reflect.String:
		return rv.Len() > 0
	}
	return true
}

func discard(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close() //nolint:errcheck
	}
}
