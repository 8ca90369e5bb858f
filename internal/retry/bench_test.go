package retry

import (
	"context"
	"testing"
)

func BenchmarkBackoff_ImmediateSuccess(b *testing.B) {
	bo := AcceptBackoff()
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		bo.Do(ctx, func(int) error { return nil }) //nolint:errcheck
	}
}

// BenchmarkCircuitBreaker_ClosedPath is the cost the accept loop pays
// per connection.
func BenchmarkCircuitBreaker_ClosedPath(b *testing.B) {
	cb := NewCircuitBreaker(nil)
	for i := 0; i < b.N; i++ {
		if cb.Allow() == nil {
			cb.Record(nil)
		}
	}
}
