// Package mocks provides centralized mock implementations for testing.
//
// Mocks expose ...Fn fields for behavior and record their calls, so tests
// across packages share one implementation instead of defining inline fakes:
//
//	gen := &mocks.MockGenerator{
//	    SubmitFn: func(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
//	        return nil, generation.NewStatusError("submit", 503, "unavailable")
//	    },
//	}
package mocks
