package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler handles commands of a specific type.
//
// Returns:
//   - AppendResult: the aggregate id and the version after handling.
//   - error: non-nil if the command failed, e.g. due to a business rule
//     violation, an unknown aggregate, a persistence failure, or a conflict
//     that outlived the retry strategy.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// Decider applies a command to a loaded aggregate by calling its business
// methods. It must not perform I/O.
type Decider[T Aggregate, C Command] func(agg T, cmd C) error

// CommandHandlerOption configures a NewCommandHandler.
type CommandHandlerOption func(configuration *handlerOptions)

type handlerOptions struct {
	// NewRetryStrategy creates the backoff for one command. Only concurrency
	// conflicts are retried. Defaults to no retries.
	NewRetryStrategy func() backoff.BackOff

	// MetadataFuncs enrich the appended events with values taken from the
	// command. MetadataCarrier commands are always honored.
	MetadataFuncs []func(cmd Command) map[string]any

	// Create makes a missing aggregate start fresh instead of failing with
	// ErrNotFound.
	Create bool
}

// NewCommandHandler returns a handler running the load, decide, save cycle
// on repo.
//
// The cycle:
//  1. Load the aggregate (or start a fresh one with WithCreate).
//  2. Run decide, which stages events through the aggregate's business methods.
//  3. Save with the version the aggregate was loaded at.
//
// A *ConcurrencyConflictError discards the aggregate and runs the whole cycle
// again on fresh state, as allowed by the retry strategy. Every other error
// is returned immediately.
//
// Example Usage:
//
//	handler := NewCommandHandler(users, func(u *auth.User, c LoginCommand) error {
//	    return u.Login()
//	}, WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
//	}))
func NewCommandHandler[T Aggregate, C Command](
	repo *Repository[T],
	decide Decider[T, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		NewRetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (AppendResult, error) {
		id := command.AggregateID()
		if id == "" {
			return AppendResult{}, fmt.Errorf("handle command %T: %w", command, ErrMissingAggregateID)
		}

		metadata := commandMetadata(ctx, cfg, command)

		return backoff.RetryWithData(func() (AppendResult, error) {
			agg, err := repo.Load(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound) && cfg.Create:
				agg = repo.New(id)
			case err != nil:
				return AppendResult{AggregateID: id},
					backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err))
			}

			if err := decide(agg, command); err != nil {
				return AppendResult{AggregateID: id, NextExpectedVersion: agg.base().PersistedVersion()},
					backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err))
			}

			if len(agg.UncommittedEvents()) == 0 {
				return AppendResult{AggregateID: id, NextExpectedVersion: agg.AggregateVersion()}, nil
			}

			var saveOpts []SaveOption
			if len(metadata) > 0 {
				saveOpts = append(saveOpts, WithMetadata(metadata))
			}
			if err := repo.Save(ctx, agg, saveOpts...); err != nil {
				err = fmt.Errorf("handle command %T for aggregate %q: %w", command, id, err)
				if errors.Is(err, ErrConcurrencyConflict) {
					return AppendResult{AggregateID: id}, err
				}
				return AppendResult{AggregateID: id}, backoff.Permanent(err)
			}
			return AppendResult{AggregateID: id, NextExpectedVersion: agg.AggregateVersion()}, nil
		}, backoff.WithContext(cfg.NewRetryStrategy(), ctx))
	}
}

// commandMetadata merges, in increasing precedence, the causation of ctx,
// the extractors and the command's own metadata.
func commandMetadata(ctx context.Context, cfg *handlerOptions, command Command) map[string]any {
	var out map[string]any
	merge := func(m map[string]any) {
		if len(m) == 0 {
			return
		}
		if out == nil {
			out = make(map[string]any, len(m))
		}
		maps.Copy(out, m)
	}
	merge(causationMetadata(ctx))
	for _, fn := range cfg.MetadataFuncs {
		merge(fn(command))
	}
	if c, ok := command.(MetadataCarrier); ok {
		merge(c.Metadata())
	}
	return out
}

// WithRetryStrategy sets how conflicting saves are retried. newBackOff is
// called once per handled command.
//
// Usage:
//
//	WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 5)
//	})
func WithRetryStrategy(newBackOff func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.NewRetryStrategy = newBackOff }
}

// WithMetadataExtractor adds a function deriving event metadata from the
// command. Extractors are applied in order of registration.
func WithMetadataExtractor(fn func(cmd Command) map[string]any) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.MetadataFuncs = append(h.MetadataFuncs, fn)
	}
}

// WithCreate lets the handler start a fresh aggregate when none exists.
func WithCreate() CommandHandlerOption {
	return func(h *handlerOptions) { h.Create = true }
}
