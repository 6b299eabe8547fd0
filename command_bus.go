package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

var ErrCommandBusStopped = errors.New("command bus is stopped")

// queuedCommand is a command waiting in a shard queue together with the
// channel its result is delivered on.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher. Commands are
// sharded by aggregate id, so commands for the same aggregate are handled
// one at a time in arrival order within this process. Cross-process
// coordination still relies on the store's optimistic concurrency.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	stopped    bool
	wg         sync.WaitGroup
	handlersMu sync.RWMutex
	// stopMu guards stopped and the queues against close while enqueueing.
	stopMu     sync.RWMutex
	shardCount int
}

// NewCommandBus creates a bus with shardCount workers, each with a queue of
// bufferSize commands. The workers are started immediately.
//
// Example:
//
//	bus := NewCommandBus(100, 8)
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.wg.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues a command for its registered handler and waits for the
// result. It is safe to call concurrently.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	responseCh := make(chan commandResult, 1)
	queued := queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}

	b.stopMu.RLock()
	if b.stopped {
		b.stopMu.RUnlock()
		return AppendResult{}, ErrCommandBusStopped
	}
	select {
	case b.queues[b.getShard(cmd.AggregateID())] <- queued:
		b.stopMu.RUnlock()
	case <-ctx.Done():
		b.stopMu.RUnlock()
		return AppendResult{}, ctx.Err()
	}

	select {
	case result := <-responseCh:
		return result.Result, result.Err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	defer b.wg.Done()

	for cmd := range queue {
		if cmd.Ctx.Err() != nil {
			cmd.ResponseCh <- commandResult{Err: cmd.Ctx.Err()}
			continue
		}

		cmdName := TypeName(cmd.Command)

		b.handlersMu.RLock()
		h, exists := b.handlers[cmdName]
		b.handlersMu.RUnlock()

		if !exists {
			cmd.ResponseCh <- commandResult{Err: fmt.Errorf("no handler for command %s", cmdName)}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- commandResult{Err: fmt.Errorf("panic in handler for %s: %v", cmdName, r)}
				}
			}()

			res, err := h(cmd.Ctx, cmd.Command)
			cmd.ResponseCh <- commandResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) getShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(b.shardCount))
}

// Register adds a typed command handler to the bus. The command type name is
// derived from C.
//
// Panics if a handler is already registered for the same command type.
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	var zero C
	cmdName := TypeName(zero)
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		panic(fmt.Sprintf("handler already registered for command type %s", cmdName))
	}

	b.handlers[cmdName] = func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}
		return handler(ctx, c)
	}
}

// Stop stops accepting commands, lets the workers drain their queues and
// waits for them to finish.
func (b *CommandBus) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	for _, q := range b.queues {
		close(q)
	}
	b.stopMu.Unlock()
	b.wg.Wait()
}
