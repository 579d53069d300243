package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Task is one unit of background work covering a chunk of users.
type Task struct {
	ID      string
	Kind    string
	UserIDs []string
}

// TaskQueue accepts tasks for asynchronous execution.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Dispatcher splits a user population into fixed-size chunks and hands
// each chunk to the queue as its own task, so one slow or failing chunk
// never holds up the rest of the batch.
type Dispatcher struct {
	queue     TaskQueue
	chunkSize int
	logger    zerolog.Logger
}

func NewDispatcher(queue TaskQueue, chunkSize int, logger zerolog.Logger) *Dispatcher {
	if chunkSize <= 0 {
		chunkSize = 50
	}
	return &Dispatcher{
		queue:     queue,
		chunkSize: chunkSize,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch enqueues one task per chunk and returns the task ids in
// chunk order. Enqueue failures abort the remaining chunks.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	chunks := lo.Chunk(userIDs, d.chunkSize)
	taskIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		task := Task{
			ID:      uuid.NewString(),
			Kind:    kind,
			UserIDs: chunk,
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			return taskIDs, fmt.Errorf("enqueue %s chunk: %w", kind, err)
		}
		taskIDs = append(taskIDs, task.ID)
	}

	d.logger.Info().
		Str("kind", kind).
		Int("users", len(userIDs)).
		Int("chunks", len(chunks)).
		Msg("Batch dispatched")
	return taskIDs, nil
}

// TaskHandler executes one task.
type TaskHandler func(ctx context.Context, task Task) error

// LocalQueue runs tasks on goroutines inside the same process. Wait
// blocks until every enqueued task has finished, which the nightly jobs
// use to run chunks concurrently but finish as a unit.
type LocalQueue struct {
	handler TaskHandler
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func NewLocalQueue(handler TaskHandler, logger zerolog.Logger) *LocalQueue {
	return &LocalQueue{
		handler: handler,
		logger:  logger.With().Str("component", "local_queue").Logger(),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, task Task) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.handler(ctx, task); err != nil {
			q.logger.Error().Err(err).
				Str("task_id", task.ID).
				Str("kind", task.Kind).
				Msg("Task failed")
		}
	}()
	return nil
}

func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
