package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// collectingQueue records enqueued tasks without running them.
type collectingQueue struct {
	tasks []Task
}

func (q *collectingQueue) Enqueue(ctx context.Context, task Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func TestDispatcher_ChunksUserPopulation(t *testing.T) {
	userIDs := make([]string, 120)
	for i := range userIDs {
		userIDs[i] = fmt.Sprintf("user-%03d", i)
	}

	queue := &collectingQueue{}
	d := NewDispatcher(queue, 50, zerolog.Nop())

	taskIDs, err := d.Dispatch(context.Background(), "reflection", userIDs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(taskIDs) != 3 {
		t.Fatalf("expected 3 tasks for 120 users, got %d", len(taskIDs))
	}
	if len(queue.tasks) != 3 {
		t.Fatalf("expected 3 enqueued tasks, got %d", len(queue.tasks))
	}

	wantSizes := []int{50, 50, 20}
	seen := make(map[string]bool)
	var total int
	for i, task := range queue.tasks {
		if len(task.UserIDs) != wantSizes[i] {
			t.Fatalf("chunk %d: expected %d users, got %d", i, wantSizes[i], len(task.UserIDs))
		}
		if task.Kind != "reflection" {
			t.Fatalf("chunk %d: unexpected kind %q", i, task.Kind)
		}
		if task.ID == "" || seen[task.ID] {
			t.Fatalf("chunk %d: task id %q missing or duplicated", i, task.ID)
		}
		seen[task.ID] = true
		total += len(task.UserIDs)
	}
	if total != 120 {
		t.Fatalf("expected all 120 users covered, got %d", total)
	}
}

func TestDispatcher_EmptyPopulation(t *testing.T) {
	queue := &collectingQueue{}
	d := NewDispatcher(queue, 50, zerolog.Nop())

	taskIDs, err := d.Dispatch(context.Background(), "reflection", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(taskIDs) != 0 || len(queue.tasks) != 0 {
		t.Fatalf("expected no tasks for empty population")
	}
}

func TestLocalQueue_RunsTasksAndWaits(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	queue := NewLocalQueue(func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.ID)
		return nil
	}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(context.Background(), Task{ID: fmt.Sprintf("t%d", i), Kind: "reflection"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	queue.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 5 {
		t.Fatalf("expected 5 tasks run, got %d", len(ran))
	}
}
