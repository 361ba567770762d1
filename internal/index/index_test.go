package index

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

type indexFactory struct {
	name string
	new  func(t *testing.T) Index
}

func contractIndexFactories() []indexFactory {
	out := []indexFactory{
		{
			name: "memory",
			new: func(t *testing.T) Index {
				t.Helper()
				return NewMemoryIndex()
			},
		},
	}

	addr := strings.TrimSpace(os.Getenv("RELAYQ_TEST_REDIS_ADDR"))
	if addr != "" {
		out = append(out, indexFactory{
			name: "redis",
			new: func(t *testing.T) Index {
				t.Helper()
				client := redis.NewClient(&redis.Options{Addr: addr})
				t.Cleanup(func() { _ = client.Close() })
				queueName := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
				queueName = strings.ReplaceAll(queueName, "/", "-")
				return NewRedisIndex(client, queueName)
			},
		})
	}

	return out
}

func TestIndexContract_PriorityOrder(t *testing.T) {
	for _, factory := range contractIndexFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
			idx := factory.new(t)

			// Same schedule, opposite priorities, pushed low-first.
			push := []Entry{
				{ID: "itm_low", Priority: 1, ScheduledAt: now, Seq: 1},
				{ID: "itm_high", Priority: 10, ScheduledAt: now, Seq: 2},
			}
			for _, entry := range push {
				if err := idx.Push(entry); err != nil {
					t.Fatalf("push %s: %v", entry.ID, err)
				}
			}

			got, err := idx.PopBatch(10, now)
			if err != nil {
				t.Fatalf("pop batch: %v", err)
			}
			if len(got) != 2 || got[0].ID != "itm_high" || got[1].ID != "itm_low" {
				t.Fatalf("pop order=%v, want [itm_high itm_low]", entryIDs(got))
			}

			n, err := idx.Size()
			if err != nil {
				t.Fatalf("size: %v", err)
			}
			if n != 0 {
				t.Fatalf("size after drain=%d, want 0", n)
			}
		})
	}
}

func TestIndexContract_TieBreaks(t *testing.T) {
	for _, factory := range contractIndexFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 3, 4, 12, 5, 0, 0, time.UTC)
			idx := factory.new(t)

			push := []Entry{
				{ID: "itm_late", Priority: 5, ScheduledAt: now.Add(2 * time.Second), Seq: 1},
				{ID: "itm_second", Priority: 5, ScheduledAt: now, Seq: 3},
				{ID: "itm_first", Priority: 5, ScheduledAt: now, Seq: 2},
			}
			for _, entry := range push {
				if err := idx.Push(entry); err != nil {
					t.Fatalf("push %s: %v", entry.ID, err)
				}
			}

			got, err := idx.PopBatch(10, now.Add(5*time.Second))
			if err != nil {
				t.Fatalf("pop batch: %v", err)
			}
			want := []string{"itm_first", "itm_second", "itm_late"}
			if len(got) != len(want) {
				t.Fatalf("popped=%v, want %v", entryIDs(got), want)
			}
			for i := range want {
				if got[i].ID != want[i] {
					t.Fatalf("pop[%d]=%q, want %q (full order %v)", i, got[i].ID, want[i], entryIDs(got))
				}
			}
		})
	}
}

func TestIndexContract_FutureEntriesStayIndexed(t *testing.T) {
	for _, factory := range contractIndexFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 3, 4, 12, 10, 0, 0, time.UTC)
			idx := factory.new(t)

			// The future entry has the higher priority, so it sits at the
			// head of the structure and must not shadow the due one.
			if err := idx.Push(Entry{ID: "itm_future", Priority: 9, ScheduledAt: now.Add(time.Hour), Seq: 1}); err != nil {
				t.Fatalf("push future: %v", err)
			}
			if err := idx.Push(Entry{ID: "itm_due", Priority: 1, ScheduledAt: now, Seq: 2}); err != nil {
				t.Fatalf("push due: %v", err)
			}

			got, err := idx.PopBatch(10, now)
			if err != nil {
				t.Fatalf("pop batch: %v", err)
			}
			if len(got) != 1 || got[0].ID != "itm_due" {
				t.Fatalf("popped=%v, want [itm_due]", entryIDs(got))
			}

			n, err := idx.Size()
			if err != nil {
				t.Fatalf("size: %v", err)
			}
			if n != 1 {
				t.Fatalf("size=%d, want the future entry retained", n)
			}

			got, err = idx.PopBatch(10, now.Add(2*time.Hour))
			if err != nil {
				t.Fatalf("pop after due: %v", err)
			}
			if len(got) != 1 || got[0].ID != "itm_future" {
				t.Fatalf("popped later=%v, want [itm_future]", entryIDs(got))
			}
		})
	}
}

func TestIndexContract_PopBatchLimit(t *testing.T) {
	for _, factory := range contractIndexFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 3, 4, 12, 15, 0, 0, time.UTC)
			idx := factory.new(t)

			for i := 0; i < 5; i++ {
				entry := Entry{
					ID:          fmt.Sprintf("itm_%d", i),
					Priority:    5 - i,
					ScheduledAt: now,
					Seq:         uint64(i + 1),
				}
				if err := idx.Push(entry); err != nil {
					t.Fatalf("push %s: %v", entry.ID, err)
				}
			}

			got, err := idx.PopBatch(2, now)
			if err != nil {
				t.Fatalf("pop batch: %v", err)
			}
			if len(got) != 2 || got[0].ID != "itm_0" || got[1].ID != "itm_1" {
				t.Fatalf("popped=%v, want [itm_0 itm_1]", entryIDs(got))
			}

			n, err := idx.Size()
			if err != nil {
				t.Fatalf("size: %v", err)
			}
			if n != 3 {
				t.Fatalf("size=%d, want 3 remaining", n)
			}
		})
	}
}

func TestRegistryLazyCreationAndDepth(t *testing.T) {
	created := make([]string, 0, 2)
	reg := NewRegistry(func(queueName string) Index {
		created = append(created, queueName)
		return NewMemoryIndex()
	})

	now := time.Date(2026, 3, 4, 12, 20, 0, 0, time.UTC)
	orders := reg.For("orders")
	if again := reg.For("orders"); again != orders {
		t.Fatal("registry returned a fresh index for a known queue")
	}
	billing := reg.For("billing")

	if len(created) != 2 || created[0] != "orders" || created[1] != "billing" {
		t.Fatalf("factory calls=%v, want [orders billing]", created)
	}

	if err := orders.Push(Entry{ID: "itm_1", ScheduledAt: now, Seq: reg.NextSeq()}); err != nil {
		t.Fatalf("push orders: %v", err)
	}
	if err := billing.Push(Entry{ID: "itm_2", ScheduledAt: now, Seq: reg.NextSeq()}); err != nil {
		t.Fatalf("push billing: %v", err)
	}

	depth, err := reg.Depth()
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth=%d, want 2", depth)
	}
}

func TestRegistrySeqIsMonotonic(t *testing.T) {
	reg := NewRegistry(nil)
	prev := reg.NextSeq()
	for i := 0; i < 100; i++ {
		next := reg.NextSeq()
		if next <= prev {
			t.Fatalf("seq went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func entryIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.ID)
	}
	return out
}
