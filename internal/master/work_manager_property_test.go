package master

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/worker"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/imagebuf"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// TestSplitJoinEqualsUnsplitProperty checks that a filter run through the
// scheduler with any fragment count gives the image of a single run.
func TestSplitJoinEqualsUnsplitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	catalog := plugin.Builtin()

	for _, name := range []string{"negative", "sobel", "median"} {
		p, err := catalog.Lookup(name)
		require.NoError(t, err)

		properties.Property(name+" split output equals whole output", prop.ForAll(
			func(w, h, parts int) bool {
				src := gradient(w, h)
				want, err := p.Filter(context.Background(), src, nil)
				if err != nil {
					return false
				}

				obs := newRecordingObserver()
				m := NewWorkManager(&ManagerConfig{SplitMultiplier: 1, ComputeUnits: func() int { return parts }}, catalog, obs, nil)
				m.Enqueue(types.NewCommand(types.TaskKindFilter, name, nil, src))
				drain(t, m)

				outs := obs.Outputs()
				return len(outs) == 1 && outs[0].Err == nil && imagebuf.Equal(want, outs[0].Image)
			},
			gen.IntRange(1, 48),
			gen.IntRange(1, 24),
			gen.IntRange(1, 6),
		))
	}

	properties.TestingRun(t)
}

// TestCompletionOrderProperty reports fragments in every order for small
// fragment counts. The parent must succeed only after the last one.
func TestCompletionOrderProperty(t *testing.T) {
	src := gradient(24, 6)
	want := applyFilter(t, "negative", src)
	e := worker.NewExecutor(plugin.Builtin(), nil)

	for parts := 1; parts <= 4; parts++ {
		for _, order := range permutations(parts) {
			m, obs := newTestManager(t, parts)
			m.Enqueue(types.NewCommand(types.TaskKindFilter, "negative", nil, src))

			tasks := takeAll(m)
			require.Len(t, tasks, parts)

			for i, idx := range order {
				task := tasks[idx]
				res, err := e.Execute(context.Background(), task)
				require.NoError(t, err)
				m.ReportCompletion(task, res, nil)

				if i < len(order)-1 {
					require.Empty(t, obs.Outputs(), "parts=%d order=%v step=%d", parts, order, i)
					require.NotEqual(t, types.TaskStatusSuccessful, task.Parent.Status)
				}
			}

			outs := obs.Outputs()
			require.Len(t, outs, 1, "parts=%d order=%v", parts, order)
			assert.True(t, imagebuf.Equal(want, outs[0].Image), "parts=%d order=%v", parts, order)
			assert.Equal(t, 1, obs.AllDone())
		}
	}
}

func permutations(n int) [][]int {
	var out [][]int
	perm := make([]int, n)
	used := make([]bool, n)
	var rec func(int)
	rec = func(i int) {
		if i == n {
			out = append(out, append([]int(nil), perm...))
			return
		}
		for v := 0; v < n; v++ {
			if used[v] {
				continue
			}
			used[v] = true
			perm[i] = v
			rec(i + 1)
			used[v] = false
		}
	}
	rec(0)
	return out
}

// TestNoDoubleDispatchUnderConcurrency drains random workloads with several
// goroutines and checks every task went to exactly one of them.
func TestNoDoubleDispatchUnderConcurrency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		commands := rapid.IntRange(1, 8).Draw(rt, "commands")
		parts := rapid.IntRange(1, 5).Draw(rt, "parts")
		workers := rapid.IntRange(2, 8).Draw(rt, "workers")
		withMotion := rapid.Bool().Draw(rt, "motion")

		obs := newRecordingObserver()
		catalog := plugin.Builtin()
		m := NewWorkManager(&ManagerConfig{SplitMultiplier: 1, ComputeUnits: func() int { return parts }}, catalog, obs, nil)

		for i := 0; i < commands; i++ {
			m.Enqueue(types.NewCommand(types.TaskKindFilter, "negative", nil, gradient(16+i, 8)))
		}
		if withMotion {
			base := gradient(32, 16)
			m.Enqueue(types.NewCommand(types.TaskKindMotion, "block_matching", nil, base, shifted(base, 1, 1), base))
		}

		e := worker.NewExecutor(catalog, nil)
		var (
			mu   sync.Mutex
			seen = make(map[int64]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for task := m.RequestTask(); task != nil; task = m.RequestTask() {
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
					res, err := e.Execute(context.Background(), task)
					m.ReportCompletion(task, res, err)
				}
			}()
		}
		wg.Wait()

		for id, n := range seen {
			if n != 1 {
				rt.Fatalf("task %d dispatched %d times", id, n)
			}
		}
		if got := len(obs.Outputs()); got != commands {
			rt.Fatalf("got %d outputs, want %d", got, commands)
		}
		wantMotions := 0
		if withMotion {
			wantMotions = 1
		}
		if got := len(obs.Motions()); got != wantMotions {
			rt.Fatalf("got %d motions, want %d", got, wantMotions)
		}
		s := m.Snapshot()
		if !s.Idle || s.PendingTasks != 0 || s.PendingCommands != 0 {
			rt.Fatalf("manager not drained: %+v", s)
		}
	})
}
