package recorder

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/selfopt/pkg/types"
)

type fakeQueue struct {
	mu      sync.Mutex
	items   []types.Interaction
	trigger int
}

func (q *fakeQueue) Enqueue(it types.Interaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	return len(q.items) >= q.trigger
}

func TestRecordFeedsQueueAndHistory(t *testing.T) {
	q := &fakeQueue{trigger: 100}
	r := New(q, Options{Environment: EnvironmentFunc("test", "1.0")})

	ctx := map[string]any{"page": "home"}
	it := r.Record("click", ctx, "ok")
	ctx["page"] = "changed"

	assert.NotEmpty(t, it.ID)
	assert.Equal(t, "click", it.Action)
	assert.Equal(t, "home", it.Context["page"])
	assert.Equal(t, "test", it.Environment.Platform)
	assert.Equal(t, "1.0", it.Environment.ClientVersion)
	assert.NotEmpty(t, it.Environment.GoVersion)

	require.Len(t, q.items, 1)
	assert.Equal(t, it.ID, q.items[0].ID)
	assert.Equal(t, []types.Interaction{it}, r.History())
}

func TestTriggerFiresAtThreshold(t *testing.T) {
	q := &fakeQueue{trigger: 3}
	fired := 0
	r := New(q, Options{OnTrigger: func() { fired++ }})

	r.Record("a", nil, nil)
	r.Record("b", nil, nil)
	assert.Zero(t, fired)
	r.Record("c", nil, nil)
	assert.Equal(t, 1, fired)
}

func TestRetentionBoundsHistory(t *testing.T) {
	r := New(nil, Options{Retention: 3})
	for i := 0; i < 5; i++ {
		r.Record(strconv.Itoa(i), nil, nil)
	}
	hist := r.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "2", hist[0].Action)
	assert.Equal(t, 5, r.Total())

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Action)
	assert.Equal(t, "4", recent[1].Action)
}
