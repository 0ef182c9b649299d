package conflict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

type doc struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type events struct {
	mu  sync.Mutex
	all []Event[doc]
}

func (e *events) add(ev Event[doc]) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, len(e.all))
	for i, ev := range e.all {
		out[i] = ev.Kind
	}
	return out
}

func (e *events) last() Event[doc] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.all[len(e.all)-1]
}

type applied struct {
	mu   sync.Mutex
	docs map[string]doc
}

func (a *applied) apply(id string, d doc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.docs == nil {
		a.docs = map[string]doc{}
	}
	a.docs[id] = d
}

func (a *applied) get(id string) (doc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[id]
	return d, ok
}

var (
	server = doc{Name: "server", Status: "running", Count: 1}
	client = doc{Name: "client", Count: 2}
)

func TestAutomaticPolicies(t *testing.T) {
	tests := []struct {
		policy   Policy
		want     doc
		wantPush bool
	}{
		{ServerWins, server, false},
		{ClientWins, client, true},
		{Merge, doc{Name: "client", Status: "running", Count: 2}, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			var pushed []doc
			var mu sync.Mutex
			local := &applied{}
			r := New(tt.policy,
				WithTick[doc](10*time.Millisecond),
				WithApply[doc](local.apply),
				WithPush[doc](func(_ context.Context, _ string, d doc) (doc, error) {
					mu.Lock()
					pushed = append(pushed, d)
					mu.Unlock()
					return d, nil
				}),
			)
			defer r.Close()
			ev := &events{}
			r.Subscribe(ev.add)

			r.Detect("exp-1", server, client)
			require.Len(t, r.Pending(), 1, "record is observable before the tick")

			assert.Eventually(t, func() bool { return len(r.Pending()) == 0 }, time.Second, 5*time.Millisecond)
			assert.Eventually(t, func() bool { _, ok := local.get("exp-1"); return ok }, time.Second, 5*time.Millisecond)

			got, _ := local.get("exp-1")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []EventKind{EventDetected, EventResolved}, ev.kinds())
			assert.True(t, ev.last().Record.Resolved)

			mu.Lock()
			defer mu.Unlock()
			if tt.wantPush {
				assert.Equal(t, []doc{tt.want}, pushed)
			} else {
				assert.Empty(t, pushed)
			}
		})
	}
}

func TestManualPolicyWaitsForResolve(t *testing.T) {
	local := &applied{}
	r := New(Manual, WithTick[doc](5*time.Millisecond), WithApply[doc](local.apply))
	defer r.Close()

	r.Detect("exp-1", server, client)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, r.Pending(), 1)

	chosen := doc{Name: "picked"}
	require.NoError(t, r.Resolve(context.Background(), "exp-1", chosen))
	assert.Empty(t, r.Pending())
	got, _ := local.get("exp-1")
	assert.Equal(t, chosen, got)

	assert.ErrorIs(t, r.Resolve(context.Background(), "exp-1", chosen), ErrUnknownConflict)
}

func TestManualResolveWithServerSnapshotSkipsPush(t *testing.T) {
	pushes := 0
	local := &applied{}
	r := New(Manual,
		WithApply[doc](local.apply),
		WithPush[doc](func(_ context.Context, _ string, d doc) (doc, error) {
			pushes++
			return d, nil
		}),
	)
	defer r.Close()

	r.Detect("exp-1", server, client)
	require.NoError(t, r.Resolve(context.Background(), "exp-1", server))
	assert.Zero(t, pushes)
	got, _ := local.get("exp-1")
	assert.Equal(t, server, got)

	r.Detect("exp-2", server, client)
	require.NoError(t, r.Resolve(context.Background(), "exp-2", client))
	assert.Equal(t, 1, pushes)
}

func TestChooseMergeIsShallow(t *testing.T) {
	type limits struct {
		Min int `json:"min,omitempty"`
		Max int `json:"max,omitempty"`
	}
	type record struct {
		Name   string  `json:"name,omitempty"`
		Owner  string  `json:"owner,omitempty"`
		Limits *limits `json:"limits,omitempty"`
	}
	rec := Record[record]{
		Server: record{Name: "server", Owner: "ana", Limits: &limits{Min: 1, Max: 10}},
		Client: record{Name: "client", Limits: &limits{Max: 20}},
	}

	got, err := Choose(Merge, rec)
	require.NoError(t, err)
	assert.Equal(t, "client", got.Name)
	assert.Equal(t, "ana", got.Owner, "fields the client leaves out keep the server value")
	assert.Equal(t, &limits{Max: 20}, got.Limits, "nested objects are replaced, not merged")
}

func TestPushFailureKeepsRecordPending(t *testing.T) {
	pushErr := errors.New("still conflicting")
	r := New(ClientWins,
		WithTick[doc](5*time.Millisecond),
		WithPush[doc](func(context.Context, string, doc) (doc, error) { return doc{}, pushErr }),
	)
	defer r.Close()
	ev := &events{}
	r.Subscribe(ev.add)

	r.Detect("exp-1", server, client)
	assert.Eventually(t, func() bool {
		k := ev.kinds()
		return len(k) == 2 && k[1] == EventFailed
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ev.last().Err, pushErr)
	assert.Len(t, r.Pending(), 1)
}

func TestDetectReplacesPendingRecord(t *testing.T) {
	r := New[doc](Manual)
	defer r.Close()

	r.Detect("a", server, client)
	time.Sleep(time.Millisecond)
	r.Detect("b", server, client)
	r.Detect("a", server, doc{Name: "newer"})

	pending := r.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)
	assert.Equal(t, "newer", pending[1].Client.Name)
}

func TestChooseManualNeedsDecision(t *testing.T) {
	_, err := Choose(Manual, Record[doc]{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("merge")
	require.NoError(t, err)
	assert.Equal(t, Merge, p)

	_, err = ParsePolicy("last-write-wins")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
