package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"fieldcrm/customer"
)

func TestProcessorRun_AdvancesDueEnrollments(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	due := t0.Add(-time.Minute)
	store.add(Enrollment{ID: "e1", TenantID: "t1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	msgs := &fakeMessenger{}
	acts := &fakeActivities{}
	custs := fakeCustomerBatch{"c1": {ID: "c1", Email: "a@b.c"}}
	p := NewProcessor(store, custs, msgs, acts, ProcessorConfig{}, nil).WithClock(func() time.Time { return t0 })

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Claimed != 1 || res.Advanced != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	e := store.rows["e1"]
	if e.Status != EnrollmentActive || e.CurrentStep != 1 {
		t.Fatalf("expected active at step 1, got %s at %d", e.Status, e.CurrentStep)
	}
	if want := t0.Add(72 * time.Hour); !e.NextActionAt.Equal(want) {
		t.Fatalf("expected next action at %s, got %s", want, e.NextActionAt)
	}
	if len(msgs.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs.sent))
	}

	// Not due yet: nothing claimed.
	res, err = p.Run(context.Background())
	if err != nil || res.Claimed != 0 {
		t.Fatalf("expected empty run, got %+v (%v)", res, err)
	}

	later := t0.Add(72 * time.Hour)
	p.WithClock(func() time.Time { return later })
	res, err = p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Completed != 1 {
		t.Fatalf("expected completion, got %+v", res)
	}
	e = store.rows["e1"]
	if e.Status != EnrollmentCompleted || e.CurrentStep != 2 || e.CompletedAt == nil || !e.CompletedAt.Equal(later) {
		t.Fatalf("unexpected final state: %+v", e)
	}
	if len(acts.created) != 1 {
		t.Fatalf("expected task created, got %d", len(acts.created))
	}

	// Terminal rows are never claimed again.
	res, _ = p.Run(context.Background())
	if res.Claimed != 0 {
		t.Fatalf("expected terminal enrollment to be skipped, got %+v", res)
	}
}

func TestProcessorRun_PausedSequenceCancels(t *testing.T) {
	store := newFakeStore()
	seq := *twoStepSequence()
	seq.Status = StatusPaused
	store.sequences["seq-1"] = seq
	due := t0
	store.add(Enrollment{ID: "e1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	msgs := &fakeMessenger{}
	p := NewProcessor(store, fakeCustomerBatch{"c1": {ID: "c1"}}, msgs, &fakeActivities{}, ProcessorConfig{}, nil).
		WithClock(func() time.Time { return t0 })

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Cancelled != 1 || store.rows["e1"].Status != EnrollmentCancelled {
		t.Fatalf("expected cancellation, got %+v / %s", res, store.rows["e1"].Status)
	}
	if len(msgs.sent) != 0 {
		t.Fatalf("expected no step executed")
	}
}

func TestProcessorRun_FailureIsContained(t *testing.T) {
	store := newFakeStore()
	seq := *twoStepSequence()
	store.sequences["seq-1"] = seq

	custs := fakeCustomerBatch{}
	for i := 0; i < 10; i++ {
		due := t0.Add(-time.Duration(i) * time.Minute)
		id := fmt.Sprintf("c%d", i)
		custs[id] = customer.Customer{ID: id, Email: id + "@example.com"}
		store.add(Enrollment{ID: fmt.Sprintf("e%d", i), SequenceID: "seq-1", CustomerID: id, Status: EnrollmentActive, NextActionAt: &due})
	}
	msgs := &fakeMessenger{fail: map[string]bool{"c3": true}}

	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			s := store.clone()
			m := &fakeMessenger{fail: msgs.fail}
			p := NewProcessor(s, custs, m, &fakeActivities{}, ProcessorConfig{Concurrency: concurrency}, nil).
				WithClock(func() time.Time { return t0 })

			res, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if res.Claimed != 10 || res.Failed != 1 || res.Advanced != 9 {
				t.Fatalf("expected 1 failed and 9 advanced, got %+v", res)
			}
			failed := s.rows["e3"]
			if failed.Status != EnrollmentFailed || failed.LastError == "" || failed.CurrentStep != 0 {
				t.Fatalf("unexpected failed row: %+v", failed)
			}
			if len(m.sent) != 9 {
				t.Fatalf("expected 9 messages, got %d", len(m.sent))
			}
		})
	}
}

func TestProcessorRun_ClaimsOldestFirstUpToBatchSize(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	custs := fakeCustomerBatch{}
	for i := 0; i < 5; i++ {
		due := t0.Add(-time.Duration(i) * time.Hour)
		id := fmt.Sprintf("c%d", i)
		custs[id] = customer.Customer{ID: id}
		store.add(Enrollment{ID: fmt.Sprintf("e%d", i), SequenceID: "seq-1", CustomerID: id, Status: EnrollmentActive, NextActionAt: &due})
	}
	p := NewProcessor(store, custs, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{BatchSize: 2}, nil).
		WithClock(func() time.Time { return t0 })

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Claimed != 2 {
		t.Fatalf("expected batch of 2, got %d", res.Claimed)
	}
	for _, id := range []string{"e4", "e3"} {
		if store.rows[id].CurrentStep != 1 {
			t.Fatalf("expected oldest enrollment %s processed first", id)
		}
	}
}

func TestProcessorRun_TenantFilter(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	due := t0
	store.add(Enrollment{ID: "a", TenantID: "t1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})
	store.add(Enrollment{ID: "b", TenantID: "t2", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	p := NewProcessor(store, fakeCustomerBatch{"c1": {ID: "c1"}}, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{TenantID: "t2"}, nil).
		WithClock(func() time.Time { return t0 })
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.rows["a"].CurrentStep != 0 || store.rows["b"].CurrentStep != 1 {
		t.Fatalf("expected only tenant t2 processed")
	}
}

func TestProcessorRun_ReclaimsStaleClaims(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	due := t0.Add(-time.Hour)
	claimedAt := t0.Add(-time.Hour)
	store.add(Enrollment{ID: "e1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentProcessing, ClaimToken: "dead", ClaimedAt: &claimedAt, NextActionAt: &due})

	p := NewProcessor(store, fakeCustomerBatch{"c1": {ID: "c1"}}, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{}, nil).
		WithClock(func() time.Time { return t0 })
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reclaimed != 1 || res.Advanced != 1 {
		t.Fatalf("expected stale claim reclaimed and processed, got %+v", res)
	}
}

func TestProcessorRun_LoadErrorReleasesBatch(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("db down")
	due := t0
	store.add(Enrollment{ID: "e1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	p := NewProcessor(store, fakeCustomerBatch{}, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{}, nil).
		WithClock(func() time.Time { return t0 })
	if _, err := p.Run(context.Background()); !errors.Is(err, store.loadErr) {
		t.Fatalf("expected load error, got %v", err)
	}
	if e := store.rows["e1"]; e.Status != EnrollmentActive || e.ClaimToken != "" {
		t.Fatalf("expected claim released, got %+v", e)
	}
}

func TestProcessorRun_LostClaimIsCounted(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	store.stealOnFinish = true
	due := t0
	store.add(Enrollment{ID: "e1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	p := NewProcessor(store, fakeCustomerBatch{"c1": {ID: "c1"}}, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{}, nil).
		WithClock(func() time.Time { return t0 })
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Lost != 1 || res.Advanced != 0 {
		t.Fatalf("expected lost claim, got %+v", res)
	}
}

func TestProcessorStart_RunsHookBeforeEveryBatch(t *testing.T) {
	store := newFakeStore()
	store.sequences["seq-1"] = *twoStepSequence()
	due := t0.Add(-time.Minute)
	store.add(Enrollment{ID: "e1", TenantID: "t1", SequenceID: "seq-1", CustomerID: "c1", Status: EnrollmentActive, NextActionAt: &due})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hooks := 0
	p := NewProcessor(store, fakeCustomerBatch{"c1": {ID: "c1"}}, &fakeMessenger{}, &fakeActivities{}, ProcessorConfig{}, nil).
		WithClock(func() time.Time { return t0 }).
		WithBeforeRun(func(context.Context) error {
			hooks++
			if hooks >= 2 {
				cancel()
			}
			return errors.New("rescore failed")
		})

	if err := p.Start(ctx, time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if hooks < 2 {
		t.Fatalf("expected hook before each batch, got %d calls", hooks)
	}
	if e := store.rows["e1"]; e.CurrentStep != 1 {
		t.Fatalf("expected hook error not to block the batch, got step %d", e.CurrentStep)
	}
}

type fakeStore struct {
	mu            sync.Mutex
	rows          map[string]Enrollment
	sequences     map[string]Sequence
	loadErr       error
	stealOnFinish bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]Enrollment{}, sequences: map[string]Sequence{}}
}

func (f *fakeStore) add(e Enrollment) { f.rows[e.ID] = e }

func (f *fakeStore) clone() *fakeStore {
	c := newFakeStore()
	for k, v := range f.rows {
		c.rows[k] = v
	}
	for k, v := range f.sequences {
		c.sequences[k] = v
	}
	return c
}

func (f *fakeStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, e := range f.rows {
		if e.Status == EnrollmentProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = EnrollmentActive
			e.ClaimToken = ""
			e.ClaimedAt = nil
			f.rows[id] = e
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClaimDue(ctx context.Context, now time.Time, limit int, tenantID, token string) ([]Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := make([]Enrollment, 0)
	for _, e := range f.rows {
		if e.Status != EnrollmentActive || e.NextActionAt == nil || e.NextActionAt.After(now) {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextActionAt.Before(*due[j].NextActionAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		claimedAt := now
		due[i].Status = EnrollmentProcessing
		due[i].ClaimToken = token
		due[i].ClaimedAt = &claimedAt
		f.rows[due[i].ID] = due[i]
	}
	return due, nil
}

func (f *fakeStore) GetSequences(ctx context.Context, ids []string) (map[string]Sequence, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]Sequence, len(ids))
	for _, id := range ids {
		if s, ok := f.sequences[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStore) Finish(ctx context.Context, e Enrollment, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[e.ID]
	if !ok || f.stealOnFinish || cur.Status != EnrollmentProcessing || cur.ClaimToken != token {
		return ErrClaimLost
	}
	e.ClaimToken = ""
	e.ClaimedAt = nil
	f.rows[e.ID] = e
	return nil
}

type fakeCustomerBatch map[string]customer.Customer

func (f fakeCustomerBatch) FindMany(ctx context.Context, ids []string) (map[string]customer.Customer, error) {
	out := make(map[string]customer.Customer, len(ids))
	for _, id := range ids {
		if c, ok := f[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}
