package domain

import (
	"context"
	"sync"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]PayoutRecord
	commits int
	loadErr error

	// staleVersion makes Load report this version instead of the stored one,
	// simulating a reader that raced with another writer.
	staleVersion *int64
}

func newFakeStore(recs ...PayoutRecord) *fakeStore {
	f := &fakeStore{records: map[string]PayoutRecord{}}
	for _, r := range recs {
		f.records[r.SubjectID] = r
	}
	return f
}

func (f *fakeStore) Load(ctx context.Context, subjectID string) (PayoutRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return PayoutRecord{}, 0, f.loadErr
	}
	rec, ok := f.records[subjectID]
	if !ok {
		return PayoutRecord{}, 0, ErrEntityNotFound
	}
	if f.staleVersion != nil {
		rec.Version = *f.staleVersion
	}
	return rec, rec.Version, nil
}

func (f *fakeStore) Commit(ctx context.Context, rec PayoutRecord, expected int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, ok := f.records[rec.SubjectID]
	switch {
	case expected == 0 && ok:
		return ErrVersionConflict
	case expected != 0 && (!ok || cur.Version != expected):
		return ErrVersionConflict
	}
	f.records[rec.SubjectID] = rec
	f.commits++
	return nil
}

func (f *fakeStore) ListPendingPublish(ctx context.Context, limit int) ([]PayoutRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PayoutRecord
	for _, r := range f.records {
		if r.PublishPending() {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) get(subjectID string) PayoutRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[subjectID]
}

type published struct {
	topic string
	event Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
	block  bool
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, ev Event) error {
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{topic: topic, event: ev})
	return nil
}

func (p *fakePublisher) statusEvents() []PayoutStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PayoutStatusChanged
	for _, e := range p.events {
		if ev, ok := e.event.(PayoutStatusChanged); ok {
			out = append(out, ev)
		}
	}
	return out
}
