package mpi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memState is one snapshot of the in-memory store.
type memState struct {
	order     []uuid.UUID
	patients  map[uuid.UUID]PatientRecord
	relations map[RelationType]map[uuid.UUID]uuid.UUID // row id -> owner
}

func (s memState) clone() memState {
	out := memState{
		order:     append([]uuid.UUID(nil), s.order...),
		patients:  make(map[uuid.UUID]PatientRecord, len(s.patients)),
		relations: make(map[RelationType]map[uuid.UUID]uuid.UUID, len(s.relations)),
	}
	for id, p := range s.patients {
		out.patients[id] = p
	}
	for rel, rows := range s.relations {
		cp := make(map[uuid.UUID]uuid.UUID, len(rows))
		for id, owner := range rows {
			cp[id] = owner
		}
		out.relations[rel] = cp
	}
	return out
}

func (s memState) fetch(ids []uuid.UUID) []PatientRecord {
	out := []PatientRecord{}
	for _, id := range ids {
		if p, ok := s.patients[id]; ok {
			out = append(out, p)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(rs []PatientRecord) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && compareIDs(rs[j].ID, rs[j-1].ID) < 0; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// memStore is an in-memory Store. Transactions work on a private snapshot
// that replaces the committed state on Commit. failures injects an error
// for an operation name; hooks run when a transaction reaches an operation.
type memStore struct {
	mu       sync.Mutex
	state    memState
	intents  *IntentRegistry
	lock     LockOptions
	failures map[string]error
	hooks    map[string]func()
	fetches  int
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			patients:  map[uuid.UUID]PatientRecord{},
			relations: map[RelationType]map[uuid.UUID]uuid.UUID{},
		},
		intents:  NewIntentRegistry(),
		lock:     DefaultLockOptions(),
		failures: map[string]error{},
		hooks:    map[string]func(){},
	}
}

// add stores records in population order, assigning ids where missing.
func (s *memStore) add(records ...PatientRecord) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, len(records))
	for i, r := range records {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		s.state.order = append(s.state.order, r.ID)
		s.state.patients[r.ID] = r
		ids[i] = r.ID
	}
	return ids
}

func (s *memStore) addRelations(rel RelationType, owner uuid.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.relations[rel] == nil {
		s.state.relations[rel] = map[uuid.UUID]uuid.UUID{}
	}
	for i := 0; i < n; i++ {
		s.state.relations[rel][uuid.New()] = owner
	}
}

func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *memStore) onOp(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

func (s *memStore) check(op string) error {
	s.mu.Lock()
	err := s.failures[op]
	hook := s.hooks[op]
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *memStore) snapshot() memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *memStore) get(id uuid.UUID) (PatientRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.patients[id]
	return p, ok
}

func (s *memStore) countOwned(rel RelationType, owner uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.state.relations[rel] {
		if o == owner {
			n++
		}
	}
	return n
}

func (s *memStore) FetchAll(_ context.Context, f Filter) ([]PatientRecord, error) {
	if err := s.check("fetch_all"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	out := []PatientRecord{}
	for _, id := range s.state.order {
		p := s.state.patients[id]
		if f.Search != "" {
			hay := strings.ToLower(p.FirstName + "\x00" + p.LastName + "\x00" + p.Identifier)
			if !strings.Contains(hay, strings.ToLower(f.Search)) {
				continue
			}
		}
		if f.Identifier != "" && p.Identifier != f.Identifier {
			continue
		}
		if f.LastName != "" && !strings.EqualFold(p.LastName, f.LastName) {
			continue
		}
		if f.BirthDate != "" && (p.DateOfBirth == nil || p.DateOfBirth.Format(time.DateOnly) != f.BirthDate) {
			continue
		}
		out = append(out, p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) FetchByIDs(_ context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	if err := s.check("fetch_by_ids"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.fetch(ids), nil
}

func (s *memStore) CountRelations(_ context.Context, rel RelationType, patientID uuid.UUID) (int64, error) {
	if err := s.check("count"); err != nil {
		return 0, err
	}
	return s.countOwned(rel, patientID), nil
}

func (s *memStore) Begin(ctx context.Context, ids []uuid.UUID) (Tx, error) {
	release, err := acquireIntent(ctx, s.intents, ids, s.lock)
	if err != nil {
		return nil, err
	}
	if err := s.check("begin"); err != nil {
		release()
		return nil, err
	}
	return &memTx{store: s, state: s.snapshot(), release: release}, nil
}

type memTx struct {
	store   *memStore
	state   memState
	release func()
	done    bool
}

func (t *memTx) FetchByIDs(_ context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	if err := t.store.check("tx_fetch"); err != nil {
		return nil, err
	}
	return t.state.fetch(ids), nil
}

func (t *memTx) ReassignOwner(_ context.Context, rel RelationType, from, to uuid.UUID) (int64, error) {
	if err := t.store.check("reassign:" + string(rel)); err != nil {
		return 0, err
	}
	var n int64
	for id, owner := range t.state.relations[rel] {
		if owner == from {
			t.state.relations[rel][id] = to
			n++
		}
	}
	return n, nil
}

func (t *memTx) Update(_ context.Context, p PatientRecord) error {
	if err := t.store.check("update"); err != nil {
		return err
	}
	if _, ok := t.state.patients[p.ID]; !ok {
		return fmt.Errorf("update %s: not found", p.ID)
	}
	t.state.patients[p.ID] = p
	return nil
}

func (t *memTx) Delete(_ context.Context, id uuid.UUID) error {
	if err := t.store.check("delete"); err != nil {
		return err
	}
	if _, ok := t.state.patients[id]; !ok {
		return fmt.Errorf("delete %s: not found", id)
	}
	for _, rows := range t.state.relations {
		for _, owner := range rows {
			if owner == id {
				return fmt.Errorf("delete %s: still referenced", id)
			}
		}
	}
	delete(t.state.patients, id)
	for i, o := range t.state.order {
		if o == id {
			t.state.order = append(t.state.order[:i], t.state.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *memTx) Commit(context.Context) error {
	defer t.release()
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	if err := t.store.check("commit"); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	defer t.release()
	t.done = true
	return nil
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu         sync.Mutex
	detections []DetectionStats
	detectErrs []error
	merges     []*MergeSummary
	mergeErrs  []error
}

func (o *recordingObserver) DetectionCompleted(stats DetectionStats, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detections = append(o.detections, stats)
	o.detectErrs = append(o.detectErrs, err)
}

func (o *recordingObserver) MergeCompleted(summary *MergeSummary, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.merges = append(o.merges, summary)
	o.mergeErrs = append(o.mergeErrs, err)
}

func dob(s string) *time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &t
}

// orderedIDs returns n fresh ids in ascending byte order.
func orderedIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	sortIDs(ids)
	return ids
}
