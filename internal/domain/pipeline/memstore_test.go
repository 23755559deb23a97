package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/domain/acceptance"
	"github.com/lims/lims/internal/domain/report"
	"github.com/lims/lims/internal/domain/workflow"
)

// -- In-memory state store --

var errDiskFull = errors.New("could not extend file: no space left on device")

type memStore struct {
	mu     sync.Mutex
	states map[uuid.UUID]*State
	seq    int64

	// failure injection, consumed one call at a time
	failTransitions int
	failCreates     int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[uuid.UUID]*State)}
}

func (m *memStore) Create(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreates > 0 {
		m.failCreates--
		return errDiskFull
	}
	for _, st := range m.states {
		if st.ItemID == s.ItemID && IsActiveStatus(st.Status) {
			return fmt.Errorf("item %s: %w", s.ItemID, errConcurrentUpdate)
		}
	}
	m.seq++
	s.ID = uuid.New()
	s.Seq = m.seq
	s.Version = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	m.states[s.ID] = s.clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return st.clone(), nil
}

func (m *memStore) sorted(filter func(*State) bool) []*State {
	var out []*State
	for _, st := range m.states {
		if filter(st) {
			out = append(out, st.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *memStore) Latest(_ context.Context, itemID uuid.UUID) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sorted(func(s *State) bool { return s.ItemID == itemID })
	if len(rows) == 0 {
		return nil, pgx.ErrNoRows
	}
	return rows[len(rows)-1], nil
}

func (m *memStore) HasAny(_ context.Context, itemID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st.ItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListByItem(_ context.Context, itemID uuid.UUID) ([]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s *State) bool { return s.ItemID == itemID }), nil
}

func (m *memStore) Transition(_ context.Context, s *State, fromStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransitions > 0 {
		m.failTransitions--
		return fmt.Errorf("state %s: %w", s.ID, errConcurrentUpdate)
	}
	stored, ok := m.states[s.ID]
	if !ok || stored.Status != fromStatus || stored.Version != s.Version {
		return fmt.Errorf("state %s: %w", s.ID, errConcurrentUpdate)
	}
	s.Version++
	s.UpdatedAt = time.Now()
	m.states[s.ID] = s.clone()
	return nil
}

func (m *memStore) Worklist(_ context.Context, sectionID uuid.UUID, limit, offset int) ([]*State, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sorted(func(s *State) bool { return s.SectionID == sectionID && IsActiveStatus(s.Status) })
	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

func (m *memStore) snapshot() (map[uuid.UUID]*State, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[uuid.UUID]*State, len(m.states))
	for id, st := range m.states {
		cp[id] = st.clone()
	}
	return cp, m.seq
}

func (m *memStore) restore(states map[uuid.UUID]*State, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = states
	m.seq = seq
}

func (m *memStore) all() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(*State) bool { return true })
}

// memTx runs one transaction at a time and rolls the state store back when
// fn fails.
type memTx struct {
	mu    sync.Mutex
	store *memStore
	runs  int
}

type memTxKey struct{}

func (t *memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	states, seq := t.store.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		t.store.restore(states, seq)
		return err
	}
	return nil
}

// -- In-memory item registry --

type memItems struct {
	mu          sync.Mutex
	acceptances map[uuid.UUID]*acceptance.Acceptance
	items       map[uuid.UUID]*acceptance.Item
	order       []uuid.UUID
	samples     map[uuid.UUID]*acceptance.Sample
	active      map[uuid.UUID]uuid.UUID
}

func newMemItems() *memItems {
	return &memItems{
		acceptances: make(map[uuid.UUID]*acceptance.Acceptance),
		items:       make(map[uuid.UUID]*acceptance.Item),
		samples:     make(map[uuid.UUID]*acceptance.Sample),
		active:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *memItems) addAcceptance(status string) *acceptance.Acceptance {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &acceptance.Acceptance{ID: uuid.New(), Status: status}
	m.acceptances[a.ID] = a
	return a
}

func (m *memItems) addItem(acceptanceID, methodID uuid.UUID) *acceptance.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := &acceptance.Item{ID: uuid.New(), AcceptanceID: acceptanceID, MethodID: methodID}
	m.items[item.ID] = item
	m.order = append(m.order, item.ID)
	return item
}

func (m *memItems) addSample(barcode string) *acceptance.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &acceptance.Sample{ID: uuid.New(), Barcode: barcode}
	m.samples[s.ID] = s
	return s
}

func (m *memItems) link(itemID, sampleID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[itemID] = sampleID
}

func (m *memItems) unlink(itemID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, itemID)
}

func (m *memItems) setStatus(acceptanceID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptances[acceptanceID].Status = status
}

func (m *memItems) GetItem(_ context.Context, id uuid.UUID) (*acceptance.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *item
	return &cp, nil
}

func (m *memItems) GetAcceptance(_ context.Context, id uuid.UUID) (*acceptance.Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acceptances[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memItems) ListItems(_ context.Context, acceptanceID uuid.UUID) ([]*acceptance.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*acceptance.Item
	for _, id := range m.order {
		if item := m.items[id]; item.AcceptanceID == acceptanceID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memItems) LockItem(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return pgx.ErrNoRows
	}
	return nil
}

func (m *memItems) SampleByBarcode(_ context.Context, barcode string) (*acceptance.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.samples {
		if s.Barcode == barcode {
			return s, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memItems) ActiveSample(_ context.Context, itemID uuid.UUID) (*acceptance.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.active[itemID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return m.samples[sid], nil
}

func (m *memItems) ActiveItemsForSample(_ context.Context, sampleID uuid.UUID) ([]*acceptance.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*acceptance.Item
	for _, id := range m.order {
		if m.active[id] == sampleID {
			cp := *m.items[id]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Workflows, authorization, reports, notifications --

type memWorkflows struct {
	steps map[uuid.UUID][]workflow.Step
	errs  map[uuid.UUID]error
}

func (m *memWorkflows) StepsForMethod(_ context.Context, methodID uuid.UUID) ([]workflow.Step, error) {
	if err, ok := m.errs[methodID]; ok {
		return nil, err
	}
	steps, ok := m.steps[methodID]
	if !ok {
		return nil, workflow.ErrMethodNotFound
	}
	return steps, nil
}

// sectionGrants allows an actor in the listed sections; an actor absent
// from the map may act everywhere.
type sectionGrants map[string][]uuid.UUID

func (g sectionGrants) CanActInSection(_ context.Context, actor string, _, sectionID uuid.UUID) (bool, error) {
	if actor == "" {
		return false, nil
	}
	allowed, restricted := g[actor]
	if !restricted {
		return true, nil
	}
	for _, id := range allowed {
		if id == sectionID {
			return true, nil
		}
	}
	return false, nil
}

type memReports struct {
	mu     sync.Mutex
	active map[uuid.UUID]*report.Report
}

func (m *memReports) ActiveForItem(_ context.Context, itemID uuid.UUID) (*report.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[itemID], nil
}

func (m *memReports) set(itemID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[itemID] = &report.Report{ID: uuid.New(), AcceptanceItemID: itemID, Status: status, Active: true}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ExitEvent
}

func (n *recordingNotifier) ItemExited(_ context.Context, ev ExitEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

// -- Fixture --

type fixture struct {
	store     *memStore
	tx        *memTx
	items     *memItems
	workflows *memWorkflows
	grants    sectionGrants
	reports   *memReports
	notifier  *recordingNotifier
	engine    *Engine
	eval      *Evaluator

	reception, extraction, analysis uuid.UUID
	method                          uuid.UUID
	acceptance                      *acceptance.Acceptance
	item                            *acceptance.Item
	sample                          *acceptance.Sample
}

// newFixture builds the Reception(0) -> Extraction(1) -> Analysis(2)
// workflow with one item whose active sample has barcode S-1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	fx := &fixture{
		store:      store,
		tx:         &memTx{store: store},
		items:      newMemItems(),
		grants:     sectionGrants{},
		reports:    &memReports{active: make(map[uuid.UUID]*report.Report)},
		notifier:   &recordingNotifier{},
		reception:  uuid.New(),
		extraction: uuid.New(),
		analysis:   uuid.New(),
		method:     uuid.New(),
	}
	fx.workflows = &memWorkflows{
		steps: map[uuid.UUID][]workflow.Step{
			fx.method: {
				{SectionID: fx.reception, SectionName: "Reception", Order: 0},
				{SectionID: fx.extraction, SectionName: "Extraction", Order: 1},
				{SectionID: fx.analysis, SectionName: "Analysis", Order: 2},
			},
		},
		errs: make(map[uuid.UUID]error),
	}
	fx.engine = NewEngine(store, fx.items, fx.workflows, fx.grants, fx.tx,
		WithNotifier(fx.notifier),
		WithRetry(3, time.Millisecond))
	fx.eval = NewEvaluator(store, fx.items, fx.reports, 4)

	fx.acceptance = fx.items.addAcceptance(acceptance.StatusProcessing)
	fx.item = fx.items.addItem(fx.acceptance.ID, fx.method)
	fx.sample = fx.items.addSample("S-1")
	fx.items.link(fx.item.ID, fx.sample.ID)
	return fx
}

func (fx *fixture) enter(t *testing.T, itemID uuid.UUID) uuid.UUID {
	t.Helper()
	id, err := fx.engine.EnterPipeline(context.Background(), itemID)
	if err != nil {
		t.Fatalf("enter pipeline: %v", err)
	}
	return id
}

func (fx *fixture) scan(t *testing.T, barcode string, sectionID uuid.UUID, actor string) *ScanResult {
	t.Helper()
	res, err := fx.engine.EnterSection(context.Background(), barcode, sectionID, actor)
	if err != nil {
		t.Fatalf("scan %s at %s: %v", barcode, sectionID, err)
	}
	return res
}

func (fx *fixture) complete(t *testing.T, stateID uuid.UUID, params map[string]interface{}) *CompleteResult {
	t.Helper()
	res, err := fx.engine.CompleteSection(context.Background(), stateID, "tech-1", params)
	if err != nil {
		t.Fatalf("complete %s: %v", stateID, err)
	}
	return res
}

// advanceTo runs the fixture item from entry until it is PROCESSING at
// the given order and returns that row's id.
func (fx *fixture) advanceTo(t *testing.T, order int) uuid.UUID {
	t.Helper()
	sections := []uuid.UUID{fx.reception, fx.extraction, fx.analysis}
	id := fx.enter(t, fx.item.ID)
	for i := 0; ; i++ {
		res := fx.scan(t, "S-1", sections[i], "tech-1")
		id = res.Started[0].ID
		if i == order {
			return id
		}
		fx.complete(t, id, nil)
	}
}

func (fx *fixture) history(t *testing.T, itemID uuid.UUID) []*State {
	t.Helper()
	rows, err := fx.store.ListByItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return rows
}

// assertInvariants checks every item holds at most one active row and
// that orders only decrease on the row created by a rejection.
func assertInvariants(t *testing.T, store *memStore) {
	t.Helper()
	byItem := map[uuid.UUID][]*State{}
	for _, st := range store.all() {
		byItem[st.ItemID] = append(byItem[st.ItemID], st)
	}
	for itemID, rows := range byItem {
		active := 0
		for i, st := range rows {
			if IsActiveStatus(st.Status) {
				active++
				if i != len(rows)-1 {
					t.Errorf("item %s: active row %d is not the latest", itemID, i)
				}
			}
			if i == 0 {
				continue
			}
			prev := rows[i-1]
			switch prev.Status {
			case StatusRejected:
				if st.Order >= prev.Order {
					t.Errorf("item %s: rework row order %d not below rejected order %d", itemID, st.Order, prev.Order)
				}
			case StatusFinished:
				if st.Order <= prev.Order {
					t.Errorf("item %s: row order %d not above finished order %d", itemID, st.Order, prev.Order)
				}
			default:
				t.Errorf("item %s: row %d follows an open row (%s)", itemID, i, prev.Status)
			}
		}
		if active > 1 {
			t.Errorf("item %s has %d active rows", itemID, active)
		}
	}
}
