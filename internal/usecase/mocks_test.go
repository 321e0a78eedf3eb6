//go:build !integration

package usecase

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"storybook-orchestrator/internal/domain"
	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/adapter"
	"storybook-orchestrator/internal/domain/ports/repository"
)

// memJobRepo is a small in-memory implementation used by unit tests.
type memJobRepo struct {
	mu      sync.RWMutex
	store   map[string]*model.Job
	saveErr error // simulate persistence failures
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{store: make(map[string]*model.Job)}
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	cp.Events = append([]model.JobEvent(nil), j.Events...)
	cp.Logs = append([]model.JobLogLine(nil), j.Logs...)
	cp.Assets = append([]model.AssetRef(nil), j.Assets...)
	return &cp
}

func (m *memJobRepo) Save(ctx context.Context, _ repository.Tx, job *model.Job) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[job.ID] = cloneJob(job)
	return nil
}

func (m *memJobRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *memJobRepo) List(ctx context.Context, _ repository.Tx, offset, limit int) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0, len(m.store))
	for _, j := range m.store {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

type memRunRepo struct {
	mu       sync.RWMutex
	store    map[string]*model.AutomationRun
	subjects map[string]string // name -> id
	saveErr  error
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{store: make(map[string]*model.AutomationRun), subjects: make(map[string]string)}
}

func cloneRun(r *model.AutomationRun) *model.AutomationRun {
	cp := *r
	cp.InputAssets = append([]model.AssetRef(nil), r.InputAssets...)
	return &cp
}

func (m *memRunRepo) Save(ctx context.Context, _ repository.Tx, run *model.AutomationRun) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[run.ID] = cloneRun(run)
	return nil
}

func (m *memRunRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.AutomationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *memRunRepo) EnsureSubject(ctx context.Context, _ repository.Tx, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.subjects[name]; ok {
		return id, nil
	}
	id := "subject-" + name
	m.subjects[name] = id
	return id, nil
}

type noTx struct{}

type mockTxManager struct{}

func (m *mockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, noTx{})
}

// mockScheduler records Arm/Cancel calls.
type mockScheduler struct {
	mu       sync.Mutex
	armed    []string
	canceled []string
}

func (m *mockScheduler) Arm(jobID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = append(m.armed, jobID)
}

func (m *mockScheduler) Cancel(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, jobID)
}

func (m *mockScheduler) armCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.armed {
		if id == jobID {
			n++
		}
	}
	return n
}

func (m *mockScheduler) cancelCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.canceled {
		if id == jobID {
			n++
		}
	}
	return n
}

// mockLocker grants every lock unless busy is set.
type mockLocker struct {
	mu   sync.Mutex
	busy bool
	held []string
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return "", domain.ErrLockBusy
	}
	m.held = append(m.held, key)
	return "tok", nil
}

func (m *mockLocker) Unlock(ctx context.Context, key, token string) error { return nil }

// mockBus records published events and feeds subscribers.
type mockBus struct {
	mu     sync.Mutex
	events []Event
	subCh  chan Event
}

func newMockBus() *mockBus {
	return &mockBus{subCh: make(chan Event, 64)}
}

func (m *mockBus) Publish(topic string, data any) {
	m.mu.Lock()
	m.events = append(m.events, Event{Topic: topic, At: time.Now(), Data: data})
	m.mu.Unlock()
	select {
	case m.subCh <- Event{Topic: topic, At: time.Now(), Data: data}:
	default:
	}
}

func (m *mockBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	return m.subCh, func() {}
}

func (m *mockBus) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Topic
	}
	return out
}

// mockProvider scripts submit/status/output behavior.
type mockProvider struct {
	mu          sync.Mutex
	submitIDs   []string // consumed in order
	submitErr   error
	submits     []adapter.SubmitRequest
	statusResp  *adapter.StatusPayload
	statusErr   error
	outputs     map[string][]byte // url -> body
	cancelCalls []string
}

func newMockProvider() *mockProvider {
	return &mockProvider{outputs: make(map[string][]byte)}
}

func (m *mockProvider) Submit(ctx context.Context, req adapter.SubmitRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, req)
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if len(m.submitIDs) == 0 {
		return "prov-1", nil
	}
	id := m.submitIDs[0]
	m.submitIDs = m.submitIDs[1:]
	return id, nil
}

func (m *mockProvider) GetStatus(ctx context.Context, jobType model.JobType, providerJobID string) (*adapter.StatusPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.statusResp, nil
}

func (m *mockProvider) Cancel(ctx context.Context, jobType model.JobType, providerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls = append(m.cancelCalls, providerJobID)
	return nil
}

func (m *mockProvider) FetchOutput(ctx context.Context, url string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.outputs[url]
	if !ok {
		body = []byte("png-bytes")
	}
	return io.NopCloser(bytes.NewReader(body)), "image/png", nil
}

// mockStorage keeps uploads in a map.
type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	upErr   error
}

func newMockStorage() *mockStorage {
	return &mockStorage{objects: make(map[string][]byte)}
}

func (m *mockStorage) Upload(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if m.upErr != nil {
		return "", m.upErr
	}
	b, _ := io.ReadAll(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return "https://cdn.example.com/" + key, nil
}

func (m *mockStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *mockStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// mockEvaluator scripts verdicts and rankings.
type mockEvaluator struct {
	verdict *adapter.Verdict
	evalErr error
	rank    *adapter.RankResult
	rankErr error
}

func (m *mockEvaluator) Evaluate(ctx context.Context, imageURL string) (*adapter.Verdict, error) {
	if m.evalErr != nil {
		return nil, m.evalErr
	}
	if m.verdict != nil {
		return m.verdict, nil
	}
	return &adapter.Verdict{Accepted: true, Score: 95}, nil
}

func (m *mockEvaluator) Rank(ctx context.Context, imageURLs []string, prompt, subject string) (*adapter.RankResult, error) {
	if m.rankErr != nil {
		return nil, m.rankErr
	}
	if m.rank != nil {
		return m.rank, nil
	}
	return &adapter.RankResult{WinnerIndex: 0, Scores: make([]float64, len(imageURLs))}, nil
}

type mockNotifier struct {
	mu   sync.Mutex
	runs []*model.AutomationRun
}

func (m *mockNotifier) NotifyRunFinished(ctx context.Context, run *model.AutomationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}
