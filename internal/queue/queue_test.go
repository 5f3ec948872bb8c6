package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/pkg/build"
	"github.com/OFFIS-RIT/chatkg/pkg/checkpoint"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/extract"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/leaselock"

	"github.com/rabbitmq/amqp091-go"
)

type published struct {
	queue string
	msg   amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{queue: key, msg: msg})
	return nil
}

type fakeAcker struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

type fakeDeclarer struct {
	declared map[string]amqp091.Table
}

func (d *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	if d.declared == nil {
		d.declared = map[string]amqp091.Table{}
	}
	d.declared[name] = args
	return amqp091.Queue{Name: name}, nil
}

func delivery(t *testing.T, acker *fakeAcker, job any, headers amqp091.Table) amqp091.Delivery {
	t.Helper()
	var body []byte
	switch v := job.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
	}
	return amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body, Headers: headers}
}

func TestSetupQueues(t *testing.T) {
	d := &fakeDeclarer{}
	if err := SetupQueues(d, BuildQueue); err != nil {
		t.Fatalf("SetupQueues() error = %v", err)
	}
	for _, name := range []string{BuildQueue, BuildQueue + "_dlq", BuildQueue + "_retry"} {
		if _, ok := d.declared[name]; !ok {
			t.Errorf("queue %s not declared", name)
		}
	}
	retry := d.declared[BuildQueue+"_retry"]
	if retry["x-dead-letter-routing-key"] != BuildQueue {
		t.Errorf("retry queue dead-letters to %v, want %s", retry["x-dead-letter-routing-key"], BuildQueue)
	}
	if retry["x-message-ttl"] != retryTTL {
		t.Errorf("retry ttl = %v, want %v", retry["x-message-ttl"], retryTTL)
	}
}

func TestPublishBuild(t *testing.T) {
	pub := &fakePublisher{}
	job, err := NewBuildJob("project_v1", ResumeLatest, "")
	if err != nil {
		t.Fatal(err)
	}
	if job.JobID == "" {
		t.Fatal("job id is empty")
	}
	if err := PublishBuild(context.Background(), pub, job); err != nil {
		t.Fatalf("PublishBuild() error = %v", err)
	}
	if len(pub.sent) != 1 || pub.sent[0].queue != BuildQueue {
		t.Fatalf("published = %+v", pub.sent)
	}
	var got BuildJob
	if err := json.Unmarshal(pub.sent[0].msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got != job {
		t.Fatalf("round trip = %+v, want %+v", got, job)
	}
	if pub.sent[0].msg.DeliveryMode != amqp091.Persistent {
		t.Error("build jobs must be persistent")
	}
}

func TestWorker_HandleDelivery(t *testing.T) {
	job := BuildJob{JobID: "j1", Project: "project_v1"}
	failure := errors.New("model down")

	tests := []struct {
		name       string
		body       any
		headers    amqp091.Table
		processErr error
		wantQueue  string
		wantRetry  int
	}{
		{name: "success acks", body: job},
		{name: "first failure retries", body: job, processErr: failure, wantQueue: BuildQueue + "_retry", wantRetry: 1},
		{name: "retry count increments", body: job, headers: amqp091.Table{"x-retries": int32(4)}, processErr: failure, wantQueue: BuildQueue + "_retry", wantRetry: 5},
		{name: "int64 header is read", body: job, headers: amqp091.Table{"x-retries": int64(9)}, processErr: failure, wantQueue: BuildQueue + "_retry", wantRetry: 10},
		{name: "exhausted goes to dlq", body: job, headers: amqp091.Table{"x-retries": int32(10)}, processErr: failure, wantQueue: BuildQueue + "_dlq"},
		{name: "invalid body goes to dlq", body: []byte("{not json"), wantQueue: BuildQueue + "_dlq"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			acker := &fakeAcker{}
			var got []BuildJob
			w := &Worker{Pub: pub, Process: func(ctx context.Context, j BuildJob) error {
				got = append(got, j)
				return tt.processErr
			}}

			w.HandleDelivery(context.Background(), delivery(t, acker, tt.body, tt.headers))

			if acker.acks != 1 || acker.nacks != 0 {
				t.Fatalf("acks = %d, nacks = %d, want one ack", acker.acks, acker.nacks)
			}
			if tt.wantQueue == "" {
				if len(pub.sent) != 0 {
					t.Fatalf("republished on success: %+v", pub.sent)
				}
				if len(got) != 1 || got[0] != job {
					t.Fatalf("processed %+v, want %+v", got, job)
				}
				return
			}
			if len(pub.sent) != 1 || pub.sent[0].queue != tt.wantQueue {
				t.Fatalf("published = %+v, want one message on %s", pub.sent, tt.wantQueue)
			}
			if tt.wantRetry > 0 {
				if r := Retries(pub.sent[0].msg.Headers); r != tt.wantRetry {
					t.Fatalf("x-retries = %d, want %d", r, tt.wantRetry)
				}
			}
		})
	}
}

func TestWorker_RepublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	acker := &fakeAcker{}
	w := &Worker{Pub: pub, Process: func(ctx context.Context, j BuildJob) error {
		return errors.New("boom")
	}}

	w.HandleDelivery(context.Background(), delivery(t, acker, BuildJob{JobID: "j"}, nil))

	if acker.acks != 0 || acker.nacks != 1 || !acker.requeued {
		t.Fatalf("acks = %d, nacks = %d, requeued = %v", acker.acks, acker.nacks, acker.requeued)
	}
}

// lineExtractor turns each line x into the triple (x, next, x').
type lineExtractor struct{}

func (lineExtractor) Extract(ctx context.Context, lines []string) ([]common.TripleSet, extract.Report, error) {
	var sets []common.TripleSet
	for _, line := range lines {
		sets = append(sets, common.TripleSet{
			Sentence: line,
			Triples:  []common.Triple{{Subject: line, Relation: "next", Object: line + "'", Sentence: line}},
		})
	}
	return sets, extract.Report{Lines: len(lines), Batches: 1, Triples: len(sets)}, nil
}

func buildConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "corpus.txt")
	if err := os.WriteFile(corpusPath, []byte(strings.Join([]string{"甲", "乙", "丙"}, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.Config{
		Build: config.Build{
			DataDir:      filepath.Join(dir, "data"),
			Project:      "project_v1",
			Corpus:       corpusPath,
			MaxIteration: 10,
			Threshold:    0.1,
			RoundLines:   1,
			EdgePolicy:   "accumulate",
		},
		Serve: config.Serve{GraphData: filepath.Join(dir, "server", "data.json")},
	}
}

func TestRunBuild_ConvergesAndPublishes(t *testing.T) {
	cfg := buildConfig(t)
	deps := Deps{Config: cfg, Extractor: lineExtractor{}}

	res, err := RunBuild(context.Background(), deps, BuildJob{JobID: "job1"})
	if err != nil {
		t.Fatalf("RunBuild() error = %v", err)
	}
	if res.State != build.StateConverged.String() {
		t.Fatalf("state = %s, want converged", res.State)
	}
	// seed takes 甲, rounds take 乙 and 丙, the next round finds nothing
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
	if len(res.Ratios) != 2 {
		t.Fatalf("ratios = %v, want 2 entries", res.Ratios)
	}
	if res.DataFile != cfg.Serve.GraphData {
		t.Fatalf("data file = %q", res.DataFile)
	}

	store, err := graph.ReadStore(cfg.Serve.GraphData)
	if err != nil {
		t.Fatalf("ReadStore() error = %v", err)
	}
	if len(store.Nodes) != 6 || len(store.Links) != 3 || len(store.Sents) != 3 {
		t.Fatalf("store = %d nodes, %d links, %d sents", len(store.Nodes), len(store.Links), len(store.Sents))
	}
	if _, err := os.Stat(filepath.Join(cfg.Build.DataDir, "project_v1", lockFile)); !os.IsNotExist(err) {
		t.Fatal("project lease left behind")
	}
}

func TestRunBuild_ResumeLatest(t *testing.T) {
	cfg := buildConfig(t)
	deps := Deps{Config: cfg, Extractor: lineExtractor{}}

	if _, err := RunBuild(context.Background(), deps, BuildJob{JobID: "first"}); err != nil {
		t.Fatal(err)
	}
	res, err := RunBuild(context.Background(), deps, BuildJob{JobID: "second", Resume: ResumeLatest})
	if err != nil {
		t.Fatalf("resumed RunBuild() error = %v", err)
	}
	if res.Version != 2 || res.State != build.StateConverged.String() {
		t.Fatalf("resumed = version %d state %s", res.Version, res.State)
	}
}

// flakyExtractor reports the model as unavailable for line fail until
// recovered is set, and counts how often each line was extracted.
type flakyExtractor struct {
	fail      string
	recovered bool
	calls     map[string]int
}

func (f *flakyExtractor) Extract(ctx context.Context, lines []string) ([]common.TripleSet, extract.Report, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	for _, line := range lines {
		f.calls[line]++
		if line == f.fail && !f.recovered {
			return nil, extract.Report{}, extract.ErrExtractionUnavailable
		}
	}
	return lineExtractor{}.Extract(ctx, lines)
}

func TestRunBuild_RetriedSeedJobContinuesItsRun(t *testing.T) {
	cfg := buildConfig(t)
	ex := &flakyExtractor{fail: "乙"}
	deps := Deps{Config: cfg, Extractor: ex}
	job := BuildJob{JobID: "job-retry"}

	res, err := RunBuild(context.Background(), deps, job)
	if !errors.Is(err, extract.ErrExtractionUnavailable) {
		t.Fatalf("first attempt error = %v, want ErrExtractionUnavailable", err)
	}
	if res.Version != 0 {
		t.Fatalf("first attempt version = %d, want 0", res.Version)
	}

	ex.recovered = true
	res, err = RunBuild(context.Background(), deps, job)
	if err != nil {
		t.Fatalf("retried RunBuild() error = %v", err)
	}
	if res.Version != 2 || res.State != build.StateConverged.String() {
		t.Fatalf("retried = version %d state %s", res.Version, res.State)
	}
	if ex.calls["甲"] != 1 {
		t.Fatalf("seed line extracted %d times, want 1", ex.calls["甲"])
	}

	// a different seed job starts a new lineage
	if _, err := RunBuild(context.Background(), deps, BuildJob{JobID: "job-new"}); err != nil {
		t.Fatal(err)
	}
	if ex.calls["甲"] != 2 {
		t.Fatalf("seed line extracted %d times, want 2", ex.calls["甲"])
	}
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) PutFile(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memObjects) GetFile(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memObjects) ListFilesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestRunBuild_ResumeLatestRestoresFromMirror(t *testing.T) {
	objects := &memObjects{}
	mirror := &checkpoint.S3Mirror{Store: objects, Prefix: "chatkg/project_v1"}

	first := buildConfig(t)
	if _, err := RunBuild(context.Background(), Deps{Config: first, Extractor: lineExtractor{}, Mirror: mirror}, BuildJob{JobID: "first"}); err != nil {
		t.Fatal(err)
	}

	// same corpus, empty local data dir
	second := first
	second.Build.DataDir = filepath.Join(t.TempDir(), "data")
	second.Serve.GraphData = filepath.Join(t.TempDir(), "data.json")
	res, err := RunBuild(context.Background(), Deps{Config: second, Extractor: lineExtractor{}, Mirror: mirror}, BuildJob{JobID: "second", Resume: ResumeLatest})
	if err != nil {
		t.Fatalf("RunBuild() error = %v", err)
	}
	if res.Version != 2 || res.State != build.StateConverged.String() {
		t.Fatalf("restored = version %d state %s", res.Version, res.State)
	}
	if _, err := os.Stat(filepath.Join(second.Build.DataDir, "project_v1", "iteration_v2", checkpoint.StateFile)); err != nil {
		t.Fatalf("restored version missing locally: %v", err)
	}
	store, err := graph.ReadStore(second.Serve.GraphData)
	if err != nil {
		t.Fatal(err)
	}
	if len(store.Nodes) != 6 || len(store.Links) != 3 || len(store.Sents) != 3 {
		t.Fatalf("store = %d nodes, %d links, %d sents", len(store.Nodes), len(store.Links), len(store.Sents))
	}
}

func TestRunBuild_BusyProject(t *testing.T) {
	cfg := buildConfig(t)
	locks := leaselock.New(leaselock.NewFileBackend())
	key := filepath.Join(cfg.Build.DataDir, cfg.Build.Project, lockFile)

	lease, err := locks.Acquire(context.Background(), key, leaselock.Options{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(context.Background())

	_, err = RunBuild(context.Background(), Deps{Config: cfg, Extractor: lineExtractor{}, Locks: locks}, BuildJob{JobID: "busy"})
	if !errors.Is(err, leaselock.ErrBusy) {
		t.Fatalf("RunBuild() error = %v, want ErrBusy", err)
	}
}

func TestRunBuild_InvalidProject(t *testing.T) {
	cfg := buildConfig(t)
	for _, project := range []string{"../escape", "a/b", ".."} {
		if _, err := RunBuild(context.Background(), Deps{Config: cfg, Extractor: lineExtractor{}}, BuildJob{Project: project}); err == nil {
			t.Errorf("RunBuild(project %q) succeeded", project)
		}
	}
}
