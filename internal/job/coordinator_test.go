package job_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/weather-station-images/internal/job"
	"github.com/i474232898/weather-station-images/internal/store"
	"github.com/i474232898/weather-station-images/internal/weather"
)

// recordingPublisher captures published task bodies and can fail on demand.
type recordingPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	failAt int // 1-based publish call that fails; 0 never fails
}

func (p *recordingPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	if p.failAt > 0 && len(p.bodies)+1 == p.failAt {
		return errors.New("broker unavailable")
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *recordingPublisher) tasks(t *testing.T) []job.TaskMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]job.TaskMessage, 0, len(p.bodies))
	for _, b := range p.bodies {
		m, err := job.DecodeTask(b)
		if err != nil {
			t.Fatalf("decode task: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type staticSource struct {
	records []weather.Record
	err     error
}

func (s staticSource) FetchAndParse(context.Context) ([]weather.Record, error) {
	return s.records, s.err
}

type recordingArchiver struct {
	archived chan job.Job
}

func (a *recordingArchiver) Archive(_ context.Context, j job.Job) error {
	a.archived <- j
	return nil
}

func stations(n int) []weather.Record {
	out := make([]weather.Record, n)
	for i := range out {
		out[i] = weather.Record{StationName: fmt.Sprintf("station-%d", i), Temperature: float64(i)}
	}
	return out
}

func newCoordinator(pub job.Publisher, src weather.Source, cfg job.Config) *job.Coordinator {
	return job.NewCoordinator(store.NewMemoryStore(), pub, src, zerolog.Nop(), cfg)
}

func report(jobID string, urls ...string) job.CompletionReport {
	return job.CompletionReport{JobID: jobID, ImageURLs: urls, CompletedImages: 1}
}

func TestCreateJobFansOutOneTaskPerRecord(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(pub, nil, job.Config{})

	id, err := c.CreateJob(context.Background(), stations(5))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	tasks := pub.tasks(t)
	if len(tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.JobID != id || task.TotalImages != 5 {
			t.Fatalf("task %d has job=%s total=%d", i, task.JobID, task.TotalImages)
		}
		if task.ImageIndex != i || task.WeatherData.StationName != fmt.Sprintf("station-%d", i) {
			t.Fatalf("task %d carries wrong record: %+v", i, task)
		}
	}

	j, err := c.GetStatus(id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if j.TotalImages != 5 || j.CompletedImages != 0 || j.IsComplete() || len(j.ImageURLs) != 0 {
		t.Fatalf("unexpected new job %+v", j)
	}
	if j.CreatedAt.IsZero() || !j.CreatedAt.Equal(j.LastUpdated) {
		t.Fatalf("timestamps not initialised: %+v", j)
	}
}

func TestTwoStationScenario(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(pub, nil, job.Config{})
	ctx := context.Background()

	id, err := c.CreateJob(ctx, []weather.Record{{StationName: "stationA"}, {StationName: "stationB"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if n := len(pub.tasks(t)); n != 2 {
		t.Fatalf("expected 2 task messages, got %d", n)
	}

	if err := c.ReportCompletion(ctx, report(id, "urlA")); err != nil {
		t.Fatalf("first report: %v", err)
	}
	j, _ := c.GetStatus(id)
	if j.Progress() != "1/2" || j.IsComplete() || j.PercentLabel() != "50.0%" || j.State() != job.StatePending {
		t.Fatalf("after first report: progress=%s complete=%v percent=%s", j.Progress(), j.IsComplete(), j.PercentLabel())
	}

	if err := c.ReportCompletion(ctx, report(id, "urlB")); err != nil {
		t.Fatalf("second report: %v", err)
	}
	j, _ = c.GetStatus(id)
	if j.Progress() != "2/2" || !j.IsComplete() || j.PercentLabel() != "100.0%" || j.State() != job.StateCompleted {
		t.Fatalf("after second report: progress=%s complete=%v percent=%s", j.Progress(), j.IsComplete(), j.PercentLabel())
	}
	if len(j.ImageURLs) != 2 || j.ImageURLs[0] != "urlA" || j.ImageURLs[1] != "urlB" {
		t.Fatalf("unexpected urls %v", j.ImageURLs)
	}
}

func TestCreateJobWithNoRecordsFails(t *testing.T) {
	pub := &recordingPublisher{}
	memStore := store.NewMemoryStore()
	c := job.NewCoordinator(memStore, pub, nil, zerolog.Nop(), job.Config{})

	id, err := c.CreateJob(context.Background(), nil)
	if !errors.Is(err, job.ErrEmptyWork) {
		t.Fatalf("expected ErrEmptyWork, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected no job id, got %q", id)
	}
	if memStore.Len() != 0 || len(pub.tasks(t)) != 0 {
		t.Fatal("empty work must not create a job or publish tasks")
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	if _, err := c.GetStatus("nope"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestReportForUnknownJobIsDiscarded(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	err := c.ReportCompletion(context.Background(), report("ghost", "url"))
	if !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := c.GetStatus("ghost"); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatal("a report must never create a job")
	}
}

func TestDuplicateReportOvercounts(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	ctx := context.Background()
	id, _ := c.CreateJob(ctx, stations(2))

	dup := report(id, "urlA")
	_ = c.ReportCompletion(ctx, dup)
	_ = c.ReportCompletion(ctx, dup)

	j, _ := c.GetStatus(id)
	if j.CompletedImages != 2 {
		t.Fatalf("replayed report should count twice, got %d", j.CompletedImages)
	}
	if !j.IsComplete() {
		t.Fatal("overcounted job reports complete")
	}

	_ = c.ReportCompletion(ctx, dup)
	j, _ = c.GetStatus(id)
	if j.CompletedImages != 3 || j.Progress() != "3/2" || len(j.ImageURLs) != 3 {
		t.Fatalf("late duplicate: %+v", j)
	}
}

func TestCompletedImagesMonotonicAndCompletionSticky(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	ctx := context.Background()
	id, _ := c.CreateJob(ctx, stations(3))

	prev := 0
	wasComplete := false
	for i := 0; i < 6; i++ {
		_ = c.ReportCompletion(ctx, report(id, fmt.Sprintf("url-%d", i)))
		// A zero increment must not regress anything either.
		_ = c.ReportCompletion(ctx, job.CompletionReport{JobID: id})

		j, _ := c.GetStatus(id)
		if j.CompletedImages < prev {
			t.Fatalf("completed images decreased: %d -> %d", prev, j.CompletedImages)
		}
		if wasComplete && !j.IsComplete() {
			t.Fatal("job un-completed")
		}
		prev = j.CompletedImages
		wasComplete = j.IsComplete()
	}
	if !wasComplete {
		t.Fatal("job never completed")
	}
}

func TestNegativeIncrementRejected(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	ctx := context.Background()
	id, _ := c.CreateJob(ctx, stations(1))

	err := c.ReportCompletion(ctx, job.CompletionReport{JobID: id, CompletedImages: -1})
	if !errors.Is(err, job.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
	j, _ := c.GetStatus(id)
	if j.CompletedImages != 0 {
		t.Fatalf("rejected report changed state: %+v", j)
	}
}

func TestConcurrentReportsLoseNoUpdates(t *testing.T) {
	const m = 200
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	ctx := context.Background()
	id, err := c.CreateJob(ctx, stations(m))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.ReportCompletion(ctx, report(id, fmt.Sprintf("url-%d", i))); err != nil {
				t.Errorf("report %d: %v", i, err)
			}
		}()
		// Readers race with writers; every snapshot must be self-consistent.
		go func() {
			j, err := c.GetStatus(id)
			if err != nil {
				t.Errorf("get status: %v", err)
				return
			}
			if len(j.ImageURLs) != j.CompletedImages {
				t.Errorf("torn read: %d urls for %d completed", len(j.ImageURLs), j.CompletedImages)
			}
		}()
	}
	wg.Wait()

	j, _ := c.GetStatus(id)
	if j.CompletedImages != m || len(j.ImageURLs) != m || !j.IsComplete() {
		t.Fatalf("lost updates: completed=%d urls=%d complete=%v", j.CompletedImages, len(j.ImageURLs), j.IsComplete())
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{})
	ctx := context.Background()
	id, _ := c.CreateJob(ctx, stations(2))
	_ = c.ReportCompletion(ctx, report(id, "urlA"))

	snap, _ := c.GetStatus(id)
	snap.ImageURLs[0] = "tampered"
	snap.CompletedImages = 99

	j, _ := c.GetStatus(id)
	if j.ImageURLs[0] != "urlA" || j.CompletedImages != 1 {
		t.Fatalf("snapshot mutation leaked into store: %+v", j)
	}
}

func TestFanOutFailureRollsBackJob(t *testing.T) {
	pub := &recordingPublisher{failAt: 3}
	memStore := store.NewMemoryStore()
	c := job.NewCoordinator(memStore, pub, nil, zerolog.Nop(), job.Config{})

	_, err := c.CreateJob(context.Background(), stations(4))
	if err == nil {
		t.Fatal("expected publish failure")
	}
	if memStore.Len() != 0 {
		t.Fatalf("job should be rolled back, store has %d jobs", memStore.Len())
	}

	// Reports for tasks that already went out are discarded.
	id := pub.tasks(t)[0].JobID
	if err := c.ReportCompletion(context.Background(), report(id, "url")); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStartJobPropagatesSourceErrors(t *testing.T) {
	pub := &recordingPublisher{}
	src := staticSource{err: fmt.Errorf("%w: timeout", weather.ErrSourceUnavailable)}
	c := newCoordinator(pub, src, job.Config{})

	if _, err := c.StartJob(context.Background()); !errors.Is(err, weather.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if len(pub.tasks(t)) != 0 {
		t.Fatal("no tasks may be published when the source fails")
	}

	c = newCoordinator(pub, staticSource{records: []weather.Record{}}, job.Config{})
	if _, err := c.StartJob(context.Background()); !errors.Is(err, job.ErrEmptyWork) {
		t.Fatalf("expected ErrEmptyWork for an empty feed, got %v", err)
	}
}

func TestStartJobCreatesJobFromSource(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(pub, staticSource{records: stations(3)}, job.Config{})

	id, err := c.StartJob(context.Background())
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	j, err := c.GetStatus(id)
	if err != nil || j.TotalImages != 3 {
		t.Fatalf("unexpected job %+v err=%v", j, err)
	}
}

func TestCompletedJobIsArchivedOnce(t *testing.T) {
	arch := &recordingArchiver{archived: make(chan job.Job, 4)}
	c := newCoordinator(&recordingPublisher{}, nil, job.Config{Archiver: arch})
	ctx := context.Background()
	id, _ := c.CreateJob(ctx, stations(1))

	_ = c.ReportCompletion(ctx, report(id, "url"))
	_ = c.ReportCompletion(ctx, report(id, "url"))

	select {
	case j := <-arch.archived:
		if j.ID != id || !j.IsComplete() {
			t.Fatalf("unexpected archived job %+v", j)
		}
	case <-time.After(time.Second):
		t.Fatal("completed job was not archived")
	}

	select {
	case j := <-arch.archived:
		t.Fatalf("job archived twice: %+v", j)
	case <-time.After(50 * time.Millisecond):
	}
}
