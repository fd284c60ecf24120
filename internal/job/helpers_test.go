package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/adapter"
	apperrors "github.com/gravixrdp/yt-automation/internal/errors"
	"github.com/gravixrdp/yt-automation/internal/models"
	"github.com/gravixrdp/yt-automation/internal/notify"
	"github.com/gravixrdp/yt-automation/internal/retry"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

var kolkata = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// 10:00 in Kolkata, after the first slot of the day
var testEpoch = time.Date(2026, 3, 10, 10, 0, 0, 0, kolkata)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestStore(t *testing.T, clock *testClock) *storage.Store {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.RunSQLiteMigrations(db))
	db.SetClock(clock.Now)
	db.SetLocation(kolkata)
	return storage.NewStore(db, retry.JobBackoff(2*time.Minute, 3))
}

// enqueueClaimed admits a job and claims it the way the dispatcher does
func enqueueClaimed(t *testing.T, store *storage.Store, collection string, position int, rowID int64, dest string) *models.UploadJob {
	t.Helper()
	ctx := testContext(t)
	added, err := store.Jobs.Enqueue(ctx, &models.NewJob{
		SourceCollection: collection,
		SourcePosition:   position,
		RowID:            rowID,
		CandidateAt:      testEpoch,
		DestinationID:    dest,
	})
	require.NoError(t, err)
	require.True(t, added)
	return claim(t, store, collection, rowID)
}

func claim(t *testing.T, store *storage.Store, collection string, rowID int64) *models.UploadJob {
	t.Helper()
	ctx := testContext(t)
	jobs, err := store.Jobs.List(ctx, "", 100)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.SourceCollection == collection && j.RowID == rowID {
			require.NoError(t, store.Jobs.MarkInProgress(ctx, j.ID))
			return mustGetJob(t, store, j.ID)
		}
	}
	t.Fatalf("job %s/%d not found", collection, rowID)
	return nil
}

func mustGetJob(t *testing.T, store *storage.Store, id int64) *models.UploadJob {
	t.Helper()
	j, err := store.Jobs.GetByID(testContext(t), id)
	require.NoError(t, err)
	return j
}

type rowKey struct {
	collection string
	position   int
}

// fakeSource is an in-memory candidate row store
type fakeSource struct {
	mu           sync.Mutex
	rows         map[rowKey]*models.Candidate
	notes        map[rowKey][]string
	fingerprints map[string][]string
	clearResults []clearResult // consumed one per ClearDestinationTags call
	readErr      error
}

type clearResult struct {
	n   int
	err error
}

func newFakeSource(rows ...*models.Candidate) *fakeSource {
	s := &fakeSource{
		rows:         make(map[rowKey]*models.Candidate),
		notes:        make(map[rowKey][]string),
		fingerprints: make(map[string][]string),
	}
	for _, r := range rows {
		if r.Status == "" {
			r.Status = models.RowReadyToUpload
		}
		s.rows[rowKey{r.Collection, r.Position}] = r
	}
	return s
}

func (s *fakeSource) ReadReadyCandidates(context.Context) ([]*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	var out []*models.Candidate
	for _, r := range s.rows {
		if r.Status == models.RowReadyToUpload {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeSource) ReadOne(_ context.Context, collection string, position int) (*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey{collection, position}]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *fakeSource) UpdateStatus(_ context.Context, collection string, position int, status string, fields *models.RowUpdate, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey{collection, position}]
	if !ok {
		return fmt.Errorf("candidate %s/%d: %w", collection, position, storage.ErrNotFound)
	}
	if expected != "" && r.Status != expected {
		return apperrors.NewConflictError(expected, r.Status)
	}
	r.Status = status
	if fields != nil {
		if fields.UploadAttempts != nil {
			r.UploadAttempts = *fields.UploadAttempts
		}
		if fields.ManualFlag != "" {
			r.ManualFlag = fields.ManualFlag
		}
		if fields.Notes != "" {
			r.Notes = fields.Notes
		}
	}
	return nil
}

func (s *fakeSource) AppendNote(_ context.Context, collection string, position int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey{collection, position}
	s.notes[k] = append(s.notes[k], text)
	return nil
}

func (s *fakeSource) UploadedFingerprints(_ context.Context, dest string, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprints[dest], nil
}

func (s *fakeSource) ClearDestinationTags(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clearResults) == 0 {
		return 0, nil
	}
	res := s.clearResults[0]
	s.clearResults = s.clearResults[1:]
	return res.n, res.err
}

func (s *fakeSource) row(collection string, position int) models.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[rowKey{collection, position}]
}

func (s *fakeSource) notesFor(collection string, position int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notes[rowKey{collection, position}]...)
}

// fakeDirectory is an in-memory destination directory
type fakeDirectory struct {
	mu           sync.Mutex
	mappings     map[string]string
	destinations map[string]*models.Destination
	disableErrs  []error
	removed      []string
}

func (d *fakeDirectory) Mappings(context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.mappings))
	for k, v := range d.mappings {
		out[k] = v
	}
	return out, nil
}

func (d *fakeDirectory) Destination(_ context.Context, id string) (*models.Destination, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dest, ok := d.destinations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *dest
	return &c, nil
}

func (d *fakeDirectory) DisableMappings(_ context.Context, dest string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.disableErrs) > 0 {
		err := d.disableErrs[0]
		d.disableErrs = d.disableErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	n := 0
	for k, v := range d.mappings {
		if v == dest {
			delete(d.mappings, k)
			n++
		}
	}
	return n, nil
}

func (d *fakeDirectory) RemoveDestination(_ context.Context, dest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, dest)
	delete(d.destinations, dest)
	return nil
}

// fakeMedia pretends to download and transform files
type fakeMedia struct {
	mu          sync.Mutex
	fingerprint string
	acquireErr  error
	check       *adapter.MediaCheck
	acquired    int
	discarded   []string
}

func (m *fakeMedia) Acquire(context.Context, string) (*adapter.AcquiredMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	return &adapter.AcquiredMedia{Path: fmt.Sprintf("/tmp/src-%d.mp4", m.acquired), Fingerprint: m.fingerprint, Method: "full"}, nil
}

func (m *fakeMedia) Transform(_ context.Context, path, _, _ string) (string, error) {
	return path + ".upload.mp4", nil
}

func (m *fakeMedia) Validate(context.Context, string, string) (*adapter.MediaCheck, error) {
	if m.check != nil {
		return m.check, nil
	}
	return &adapter.MediaCheck{Valid: true, Duration: 30 * time.Second, Width: 1080, Height: 1920}, nil
}

func (m *fakeMedia) Discard(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, paths...)
}

// scriptedUploader returns queued results, then succeeds
type scriptedUploader struct {
	mu       sync.Mutex
	platform string
	results  []*adapter.UploadResult
	calls    []*adapter.UploadRequest
	barrier  *barrier
}

func (u *scriptedUploader) Platform() string { return u.platform }

func (u *scriptedUploader) Upload(_ context.Context, req *adapter.UploadRequest) (*adapter.UploadResult, error) {
	if u.barrier != nil {
		u.barrier.wait()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, req)
	if len(u.results) > 0 {
		res := u.results[0]
		u.results = u.results[1:]
		return res, nil
	}
	return &adapter.UploadResult{Success: true, UploadedURL: fmt.Sprintf("https://youtu.be/v%d", len(u.calls))}, nil
}

func (u *scriptedUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

// barrier holds callers until n have arrived or the timeout passes
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	release chan struct{}
	timeout time.Duration
}

func newBarrier(n int, timeout time.Duration) *barrier {
	return &barrier{n: n, release: make(chan struct{}), timeout: timeout}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-time.After(b.timeout):
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*notify.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a *notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

var errBoom = errors.New("boom")
