package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/structureflow/internal/confidence"
	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/loader"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
	"github.com/Lllllllleong/structureflow/internal/recognition"
	"github.com/Lllllllleong/structureflow/internal/store"
	"github.com/Lllllllleong/structureflow/internal/store/memstore"
	"github.com/Lllllllleong/structureflow/internal/versioning"
)

// Crops are identified by their width so fakes can script per-crop behavior.
func crop(width int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, width, 4))
}

type fakeLoader struct {
	pages []loader.Page
	err   error
	calls int
}

func (l *fakeLoader) Load(_ context.Context, _ string) ([]loader.Page, error) {
	l.calls++
	return l.pages, l.err
}

func pages(n int) []loader.Page {
	out := make([]loader.Page, n)
	for i := range out {
		out[i] = loader.Page{Number: i + 1, Image: image.NewRGBA(image.Rect(0, 0, 100, 100))}
	}
	return out
}

// fakeSegmenter is called once per page in order; call N gets cropsByPage[N].
type fakeSegmenter struct {
	cropsByPage map[int][]image.Image
	errByPage   map[int]error
	page        int
	mu          sync.Mutex
}

func (s *fakeSegmenter) Segment(_ context.Context, _ image.Image) ([]image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page++
	if err := s.errByPage[s.page]; err != nil {
		return nil, err
	}
	return s.cropsByPage[s.page], nil
}

type fakePredictor struct {
	byWidth map[int]*recognition.Prediction
	errs    map[int]error
}

func (p *fakePredictor) Predict(_ context.Context, c image.Image) (*recognition.Prediction, error) {
	w := c.Bounds().Dx()
	if err := p.errs[w]; err != nil {
		return nil, err
	}
	return p.byWidth[w], nil
}

func prediction(value string, conf float64) *recognition.Prediction {
	return &recognition.Prediction{Value: value, Tokens: []confidence.TokenConfidence{
		{Token: value, Confidence: conf},
		{Token: value, Confidence: conf},
	}}
}

type fakeCrops struct {
	mu      sync.Mutex
	objects []string
	err     error
}

func (c *fakeCrops) Put(_ context.Context, object, _ string, _ []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.objects = append(c.objects, object)
	return "gs://crops/" + object, nil
}

func writePDF(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"+body), 0o644))
	return path
}

type fixture struct {
	store     *memstore.Store
	loader    *fakeLoader
	segmenter *fakeSegmenter
	predictor *fakePredictor
	crops     *fakeCrops
}

// newFixture scripts two pages: page 1 has crops of width 10 and 11, page 2
// one crop of width 12. Every crop predicts "CCO" at 0.7.
func newFixture() *fixture {
	return &fixture{
		store:  memstore.New(),
		loader: &fakeLoader{pages: pages(2)},
		segmenter: &fakeSegmenter{cropsByPage: map[int][]image.Image{
			1: {crop(10), crop(11)},
			2: {crop(12)},
		}},
		predictor: &fakePredictor{byWidth: map[int]*recognition.Prediction{
			10: prediction("CCO", 0.7),
			11: prediction("CCO", 0.7),
			12: prediction("CCO", 0.7),
		}},
		crops: &fakeCrops{},
	}
}

func (f *fixture) pipeline(t *testing.T, registry *hooks.Registry, mutate ...func(*StructurePipelineConfig)) *StructurePipeline {
	t.Helper()
	cfg := DefaultStructurePipelineConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewStructurePipeline(cfg, StructurePipelineDeps{
		Store:     f.store,
		Loader:    f.loader,
		Segmenter: f.segmenter,
		Predictor: f.predictor,
		Hooks:     registry,
		Crops:     f.crops,
	})
	require.NoError(t, err)
	return p
}

func registryWith(t *testing.T, point string, hs ...hooks.Hook) *hooks.Registry {
	t.Helper()
	r, err := hooks.NewBuilder().Add(hooks.Module{Name: "test", Points: []string{point}, Hooks: hs}).Build()
	require.NoError(t, err)
	return r
}

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "one")
	p := f.pipeline(t, nil)

	resp, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path, Title: "Batch 7"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	assert.Equal(t, 0, resp.RunID)
	require.Len(t, resp.Results, 3)

	for i, r := range resp.Results {
		assert.Equal(t, models.ResultID(resp.DocumentID, 0, i), r.ID)
		assert.Equal(t, i, r.Seq)
		require.Len(t, r.History, 2)
		assert.Equal(t, models.StepSegmentation, r.History[0].Step)
		assert.Equal(t, models.StatusSuccess, r.History[0].Status)
		assert.Equal(t, models.StepPrediction, r.History[1].Step)
		assert.Equal(t, models.StatusSuccess, r.History[1].Status)
		require.NotNil(t, r.PredictedValue)
		assert.Equal(t, "CCO", *r.PredictedValue)
		require.NotNil(t, r.Confidence)
		assert.InDelta(t, 0.70, *r.Confidence, 1e-9)
		assert.NotEmpty(t, r.SegmentedImage)
	}
	assert.Equal(t, 1, resp.Results[0].Page)
	assert.Equal(t, 2, resp.Results[2].Page)

	doc, err := f.store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, doc.RunStatus)
	assert.Equal(t, "Batch 7", doc.Title)
	assert.True(t, doc.LeaseExpiresAt.IsZero())

	stored, err := f.store.RunResults(context.Background(), doc.ID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Equal(t, "gs://crops/crops/"+doc.ID+"/0/0000.png", stored[0].ImageURI)
	assert.Len(t, f.crops.objects, 3)
}

func TestProcess_NoPredictionStillPersisted(t *testing.T) {
	f := newFixture()
	f.predictor.byWidth[11] = nil
	f.predictor.errs = map[int]error{12: errors.New("model timeout")}
	path := writePDF(t, "two")

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, models.StatusSuccess, resp.Results[0].History[1].Status)
	for _, r := range resp.Results[1:] {
		assert.Equal(t, models.StatusFailed, r.History[1].Status)
		assert.Nil(t, r.PredictedValue)
		assert.Nil(t, r.Confidence)
	}
	require.NotNil(t, resp.Results[2].History[1].Details)
	assert.Contains(t, *resp.Results[2].History[1].Details, "model timeout")

	_, batches := f.store.Writes()
	assert.Equal(t, 1, batches)
}

func TestProcess_LowConfidence(t *testing.T) {
	f := newFixture()
	f.predictor.byWidth[10] = prediction("C1CC1", 0.3)
	path := writePDF(t, "low")

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.StatusLowConfidence, resp.Results[0].History[1].Status)
	assert.InDelta(t, 0.30, *resp.Results[0].Confidence, 1e-9)
	assert.Equal(t, models.StatusSuccess, resp.Results[1].History[1].Status)
}

func TestProcess_UnchangedShortCircuits(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "same")
	p := f.pipeline(t, nil)
	ctx := context.Background()

	first, err := p.Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	docWrites, batches := f.store.Writes()

	second, err := p.Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeShortCircuited, second.Status)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.RunID, second.RunID)
	require.Len(t, second.Results, len(first.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].ID, second.Results[i].ID)
	}

	d2, b2 := f.store.Writes()
	assert.Equal(t, docWrites, d2)
	assert.Equal(t, batches, b2)
	assert.Equal(t, 1, f.loader.calls)
}

func TestProcess_ChangedContentStartsNewRun(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "v1")
	p := f.pipeline(t, nil)
	ctx := context.Background()

	first, err := p.Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\nv2"), 0o644))
	f.segmenter.page = 0
	second, err := p.Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, second.Status)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.RunID+1, second.RunID)

	old, err := f.store.RunResults(ctx, first.DocumentID, first.RunID)
	require.NoError(t, err)
	assert.Len(t, old, 3)
}

func TestProcess_FailingHookDoesNotBlockPersistence(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "hook")
	failing := hooks.HookFunc{HookName: "explode", Fn: func(_ context.Context, b *hooks.Batch) error {
		b.Document.AddTag("should-not-stick")
		return errors.New("registry down")
	}}
	p := f.pipeline(t, registryWith(t, hooks.PointStructureSearch, failing))

	resp, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	assert.Len(t, resp.Results, 3)

	doc, err := f.store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, doc.Tags)
	assert.Equal(t, models.RunStatusCompleted, doc.RunStatus)
}

func TestProcess_SearchHookChangesArePersisted(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "search")
	tagger := hooks.HookFunc{HookName: "match", Fn: func(_ context.Context, b *hooks.Batch) error {
		b.Document.AddRegistryMoleculeID("MOL-1")
		b.Results[0].SetRegistryMatch("MOL-1", "ethanol")
		b.Results[0].AddHistory(models.StepRegistrySearch, models.StatusSuccess, "Found molecule ethanol with ID: MOL-1")
		return nil
	}}
	p := f.pipeline(t, registryWith(t, hooks.PointStructureSearch, tagger))

	resp, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	require.Len(t, resp.Results[0].History, 3)

	doc, err := f.store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"MOL-1"}, doc.RegistryMoleculeIDs)

	stored, err := f.store.RunResults(context.Background(), doc.ID, doc.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored[0].RegistryMoleculeID)
	assert.Equal(t, "MOL-1", *stored[0].RegistryMoleculeID)
}

func TestProcess_PostHookTagsAreCommitted(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "post")
	tagger := hooks.HookFunc{HookName: "tag", Fn: func(_ context.Context, b *hooks.Batch) error {
		b.Document.AddTag("oncology")
		return nil
	}}
	p := f.pipeline(t, registryWith(t, hooks.PointStructurePost, tagger))

	_, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)

	doc, err := f.store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"oncology"}, doc.Tags)
}

func TestProcess_PersistFailurePolicies(t *testing.T) {
	for _, tc := range []struct {
		policy   string
		postRuns bool
	}{
		{PersistBestEffort, true},
		{PersistFailFast, false},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			f := newFixture()
			f.store.ResultsErr = errors.New("disk full")
			path := writePDF(t, "persist-"+tc.policy)

			ran := false
			post := hooks.HookFunc{HookName: "notify", Fn: func(_ context.Context, _ *hooks.Batch) error {
				ran = true
				return nil
			}}
			p := f.pipeline(t, registryWith(t, hooks.PointStructurePost, post), func(c *StructurePipelineConfig) {
				c.PersistFailurePolicy = tc.policy
			})

			resp, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
			require.NoError(t, err)
			assert.Equal(t, models.OutcomePersistFailed, resp.Status)
			assert.Len(t, resp.Results, 3)
			assert.Equal(t, tc.postRuns, ran)

			doc, err := f.store.GetDocumentByPath(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusFailed, doc.RunStatus)
			assert.Contains(t, doc.RunError, "disk full")
		})
	}
}

func TestProcess_RejectedInputsPersistNothing(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("plain text, not a pdf"), 0o644))

	for name, location := range map[string]string{
		"unsupported": text,
		"missing":     filepath.Join(dir, "nope.pdf"),
		"directory":   dir,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: location})
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeAborted, resp.Status)
			assert.NotEmpty(t, resp.Reason)
			assert.NotNil(t, resp.Results)
			assert.Empty(t, resp.Results)

			docs, batches := f.store.Writes()
			assert.Zero(t, docs)
			assert.Zero(t, batches)
			assert.Zero(t, f.loader.calls)
		})
	}
}

func TestProcess_GCSLocationWithoutFetcher(t *testing.T) {
	f := newFixture()
	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: "gs://uploads/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAborted, resp.Status)
}

type fakeFetcher struct{ src string }

func (f fakeFetcher) Fetch(_ context.Context, _ string, dir string) (string, error) {
	data, err := os.ReadFile(f.src)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "fetched.pdf")
	return dest, os.WriteFile(dest, data, 0o644)
}

func TestProcess_FetchesGCSLocation(t *testing.T) {
	f := newFixture()
	src := writePDF(t, "remote")
	p, err := NewStructurePipeline(DefaultStructurePipelineConfig(), StructurePipelineDeps{
		Store:     f.store,
		Loader:    f.loader,
		Segmenter: f.segmenter,
		Predictor: f.predictor,
		Fetcher:   fakeFetcher{src: src},
	})
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), &models.StructurePredictionRequest{FileLocation: "gs://uploads/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)

	doc, err := f.store.GetDocumentByPath(context.Background(), "gs://uploads/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, resp.DocumentID, doc.ID)
}

func TestProcess_LoaderFailureMarksDocumentFailed(t *testing.T) {
	f := newFixture()
	f.loader.err = fmt.Errorf("corrupt xref")
	path := writePDF(t, "broken")

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAborted, resp.Status)
	assert.Contains(t, resp.Reason, "corrupt xref")

	doc, err := f.store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, doc.RunStatus)
	_, batches := f.store.Writes()
	assert.Zero(t, batches)

	// A failed run of the same content is retried under the same run id.
	f.loader.err = nil
	resp, err = f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	assert.Equal(t, doc.RunID, resp.RunID)
}

func TestProcess_SegmentationFailures(t *testing.T) {
	t.Run("one page", func(t *testing.T) {
		f := newFixture()
		f.segmenter.errByPage = map[int]error{1: errors.New("sidecar 503")}
		path := writePDF(t, "seg-one")

		resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeCompleted, resp.Status)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, 2, resp.Results[0].Page)
		assert.Equal(t, 0, resp.Results[0].Seq)
	})

	t.Run("every page", func(t *testing.T) {
		f := newFixture()
		f.segmenter.errByPage = map[int]error{1: errors.New("sidecar 503"), 2: errors.New("sidecar 503")}
		path := writePDF(t, "seg-all")

		resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAborted, resp.Status)

		doc, err := f.store.GetDocumentByPath(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, doc.RunStatus)
	})
}

func TestProcess_InProgressLease(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "busy")
	hash, err := calculateFileHash(path)
	require.NoError(t, err)

	other := versioning.NewResolver(f.store)
	claimed, err := other.Resolve(context.Background(), &models.Document{FilePath: path, ContentHash: hash})
	require.NoError(t, err)
	require.Equal(t, versioning.New, claimed.Outcome)

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInProgress, resp.Status)
	assert.Equal(t, claimed.Document.ID, resp.DocumentID)
	assert.Zero(t, f.loader.calls)
}

func TestProcess_ExpiredLeaseIsTakenOver(t *testing.T) {
	f := newFixture()
	path := writePDF(t, "stale")
	hash, err := calculateFileHash(path)
	require.NoError(t, err)

	past := func() time.Time { return time.Now().Add(-time.Hour) }
	stale := versioning.NewResolver(f.store, versioning.WithClock(past), versioning.WithLeaseTTL(time.Minute))
	claimed, err := stale.Resolve(context.Background(), &models.Document{FilePath: path, ContentHash: hash})
	require.NoError(t, err)

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	assert.Equal(t, claimed.Document.RunID, resp.RunID)
}

// flakyStore fails the listed (1-based) document updates.
type flakyStore struct {
	*memstore.Store
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (s *flakyStore) UpdateDocumentByPath(ctx context.Context, filePath string, mutate store.MutateFunc) (*models.Document, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failOn[s.calls]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("write timed out")
	}
	return s.Store.UpdateDocumentByPath(ctx, filePath, mutate)
}

func TestProcess_RerunAfterFailedCommitDoesNotDuplicateResults(t *testing.T) {
	for name, tc := range map[string]struct {
		failOn  map[int]bool
		later   time.Duration
		outcome string
	}{
		// Commit fails, the failure is recorded, and the next request retries.
		"retry": {failOn: map[int]bool{2: true}},
		// Commit and the failure record both fail, as if the worker died;
		// the next request takes over once the lease has expired.
		"takeover": {failOn: map[int]bool{2: true, 3: true}, later: time.Hour},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			fs := &flakyStore{Store: f.store, failOn: tc.failOn}
			path := writePDF(t, "flaky-"+name)
			ctx := context.Background()

			at := time.Now().UTC()
			build := func() *StructurePipeline {
				p, err := NewStructurePipeline(DefaultStructurePipelineConfig(), StructurePipelineDeps{
					Store:     fs,
					Loader:    f.loader,
					Segmenter: f.segmenter,
					Predictor: f.predictor,
					Clock:     func() time.Time { return at },
				})
				require.NoError(t, err)
				return p
			}

			first, err := build().Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
			require.NoError(t, err)
			assert.Equal(t, models.OutcomePersistFailed, first.Status)

			at = at.Add(tc.later)
			f.segmenter.page = 0
			second, err := build().Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
			require.NoError(t, err)
			require.Equal(t, models.OutcomeCompleted, second.Status)
			assert.Equal(t, first.RunID, second.RunID)

			third, err := build().Process(ctx, &models.StructurePredictionRequest{FileLocation: path})
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeShortCircuited, third.Status)
			require.Len(t, third.Results, 3)
			for i, r := range third.Results {
				assert.Equal(t, i, r.Seq)
				assert.Equal(t, second.Results[i].ID, r.ID)
			}

			stored, err := f.store.RunResults(ctx, second.DocumentID, second.RunID)
			require.NoError(t, err)
			assert.Len(t, stored, 3)
		})
	}
}

func TestProcess_ResolveErrorIsReturned(t *testing.T) {
	f := newFixture()
	f.store.UpdateErr = errors.New("unavailable")
	path := writePDF(t, "outage")

	_, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipelineerr.ErrPersistence)
}

func TestProcess_CropUploadFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.crops.err = errors.New("bucket gone")
	path := writePDF(t, "crops")

	resp, err := f.pipeline(t, nil).Process(context.Background(), &models.StructurePredictionRequest{FileLocation: path})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, resp.Status)
	assert.Empty(t, resp.Results[0].ImageURI)
}

func TestNewStructurePipeline_Validation(t *testing.T) {
	f := newFixture()
	_, err := NewStructurePipeline(DefaultStructurePipelineConfig(), StructurePipelineDeps{})
	assert.ErrorIs(t, err, pipelineerr.ErrConfiguration)

	cfg := DefaultStructurePipelineConfig()
	cfg.PersistFailurePolicy = "sometimes"
	_, err = NewStructurePipeline(cfg, StructurePipelineDeps{Store: f.store, Loader: f.loader, Segmenter: f.segmenter, Predictor: f.predictor})
	assert.ErrorIs(t, err, pipelineerr.ErrConfiguration)

	cfg = DefaultStructurePipelineConfig()
	cfg.ConfidenceStrategy = "median"
	_, err = NewStructurePipeline(cfg, StructurePipelineDeps{Store: f.store, Loader: f.loader, Segmenter: f.segmenter, Predictor: f.predictor})
	assert.ErrorIs(t, err, pipelineerr.ErrConfiguration)
}
