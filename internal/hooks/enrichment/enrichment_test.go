package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/refregistry"
)

type fakeRegistry struct {
	molecules map[string]refregistry.Molecule
	assocs    map[string][]refregistry.Association
	targets   map[string]refregistry.Target
	failOn    string
}

func (f *fakeRegistry) FindMolecule(_ context.Context, s string) (*refregistry.Molecule, error) {
	if s == f.failOn {
		return nil, errors.New("timeout")
	}
	m, ok := f.molecules[s]
	if !ok {
		return nil, refregistry.ErrNotFound
	}
	return &m, nil
}

func (f *fakeRegistry) HorizonAssociations(_ context.Context, id string) ([]refregistry.Association, error) {
	if id == f.failOn {
		return nil, errors.New("timeout")
	}
	return f.assocs[id], nil
}

func (f *fakeRegistry) HorizonTarget(_ context.Context, id string) (*refregistry.Target, error) {
	t, ok := f.targets[id]
	if !ok {
		return nil, refregistry.ErrNotFound
	}
	return &t, nil
}

func result(value *string) *models.PredictionResult {
	r := &models.PredictionResult{DocumentID: "doc-1", Page: 1}
	r.AddHistory(models.StepSegmentation, models.StatusSuccess, "")
	if value != nil {
		r.SetPrediction(*value, 0.9)
	}
	return r
}

func ptr(s string) *string { return &s }

func TestRegistrySearch(t *testing.T) {
	reg := &fakeRegistry{
		molecules: map[string]refregistry.Molecule{"CCO": {ID: "m-1", Name: "ethanol"}},
		failOn:    "BAD",
	}
	b := &hooks.Batch{
		Document: &models.Document{ID: "doc-1"},
		Results:  []*models.PredictionResult{result(ptr("CCO")), result(ptr("N#N")), result(nil), result(ptr("BAD")), result(ptr("CCO"))},
	}

	require.NoError(t, NewRegistrySearch(reg).Apply(context.Background(), b))

	matched := b.Results[0]
	require.NotNil(t, matched.RegistryMoleculeID)
	assert.Equal(t, "m-1", *matched.RegistryMoleculeID)
	assert.Equal(t, "ethanol", *matched.RegistryMoleculeName)
	last := matched.History[len(matched.History)-1]
	assert.Equal(t, models.StepRegistrySearch, last.Step)
	assert.Equal(t, models.StatusSuccess, last.Status)

	notFound := b.Results[1]
	assert.Nil(t, notFound.RegistryMoleculeID)
	assert.Equal(t, models.StatusFailed, notFound.History[len(notFound.History)-1].Status)

	assert.Len(t, b.Results[2].History, 1)
	assert.Equal(t, models.StatusFailed, b.Results[3].History[len(b.Results[3].History)-1].Status)

	assert.Equal(t, []string{"m-1"}, b.Document.RegistryMoleculeIDs)
	assert.Equal(t, []string{"ethanol"}, b.Document.MoleculeTags)
}

func TestHorizonTagging(t *testing.T) {
	reg := &fakeRegistry{
		assocs: map[string][]refregistry.Association{
			"m-1": {{ID: "a-1", NodeName: "InhA"}, {ID: "a-2", NodeName: "KatG"}},
		},
		targets: map[string]refregistry.Target{"a-1": {Name: "Mtb"}},
		failOn:  "m-2",
	}
	b := &hooks.Batch{Document: &models.Document{ID: "doc-1", Tags: []string{"existing"}, RegistryMoleculeIDs: []string{"m-2", "m-1"}}}

	require.NoError(t, NewHorizonTagging(reg).Apply(context.Background(), b))
	assert.Equal(t, []string{"existing", "InhA", "Mtb", "KatG"}, b.Document.Tags)
}

func TestCatalog_BuildsDefaultManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"m-9","name":"aspirin"}]`))
	}))
	defer srv.Close()

	reg, err := hooks.DefaultManifest().Build(Catalog(refregistry.NewClient(srv.URL)))
	require.NoError(t, err)
	assert.Equal(t, []string{"registry_search/registry-search"}, reg.Bound(hooks.PointStructureSearch))
	assert.Equal(t, []string{"b_horizon_tagging/horizon-tagging"}, reg.Bound(hooks.PointStructurePost))

	out, report := reg.Execute(context.Background(), hooks.PointStructureSearch, hooks.Batch{
		Document: &models.Document{ID: "doc-1"},
		Results:  []*models.PredictionResult{result(ptr("CC(=O)O"))},
	})
	assert.Zero(t, report.Failed())
	assert.Equal(t, []string{"m-9"}, out.Document.RegistryMoleculeIDs)
}
