package planrun

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planner"
	"github.com/3leaps/gostage/pkg/planstore"
	"github.com/3leaps/gostage/pkg/refiner"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/source"
	"github.com/3leaps/gostage/pkg/sqlstore"
)

const sitesYAML = `
sites:
  - handle: siteA
    directories:
      - role: shared-scratch
        internal_mount_point: /internal/siteA
        file_servers:
          - operation: all
            url_prefix: gsiftp://a.example.org
            mount_point: /scratch/siteA
  - handle: siteB
    directories:
      - role: shared-scratch
        internal_mount_point: /internal/siteB
        file_servers:
          - operation: all
            url_prefix: gsiftp://b.example.org
            mount_point: /scratch/siteB
  - handle: out
    directories:
      - role: shared-storage
        internal_mount_point: /storage
        file_servers:
          - operation: all
            url_prefix: gsiftp://out.example.org
            mount_point: /storage
`

const workflowYAML = `
name: single
jobs:
  - id: J
    site: siteA
    inputs:
      - lfn: f2
    outputs:
      - lfn: f3
`

const catalogText = `f2 gsiftp://b.example.org/data/f2 site="siteB"
`

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testManifest(t *testing.T, wf string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	m := &manifest.Manifest{
		Version:    manifest.DefaultVersion,
		Workflow:   writeFixture(t, dir, "wf.yaml", wf),
		Sites:      writeFixture(t, dir, "sites.yaml", sitesYAML),
		Replicas:   []manifest.ReplicaSource{{Type: manifest.ReplicaFile, Path: writeFixture(t, dir, "rc.txt", catalogText)}},
		OutputSite: "out",
	}
	m.ApplyDefaults()
	return m
}

func baseSettings() Settings {
	return Settings{WorkDir: "run0001", RelativeDir: "outputs"}
}

func readRecords(t *testing.T, buf *bytes.Buffer) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	return recs
}

func countTypes(recs []output.Record) map[string]int {
	out := make(map[string]int)
	for _, r := range recs {
		out[r.Type]++
	}
	return out
}

func TestExecute_WritesNodesPlacementsAndSummary(t *testing.T) {
	ctx := context.Background()
	m := testManifest(t, workflowYAML)

	run, err := Prepare(ctx, source.NewReader(source.S3Config{}), m, baseSettings(), nil)
	require.NoError(t, err)
	defer func() { _ = run.Close() }()
	assert.Equal(t, "single", run.Name())

	var buf, cache bytes.Buffer
	w := output.NewJSONLWriter(&buf, run.ID, run.Name())

	store, err := planstore.Open(ctx, planstore.Config{Path: filepath.Join(t.TempDir(), "plan.db")})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	res, err := run.Execute(ctx, Outputs{Writer: w, Store: store, Placements: true, Cache: &cache})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, run.ID, res.RunID)
	assert.Equal(t, 1, res.Summary.Jobs)
	assert.Equal(t, 1, res.Summary.StageIn)
	assert.Equal(t, 1, res.Summary.StageOut)
	assert.Equal(t, 1, res.Summary.Registrations)
	assert.Equal(t, 3, res.Summary.Nodes)
	require.Len(t, res.Nodes, 3)

	kinds := make(map[refiner.Kind]int)
	for _, n := range res.Nodes {
		kinds[n.Kind]++
	}
	assert.Equal(t, map[refiner.Kind]int{
		refiner.KindStageIn:      1,
		refiner.KindStageOut:     1,
		refiner.KindRegistration: 1,
	}, kinds)

	recs := readRecords(t, &buf)
	types := countTypes(recs)
	assert.Equal(t, 3, types[output.TypeNode])
	assert.Equal(t, 2, types[output.TypePlacement])
	assert.Equal(t, 1, types[output.TypeSummary])
	assert.Equal(t, output.TypeSummary, recs[len(recs)-1].Type)
	for _, r := range recs {
		assert.Equal(t, run.ID, r.RunID)
	}

	cached, err := replica.ParseFile(&cache)
	require.NoError(t, err)
	rec, err := cached.Lookup(ctx, "f2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "gsiftp://a.example.org/scratch/siteA/run0001/f2", rec.Locations[0].PFN)

	stored, err := store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, planstore.StatusComplete, stored.Status)
	require.NotNil(t, stored.Summary)
	assert.Equal(t, 3, stored.Summary.Nodes)

	nodes, err := store.Nodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	placements, err := store.Placements(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, placements, 2)
}

func TestExecute_UnresolvedInput(t *testing.T) {
	ctx := context.Background()
	m := testManifest(t, strings.ReplaceAll(workflowYAML, "lfn: f2", "lfn: missing"))

	run, err := Prepare(ctx, nil, m, baseSettings(), nil)
	require.NoError(t, err)
	defer func() { _ = run.Close() }()

	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, run.ID, run.Name())

	store, err := planstore.Open(ctx, planstore.Config{Path: filepath.Join(t.TempDir(), "plan.db")})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = run.Execute(ctx, Outputs{Writer: w, Store: store})
	require.Error(t, err)
	assert.True(t, planner.IsUnresolved(err))

	recs := readRecords(t, &buf)
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	require.Equal(t, output.TypeError, last.Type)

	var er output.ErrorRecord
	raw, err := json.Marshal(last.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &er))
	assert.Equal(t, output.ErrCodeUnresolved, er.Code)
	assert.Equal(t, "J", er.Job)
	assert.Equal(t, "missing", er.LFN)

	stored, err := store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, planstore.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestExecute_Once(t *testing.T) {
	ctx := context.Background()
	run, err := Prepare(ctx, nil, testManifest(t, workflowYAML), baseSettings(), nil)
	require.NoError(t, err)
	defer func() { _ = run.Close() }()

	_, err = run.Execute(ctx, Outputs{})
	require.NoError(t, err)
	_, err = run.Execute(ctx, Outputs{})
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestPrepare_MissingSQLiteCatalogIsNotCreated(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "rc.db")

	m := testManifest(t, workflowYAML)
	m.Replicas = []manifest.ReplicaSource{{Type: manifest.ReplicaSQLite, Path: dbPath}}

	_, err := Prepare(ctx, nil, m, baseSettings(), nil)
	require.Error(t, err)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "replicas[0]", ie.Kind)
	assert.ErrorIs(t, err, sqlstore.ErrNotExist)

	_, statErr := os.Stat(dbPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrepare_InlineAndSQLiteCatalogs(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "rc.db")
	cat, err := replica.OpenSQL(ctx, sqlstore.Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, cat.Insert(ctx, "f2", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/sql/f2"}))
	require.NoError(t, cat.Close())

	m := testManifest(t, workflowYAML)
	m.Replicas = []manifest.ReplicaSource{
		{Type: manifest.ReplicaInline, Entries: []manifest.ReplicaEntry{{LFN: "f9", PFN: "gsiftp://b.example.org/inline/f9", Site: "siteB"}}},
		{Type: manifest.ReplicaSQLite, Path: dbPath},
	}

	run, err := Prepare(ctx, nil, m, baseSettings(), nil)
	require.NoError(t, err)
	defer func() { _ = run.Close() }()

	rec, err := run.Inputs.Catalog.Lookup(ctx, "f2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "gsiftp://b.example.org/sql/f2", rec.Locations[0].PFN)

	rec, err = run.Inputs.Catalog.Lookup(ctx, "f9")
	require.NoError(t, err)
	require.NotNil(t, rec)

	res, err := run.Execute(ctx, Outputs{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.StageIn)
}

func TestPrepare_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Prepare(ctx, nil, nil, Settings{}, nil)
	assert.Error(t, err)

	m := testManifest(t, workflowYAML)
	m.Workflow = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Prepare(ctx, nil, m, Settings{}, nil)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "workflow", ie.Kind)
	assert.True(t, source.IsNotFound(err))

	m = testManifest(t, workflowYAML)
	m.Replicas = []manifest.ReplicaSource{{Type: "ldap"}}
	_, err = Prepare(ctx, nil, m, Settings{}, nil)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "replicas[0]", ie.Kind)

	m = testManifest(t, workflowYAML)
	base := Settings{Policy: refiner.Policy{Preference: map[string]string{"stage-in": "sideways"}}}
	_, err = Prepare(ctx, nil, m, base, nil)
	assert.Error(t, err)
}

func TestSettings_Merge(t *testing.T) {
	deep := true
	fanout := 16
	rel := "results"
	base := Settings{
		OutputSite:   "out",
		StagingSites: map[string]string{"siteA": "siteA", "siteB": "siteS"},
		Fanout:       254,
		RelativeDir:  "outputs",
		Selector:     "default",
		Policy:       refiner.Policy{Preference: map[string]string{"stage-in": "local"}},
	}
	m := &manifest.Manifest{
		OutputSite: "archive",
		Options: manifest.Options{
			Deep:         &deep,
			Fanout:       &fanout,
			RelativeDir:  &rel,
			StagingSites: map[string]string{"siteB": "siteB"},
			Selector:     "pattern",
			Patterns:     map[string][]string{"siteA": {"gsiftp://a.*"}},
			Refiner: &manifest.RefinerOptions{
				Policy:              refiner.Policy{Preference: map[string]string{"stage-out": "remote"}},
				MaxTransfersPerNode: 10,
			},
		},
	}

	got := base.Merge(m)
	assert.Equal(t, "archive", got.OutputSite)
	assert.True(t, got.Deep)
	assert.Equal(t, 16, got.Fanout)
	assert.Equal(t, "results", got.RelativeDir)
	assert.Equal(t, map[string]string{"siteA": "siteA", "siteB": "siteB"}, got.StagingSites)
	assert.Equal(t, "pattern", got.Selector)
	assert.Equal(t, map[string]string{"stage-in": "local", "stage-out": "remote"}, got.Policy.Preference)
	assert.Equal(t, 10, got.MaxTransfersPerNode)

	// The base is left untouched.
	assert.Equal(t, "siteS", base.StagingSites["siteB"])
	assert.Len(t, base.Policy.Preference, 1)

	assert.Equal(t, base.OutputSite, base.Merge(nil).OutputSite)
}

func TestErrorRecordFor(t *testing.T) {
	rec := ErrorRecordFor(&planner.TopologyError{Job: "J", Site: "x", Err: planner.ErrMissingSite})
	assert.Equal(t, output.ErrCodeTopology, rec.Code)
	assert.Equal(t, "x", rec.Site)

	rec = ErrorRecordFor(&planner.InvalidLocatorError{Job: "J", PFN: "gsiftp://h/x.dax"})
	assert.Equal(t, output.ErrCodeInvalidLocator, rec.Code)

	rec = ErrorRecordFor(assert.AnError)
	assert.Equal(t, output.ErrCodeInternal, rec.Code)
}
