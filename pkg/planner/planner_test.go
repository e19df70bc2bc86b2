package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/workflow"
)

type batchCall struct {
	Kind        TransferKind
	Job         string
	Batch       []*workflow.FileTransfer
	RunsLocally bool
	Deleted     bool
}

type fakeRefiner struct {
	calls []batchCall
	done  int

	prefer      bool
	preferLocal bool
	remote      map[string]bool
}

func (r *fakeRefiner) AddStageIn(job *workflow.Job, local, remote []*workflow.FileTransfer) error {
	if len(local) > 0 {
		r.calls = append(r.calls, batchCall{Kind: StageIn, Job: job.ID, Batch: local, RunsLocally: true})
	}
	if len(remote) > 0 {
		r.calls = append(r.calls, batchCall{Kind: StageIn, Job: job.ID, Batch: remote})
	}
	return nil
}

func (r *fakeRefiner) AddInterSite(job *workflow.Job, batch []*workflow.FileTransfer, runsLocally bool) error {
	r.calls = append(r.calls, batchCall{Kind: InterSite, Job: job.ID, Batch: batch, RunsLocally: runsLocally})
	return nil
}

func (r *fakeRefiner) AddStageOut(job *workflow.Job, batch []*workflow.FileTransfer, _ replica.Catalog, runsLocally, deleted bool) error {
	r.calls = append(r.calls, batchCall{Kind: StageOut, Job: job.ID, Batch: batch, RunsLocally: runsLocally, Deleted: deleted})
	return nil
}

func (r *fakeRefiner) Done(context.Context) error {
	r.done++
	return nil
}

func (r *fakeRefiner) PreferenceForTransferLocation(TransferKind) bool { return r.prefer }

func (r *fakeRefiner) PreferLocalTransfers(TransferKind) bool { return r.preferLocal }

func (r *fakeRefiner) RunTransferRemotely(handle string, kind TransferKind) bool {
	return r.remote[handle+"/"+string(kind)]
}

func (r *fakeRefiner) only(t *testing.T, kind TransferKind) []batchCall {
	t.Helper()
	var out []batchCall
	for _, c := range r.calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func scratchSite(handle, host string) *site.Site {
	return &site.Site{
		Handle: handle,
		Directories: []site.Directory{{
			Role:               site.RoleSharedScratch,
			InternalMountPoint: "/internal/" + handle,
			Servers: []site.FileServer{
				{Operation: site.OpAll, URLPrefix: "gsiftp://" + host, MountPoint: "/scratch/" + handle},
			},
		}},
	}
}

func testSites() *site.Store {
	out := &site.Site{
		Handle: "out",
		Directories: []site.Directory{{
			Role: site.RoleSharedStorage,
			Servers: []site.FileServer{
				{Operation: site.OpAll, URLPrefix: "gsiftp://out.example.org", MountPoint: "/storage"},
			},
		}},
	}
	local := &site.Site{
		Handle: site.LocalHandle,
		Directories: []site.Directory{{
			Role:               site.RoleSharedScratch,
			InternalMountPoint: "/submit",
			Servers: []site.FileServer{
				{Operation: site.OpAll, URLPrefix: "file://", MountPoint: "/submit"},
			},
		}},
	}
	return site.NewStore(
		[]*site.Site{scratchSite("siteA", "a.example.org"), scratchSite("siteB", "b.example.org"), out, local},
		site.WithWorkDirectory("run0001"),
		site.WithStorageAddOn("outputs"),
	)
}

func newTestPlanner(t *testing.T, ref *fakeRefiner, rc *replica.Memory, mutate func(*Options)) *Planner {
	t.Helper()
	opts := Options{Sites: testSites(), Catalog: rc, Refiner: ref}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func data(lfn string) *workflow.File {
	f := &workflow.File{LFN: lfn}
	f.ApplyDefaults()
	return f
}

func job(id, siteHandle string, inputs, outputs []*workflow.File) *workflow.Job {
	j := workflow.NewJob(id, siteHandle)
	for _, f := range inputs {
		j.Inputs.Add(f)
	}
	for _, f := range outputs {
		j.Outputs.Add(f)
	}
	return j
}

func graphOf(t *testing.T, jobs []*workflow.Job, edges ...[2]string) *workflow.Graph {
	t.Helper()
	g := workflow.NewGraph()
	for _, j := range jobs {
		require.NoError(t, g.AddJob(j))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func TestNew_RequiresSitesAndRefiner(t *testing.T) {
	_, err := New(Options{Refiner: &fakeRefiner{}})
	assert.Error(t, err)

	_, err = New(Options{Sites: testSites()})
	assert.Error(t, err)
}

func TestPlan_InterSiteBetweenStagingSites(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	parent := job("P", "siteA", nil, []*workflow.File{data("f1")})
	child := job("C", "siteB", []*workflow.File{data("f1")}, nil)
	g := graphOf(t, []*workflow.Job{parent, child}, [2]string{"P", "C"})

	require.NoError(t, p.Plan(context.Background(), g, nil))

	calls := ref.only(t, InterSite)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RunsLocally)
	require.Len(t, calls[0].Batch, 1)

	ft := calls[0].Batch[0]
	assert.Equal(t, "P", ft.JobID)
	assert.Equal(t, []workflow.SiteURL{{Site: "siteA", URL: "gsiftp://a.example.org/scratch/siteA/run0001/f1"}}, ft.Sources)
	assert.Equal(t, []workflow.SiteURL{{Site: "siteB", URL: "gsiftp://b.example.org/scratch/siteB/run0001/f1"}}, ft.Destinations)

	assert.Empty(t, ref.only(t, StageIn))
	assert.Empty(t, ref.only(t, StageOut))
	assert.Equal(t, 1, ref.done)
	assert.Equal(t, 1, p.Stats().InterSite)
	assert.Equal(t, 1, child.Level)
	assert.Equal(t, 0, parent.Level)

	placed, ok := p.Tracker().Get("f1")
	require.True(t, ok)
	assert.Equal(t, "siteB", placed.Site)
	assert.Equal(t, "gsiftp://b.example.org/scratch/siteB/run0001/f1", placed.PFN)
}

func TestPlan_InterSiteSkipsSameStagingSite(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) {
		o.StagingSites = map[string]string{"siteB": "siteA"}
	})

	parent := job("P", "siteA", nil, []*workflow.File{data("f1")})
	child := job("C", "siteB", []*workflow.File{data("f1")}, nil)
	g := graphOf(t, []*workflow.Job{parent, child}, [2]string{"P", "C"})

	require.NoError(t, p.Plan(context.Background(), g, nil))
	assert.Empty(t, ref.calls)
	assert.Equal(t, "siteA", child.StagingSite)
}

func TestPlan_InterSiteRemote(t *testing.T) {
	ref := &fakeRefiner{remote: map[string]bool{"siteB/inter-site": true}}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	parent := job("P", "siteA", nil, []*workflow.File{data("f1")})
	child := job("C", "siteB", []*workflow.File{data("f1")}, nil)
	g := graphOf(t, []*workflow.Job{parent, child}, [2]string{"P", "C"})

	require.NoError(t, p.Plan(context.Background(), g, nil))

	calls := ref.only(t, InterSite)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].RunsLocally)
	assert.Equal(t, "file:///internal/siteB/run0001/f1", calls[0].Batch[0].Destinations[0].URL)
}

func TestPlan_StageInFromReplica(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f2", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/data/f2"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, nil)

	j := job("J", "siteA", []*workflow.File{data("f2")}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageIn)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RunsLocally)
	require.Len(t, calls[0].Batch, 1)

	ft := calls[0].Batch[0]
	assert.Equal(t, []workflow.SiteURL{{Site: "siteB", URL: "gsiftp://b.example.org/data/f2"}}, ft.Sources)
	assert.Equal(t, []workflow.SiteURL{{Site: "siteA", URL: "gsiftp://a.example.org/scratch/siteA/run0001/f2"}}, ft.Destinations)

	entry, ok := p.Tracker().Get("f2")
	require.True(t, ok)
	assert.Equal(t, "siteA", entry.Site)
	assert.Equal(t, "gsiftp://a.example.org/scratch/siteA/run0001/f2", entry.PFN)
}

func TestPlan_StageInAlreadyOnStagingSite(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f2", replica.Location{Site: "siteA", PFN: "gsiftp://a.example.org/scratch/siteA/run0001/f2"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, nil)

	j := job("J", "siteA", []*workflow.File{data("f2")}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	assert.Empty(t, ref.only(t, StageIn))
	assert.Equal(t, 1, p.Stats().AlreadyPlaced)
}

func TestPlan_StageInRefinerPreference(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f2", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/data/f2"})
	ref := &fakeRefiner{prefer: true, preferLocal: false}
	p := newTestPlanner(t, ref, rc, nil)

	j := job("J", "siteA", []*workflow.File{data("f2")}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageIn)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].RunsLocally)
	assert.Equal(t, "file:///internal/siteA/run0001/f2", calls[0].Batch[0].Destinations[0].URL)
}

func TestPlan_StageInSymlink(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f2", replica.Location{Site: "siteA", PFN: "gsiftp://a.example.org/data/f2"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, func(o *Options) { o.UseSymlinks = true })

	j := job("J", "siteA", []*workflow.File{data("f2")}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageIn)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].RunsLocally)

	ft := calls[0].Batch[0]
	assert.Equal(t, "file:///data/f2", ft.Sources[0].URL)
	assert.Equal(t, "symlink:///scratch/siteA/run0001/f2", ft.Destinations[0].URL)
}

func TestPlan_StageInPreResolved(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	f := data("f2")
	f.Source = &workflow.SiteURL{Site: "siteB", URL: "gsiftp://b.example.org/data/f2"}
	f.Destination = &workflow.SiteURL{Site: "siteA", URL: "gsiftp://a.example.org/custom/f2"}
	j := job("J", "siteA", []*workflow.File{f}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageIn)
	require.Len(t, calls, 1)
	assert.Equal(t, "gsiftp://b.example.org/data/f2", calls[0].Batch[0].Sources[0].URL)
	assert.Equal(t, "gsiftp://a.example.org/custom/f2", calls[0].Batch[0].Destinations[0].URL)
}

func TestPlan_MissingRequiredInput(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	j := job("J", "siteA", []*workflow.File{data("missing")}, nil)
	err := p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil)
	require.Error(t, err)
	assert.True(t, IsUnresolved(err))

	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "missing", re.LFN)
	assert.Equal(t, 0, ref.done)
}

func TestPlan_MissingOptionalInputDropped(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	f := data("maybe")
	f.Optional = true
	j := job("J", "siteA", []*workflow.File{f}, nil)
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	assert.Empty(t, ref.calls)
	assert.False(t, j.Inputs.Has("maybe"))
	assert.Equal(t, 1, p.Stats().DroppedOptional)
}

func TestPlan_StageOutFlat(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) { o.OutputSite = "out" })

	j := job("J", "siteA", nil, []*workflow.File{data("f3")})
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RunsLocally)
	assert.False(t, calls[0].Deleted)

	ft := calls[0].Batch[0]
	assert.Equal(t, []workflow.SiteURL{{Site: "siteA", URL: "gsiftp://a.example.org/scratch/siteA/run0001/f3"}}, ft.Sources)
	assert.Equal(t, []workflow.SiteURL{{Site: "out", URL: "gsiftp://out.example.org/storage/outputs/f3"}}, ft.Destinations)
	assert.Equal(t, "gsiftp://out.example.org/storage/outputs/f3", ft.RegistrationURL)

	entry, ok := p.Tracker().Get("f3")
	require.True(t, ok)
	assert.Equal(t, "gsiftp://a.example.org/scratch/siteA/run0001/f3", entry.PFN)
}

func TestPlan_StageOutDeep(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) {
		o.OutputSite = "out"
		o.DeepStorage = true
	})

	j := job("J", "siteA", nil, []*workflow.File{data("f3")})
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	assert.Equal(t, "gsiftp://out.example.org/storage/outputs/000/f3", calls[0].Batch[0].Destinations[0].URL)
}

func TestPlan_StageOutRemote(t *testing.T) {
	ref := &fakeRefiner{remote: map[string]bool{"siteA/stage-out": true}}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) { o.OutputSite = "out" })

	j := job("J", "siteA", nil, []*workflow.File{data("f3")})
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].RunsLocally)
	assert.Equal(t, "file:///internal/siteA/run0001/f3", calls[0].Batch[0].Sources[0].URL)
}

func TestPlan_StageOutTransientFiles(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) { o.OutputSite = "out" })

	hidden := data("hidden")
	hidden.Transfer = workflow.TransferNever
	hidden.TransientRegistration = true

	kept := data("kept")
	kept.Transfer = workflow.TransferNever

	j := job("J", "siteA", nil, []*workflow.File{hidden, kept})
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Batch, 1)

	ft := calls[0].Batch[0]
	assert.Equal(t, "kept", ft.LFN)
	exec := "gsiftp://a.example.org/scratch/siteA/run0001/kept"
	assert.Equal(t, exec, ft.Sources[0].URL)
	assert.Equal(t, exec, ft.Destinations[0].URL)
	assert.Equal(t, exec, ft.RegistrationURL)

	_, ok := p.Tracker().Get("hidden")
	assert.True(t, ok)
}

func TestPlan_EphemeralFilesNeverInBatches(t *testing.T) {
	ephemeral := func() *workflow.File {
		f := data("tmp")
		f.Transfer = workflow.TransferNever
		f.TransientRegistration = true
		return f
	}

	for _, outputSite := range []string{"", "out"} {
		t.Run("output site "+outputSite, func(t *testing.T) {
			rc := replica.NewMemory()
			rc.Insert("tmp", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/data/tmp"})
			ref := &fakeRefiner{}
			p := newTestPlanner(t, ref, rc, func(o *Options) { o.OutputSite = outputSite })

			parent := job("P", "siteA", nil, []*workflow.File{ephemeral(), data("f1")})
			child := job("C", "siteB", []*workflow.File{ephemeral(), data("f1")}, nil)
			orphan := job("O", "siteA", []*workflow.File{ephemeral()}, nil)
			g := graphOf(t, []*workflow.Job{parent, child, orphan}, [2]string{"P", "C"})

			require.NoError(t, p.Plan(context.Background(), g, nil))

			require.NotEmpty(t, ref.only(t, InterSite))
			for _, c := range ref.calls {
				for _, ft := range c.Batch {
					assert.NotEqual(t, "tmp", ft.LFN, "%s batch for %s", c.Kind, c.Job)
				}
			}
			assert.Empty(t, ref.only(t, StageIn))
			assert.Equal(t, 1, p.Stats().InterSite)
		})
	}
}

func TestPlan_StageOutAlreadyOnStorage(t *testing.T) {
	sites := testSites()
	sites.Add(&site.Site{
		Handle: "siteA",
		Directories: []site.Directory{
			{
				Role:               site.RoleSharedScratch,
				InternalMountPoint: "/internal/siteA",
				Servers: []site.FileServer{
					{Operation: site.OpAll, URLPrefix: "gsiftp://a.example.org", MountPoint: "/scratch/siteA"},
				},
			},
			{
				Role: site.RoleSharedStorage,
				Servers: []site.FileServer{
					{Operation: site.OpPut, URLPrefix: "gsiftp://mirror.example.org", MountPoint: "/mirror"},
					{Operation: site.OpAll, URLPrefix: "gsiftp://a.example.org", MountPoint: "/scratch/siteA"},
				},
			},
		},
	})
	store := site.NewStore(nil, site.WithWorkDirectory("run0001"), site.WithStorageAddOn("run0001"))
	for _, h := range sites.Handles() {
		st, _ := sites.Lookup(h)
		store.Add(st)
	}

	ref := &fakeRefiner{}
	p, err := New(Options{Sites: store, Refiner: ref, OutputSite: "siteA"})
	require.NoError(t, err)

	j := job("J", "siteA", nil, []*workflow.File{data("f3")})
	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	ft := calls[0].Batch[0]

	exec := "gsiftp://a.example.org/scratch/siteA/run0001/f3"
	assert.Equal(t, []workflow.SiteURL{
		{Site: "siteA", URL: "gsiftp://mirror.example.org/mirror/run0001/f3"},
		{Site: "siteA", URL: exec},
	}, ft.Destinations)
	assert.Equal(t, exec, ft.RegistrationURL)
	assert.Equal(t, workflow.TransferNever, ft.Transfer)
}

func TestPlan_DeletedJobAlreadyOnOutputSite(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f4", replica.Location{Site: "out", PFN: "gsiftp://out.example.org/storage/outputs/f4"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, func(o *Options) { o.OutputSite = "out" })

	deleted := job("D", "siteB", nil, []*workflow.File{data("f4")})
	require.NoError(t, p.Plan(context.Background(), workflow.NewGraph(), []*workflow.Job{deleted}))

	assert.Empty(t, ref.calls)
	assert.Equal(t, 1, p.Stats().AlreadyPlaced)
	assert.Equal(t, 1, p.Stats().DeletedJobs)
	assert.Equal(t, 1, ref.done)
}

func TestPlan_DeletedJobStagedOut(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("f4", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/data/f4"})
	rc.Insert("f4", replica.Location{Site: "siteA", PFN: "gsiftp://a.example.org/data/f4"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, func(o *Options) { o.OutputSite = "out" })

	deleted := job("D", "siteB", nil, []*workflow.File{data("f4")})
	require.NoError(t, p.Plan(context.Background(), workflow.NewGraph(), []*workflow.Job{deleted}))

	calls := ref.only(t, StageOut)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Deleted)
	assert.True(t, calls[0].RunsLocally)

	ft := calls[0].Batch[0]
	assert.Len(t, ft.Sources, 2)
	assert.Equal(t, []workflow.SiteURL{{Site: "out", URL: "gsiftp://out.example.org/storage/outputs/f4"}}, ft.Destinations)
	assert.Equal(t, "gsiftp://out.example.org/storage/outputs/f4", ft.RegistrationURL)

	assert.Equal(t, DeletedJobsLevel, deleted.Level)
	assert.Equal(t, site.LocalHandle, deleted.Site)
	assert.Equal(t, site.LocalHandle, deleted.StagingSite)
}

func TestPlan_DeletedJobWithoutReplica(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) { o.OutputSite = "out" })

	deleted := job("D", "siteB", nil, []*workflow.File{data("f4")})
	err := p.Plan(context.Background(), workflow.NewGraph(), []*workflow.Job{deleted})
	require.Error(t, err)
	assert.True(t, IsUnresolved(err))
}

func TestPlan_DeletedJobsIgnoredWithoutOutputSite(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	deleted := job("D", "siteB", nil, []*workflow.File{data("f4")})
	require.NoError(t, p.Plan(context.Background(), workflow.NewGraph(), []*workflow.Job{deleted}))
	assert.Empty(t, ref.calls)
	assert.Equal(t, 0, p.Stats().DeletedJobs)
}

func TestPlan_NestedWorkflows(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("sub.dag", replica.Location{Site: site.LocalHandle, PFN: "file:///home/wf/sub.dag"})
	rc.Insert("sub.dax", replica.Location{Site: site.LocalHandle, PFN: "/home/wf/sub.dax"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, nil)

	dag := job("DAG", "siteA", []*workflow.File{data("sub.dag")}, nil)
	dag.Kind = workflow.KindPlannedWorkflow
	dag.SubWorkflowLFN = "sub.dag"

	dax := job("DAX", "siteA", []*workflow.File{data("sub.dax")}, nil)
	dax.Kind = workflow.KindAbstractWorkflow
	dax.SubWorkflowLFN = "sub.dax"
	dax.Arguments = "-v"

	require.NoError(t, p.Plan(context.Background(), graphOf(t, []*workflow.Job{dag, dax}), nil))

	assert.Equal(t, "/home/wf/sub.dag", dag.DescriptionFile)
	assert.Equal(t, "-v --dax /home/wf/sub.dax", dax.Arguments)
	assert.Equal(t, 0, dag.Inputs.Len())
	assert.Empty(t, ref.only(t, StageIn))
}

func TestPlan_NestedWorkflowRemoteLocator(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("sub.dag", replica.Location{Site: "siteA", PFN: "gsiftp://a.example.org/wf/sub.dag"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, nil)

	dag := job("DAG", "siteA", nil, nil)
	dag.Kind = workflow.KindPlannedWorkflow
	dag.SubWorkflowLFN = "sub.dag"

	err := p.Plan(context.Background(), graphOf(t, []*workflow.Job{dag}), nil)
	require.Error(t, err)
	assert.True(t, IsInvalidLocator(err))
}

func TestPlan_NestedWorkflowResolvedWithNothingToSearch(t *testing.T) {
	rc := replica.NewMemory()
	rc.Insert("sub.dag", replica.Location{Site: site.LocalHandle, PFN: "file:///home/wf/sub.dag"})
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, rc, nil)

	// The only input is produced by the parent, so no stage-in is searched.
	parent := job("P", "siteA", nil, []*workflow.File{data("f1")})
	dag := job("DAG", "siteA", []*workflow.File{data("f1")}, nil)
	dag.Kind = workflow.KindPlannedWorkflow
	dag.SubWorkflowLFN = "sub.dag"
	g := graphOf(t, []*workflow.Job{parent, dag}, [2]string{"P", "DAG"})

	require.NoError(t, p.Plan(context.Background(), g, nil))

	assert.Equal(t, "/home/wf/sub.dag", dag.DescriptionFile)
	assert.Equal(t, 0, dag.Inputs.Len())
	assert.Empty(t, ref.only(t, StageIn))
}

func TestPlan_TopologyErrors(t *testing.T) {
	t.Run("missing site", func(t *testing.T) {
		rc := replica.NewMemory()
		rc.Insert("f", replica.Location{Site: "siteB", PFN: "gsiftp://b.example.org/f"})
		ref := &fakeRefiner{}
		p := newTestPlanner(t, ref, rc, nil)

		j := job("J", "nowhere", []*workflow.File{data("f")}, nil)
		err := p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil)
		require.Error(t, err)
		assert.True(t, IsTopology(err))
		assert.ErrorIs(t, err, ErrMissingSite)
		assert.Equal(t, 0, ref.done)
	})

	t.Run("output site without storage", func(t *testing.T) {
		ref := &fakeRefiner{}
		p := newTestPlanner(t, ref, replica.NewMemory(), func(o *Options) { o.OutputSite = "siteB" })

		j := job("J", "siteA", nil, []*workflow.File{data("f")})
		err := p.Plan(context.Background(), graphOf(t, []*workflow.Job{j}), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingDirectory)
	})

	t.Run("no put server", func(t *testing.T) {
		sites := testSites()
		sites.Add(&site.Site{
			Handle: "siteA",
			Directories: []site.Directory{{
				Role: site.RoleSharedScratch,
				Servers: []site.FileServer{
					{Operation: site.OpGet, URLPrefix: "gsiftp://a.example.org", MountPoint: "/scratch/siteA"},
				},
			}},
		})
		ref := &fakeRefiner{}
		p, err := New(Options{Sites: sites, Refiner: ref})
		require.NoError(t, err)

		parent := job("P", "siteB", nil, []*workflow.File{data("f")})
		child := job("C", "siteA", []*workflow.File{data("f")}, nil)
		err = p.Plan(context.Background(), graphOf(t, []*workflow.Job{parent, child}, [2]string{"P", "C"}), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoFileServer)

		var te *TopologyError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "siteA", te.Site)
	})
}

func TestPlan_RunsOnce(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	g := workflow.NewGraph()
	require.NoError(t, p.Plan(context.Background(), g, nil))
	assert.ErrorIs(t, p.Plan(context.Background(), g, nil), ErrAlreadyPlanned)
	assert.Equal(t, 1, ref.done)
}

func TestPlan_ContextCanceled(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := job("J", "siteA", nil, nil)
	err := p.Plan(ctx, graphOf(t, []*workflow.Job{j}), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ref.done)
}

func TestPlan_CycleRejected(t *testing.T) {
	ref := &fakeRefiner{}
	p := newTestPlanner(t, ref, replica.NewMemory(), nil)

	a := job("A", "siteA", nil, nil)
	b := job("B", "siteA", nil, nil)
	g := graphOf(t, []*workflow.Job{a, b}, [2]string{"A", "B"}, [2]string{"B", "A"})

	err := p.Plan(context.Background(), g, nil)
	assert.ErrorIs(t, err, workflow.ErrCycle)
}
