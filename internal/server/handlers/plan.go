package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gostage/internal/errors"
	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/planrun"
	"github.com/3leaps/gostage/pkg/planstore"
	"github.com/3leaps/gostage/pkg/source"
	"github.com/3leaps/gostage/pkg/sqlstore"
)

// PlanResponse is the body of a successful plan request.
type PlanResponse struct {
	RunID      string                   `json:"run_id"`
	Workflow   string                   `json:"workflow"`
	Nodes      []output.NodeRecord      `json:"nodes"`
	Placements []output.PlacementRecord `json:"placements,omitempty"`
	Summary    output.SummaryRecord     `json:"summary"`
}

// RunResponse is a stored run with its nodes.
type RunResponse struct {
	RunID      string                   `json:"run_id"`
	Workflow   string                   `json:"workflow"`
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Summary    *output.SummaryRecord    `json:"summary,omitempty"`
	Nodes      []output.NodeRecord      `json:"nodes"`
	Placements []output.PlacementRecord `json:"placements,omitempty"`
}

// PlanHandler plans manifests posted to the service. A fresh planner is
// built per request.
type PlanHandler struct {
	// Settings returns the configured planner settings.
	Settings func() planrun.Settings

	Reader *source.Reader

	// Store, when set, records every run.
	Store *planstore.Store

	// DocumentRoot resolves relative manifest paths. Empty leaves them
	// relative to the service's working directory. Documents outside it
	// are rejected.
	DocumentRoot string

	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Plan handles POST /v1/plan. The body is a YAML or JSON manifest.
func (h *PlanHandler) Plan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger()

	body := r.Body
	if h.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, r, apperrors.New(http.StatusRequestEntityTooLarge, apperrors.CodePayloadTooLarge, "manifest too large", err))
			return
		}
		respondWithError(w, r, apperrors.BadRequest("failed to read request body", err))
		return
	}

	m, err := manifest.LoadFromBytes(data, manifestName(r))
	if err != nil {
		respondWithError(w, r, apperrors.Validation("invalid manifest", err))
		return
	}
	if err := confinePaths(m); err != nil {
		respondWithError(w, r, apperrors.Validation("manifest references a document outside the document root", err))
		return
	}
	m.ResolvePaths(h.DocumentRoot)

	var settings planrun.Settings
	if h.Settings != nil {
		settings = h.Settings()
	}

	run, err := planrun.Prepare(ctx, h.Reader, m, settings, logger)
	if err != nil {
		respondWithError(w, r, inputError(err))
		return
	}
	defer func() { _ = run.Close() }()

	res, err := run.Execute(ctx, planrun.Outputs{Store: h.Store})
	if err != nil {
		respondWithError(w, r, planError(run.ID, err))
		return
	}

	resp := PlanResponse{
		RunID:      res.RunID,
		Workflow:   res.Workflow,
		Nodes:      make([]output.NodeRecord, 0, len(res.Nodes)),
		Placements: res.Placements,
		Summary:    res.Summary,
	}
	for _, n := range res.Nodes {
		resp.Nodes = append(resp.Nodes, n.Record())
	}
	writeJSON(w, http.StatusOK, resp)
}

// confinePaths rejects document references that escape the document root.
// Only relative paths and s3:// objects are accepted; SQLite catalogs must be
// local files under the root.
func confinePaths(m *manifest.Manifest) error {
	if err := confinePath("workflow", m.Workflow, true); err != nil {
		return err
	}
	if err := confinePath("sites", m.Sites, true); err != nil {
		return err
	}
	for i, src := range m.Replicas {
		field := fmt.Sprintf("replicas[%d]", i)
		if src.URL != "" {
			return fmt.Errorf("%s: remote catalog url %q is not accepted", field, src.URL)
		}
		if err := confinePath(field, src.Path, src.Type != manifest.ReplicaSQLite); err != nil {
			return err
		}
	}
	return nil
}

func confinePath(field, p string, allowS3 bool) error {
	switch {
	case p == "":
		return nil
	case allowS3 && strings.HasPrefix(p, "s3://"):
		return nil
	case strings.Contains(p, "://"), strings.HasPrefix(p, "file:"), strings.HasPrefix(p, "libsql:"):
		return fmt.Errorf("%s: uri %q is not accepted", field, p)
	case filepath.IsAbs(p):
		return fmt.Errorf("%s: absolute path %q is not accepted", field, p)
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("%s: path %q leaves the document root", field, p)
		}
	}
	return nil
}

// Run handles GET /v1/runs/{id}.
func (h *PlanHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		respondWithError(w, r, apperrors.NotFound("plan store not configured"))
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := h.Store.Run(ctx, id)
	if err != nil {
		if errors.Is(err, planstore.ErrRunNotFound) {
			respondWithError(w, r, apperrors.NotFound("run not found: "+id))
			return
		}
		respondWithError(w, r, err)
		return
	}
	nodes, err := h.Store.Nodes(ctx, id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	placements, err := h.Store.Placements(ctx, id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []output.NodeRecord{}
	}

	writeJSON(w, http.StatusOK, RunResponse{
		RunID:      run.RunID,
		Workflow:   run.Workflow,
		Status:     run.Status,
		Error:      run.Error,
		Summary:    run.Summary,
		Nodes:      nodes,
		Placements: placements,
	})
}

func (h *PlanHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func manifestName(r *http.Request) string {
	switch r.Header.Get("Content-Type") {
	case "application/json":
		return "request.json"
	case "application/yaml", "application/x-yaml", "text/yaml":
		return "request.yaml"
	}
	return ""
}

func inputError(err error) error {
	var ie *planrun.InputError
	if errors.As(err, &ie) {
		if source.IsNotFound(err) || errors.Is(err, sqlstore.ErrNotExist) {
			return apperrors.New(http.StatusUnprocessableEntity, apperrors.CodeValidation, "manifest document not found", err).
				WithDetails(map[string]any{"document": ie.Kind, "uri": ie.URI})
		}
		return apperrors.Validation("failed to load "+ie.Kind, err)
	}
	return apperrors.Validation("invalid plan settings", err)
}

func planError(runID string, err error) error {
	rec := planrun.ErrorRecordFor(err)
	if rec.Code == output.ErrCodeInternal {
		return err
	}
	return apperrors.New(http.StatusUnprocessableEntity, apperrors.CodePlanFailed, "planning failed", err).
		WithDetails(map[string]any{"run_id": runID, "code": rec.Code, "job": rec.Job, "lfn": rec.LFN, "site": rec.Site})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
