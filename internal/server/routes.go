package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/manifest"
	"lakereg/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

func (h handlers) registerArtifacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts",
		Description: "Every query parameter is a filter key; keys outside the allow-list are rejected.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type             string `query:"type"`
		Status           string `query:"status" enum:"active,superseded"`
		LogicalKeyPrefix string `query:"logical_key_prefix"`
		CreatedFrom      string `query:"created_from"`
		CreatedTo        string `query:"created_to"`
		Tag              string `query:"tag"`
		SchemaVersion    string `query:"schema_version"`
	}) (*struct {
		Body ArtifactList `json:"body"`
	}, error) {
		filter := map[string]string{}
		if req := requestFromContext(ctx); req != nil {
			for key, values := range req.URL.Query() {
				if len(values) > 0 {
					filter[key] = values[len(values)-1]
				}
			}
		}
		items, err := h.reg.Manifest.ListArtifacts(ctx, filter)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ArtifactList `json:"body"`
		}{Body: ArtifactList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts",
		Summary:     "Publish an artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PublishArtifactRequest
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		res, err := h.reg.Manifest.Publish(ctx, input.Body.toManifest())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{ArtifactID: res.ArtifactID, Created: res.Created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}",
		Summary:     "Get an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		a, err := h.reg.Manifest.GetArtifact(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-lineage",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}/lineage",
		Summary:     "Upstream lineage of an artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Mode string `query:"mode" enum:"direct,full" default:"direct"`
	}) (*struct {
		Body LineageList `json:"body"`
	}, error) {
		items, err := h.reg.Manifest.GetLineage(ctx, input.ID, manifest.LineageMode(input.Mode))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body LineageList `json:"body"`
		}{Body: LineageList{ID: input.ID, Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-downstream",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}/downstream",
		Summary:     "Artifacts that consume an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body LineageList `json:"body"`
	}, error) {
		items, err := h.reg.Manifest.GetDownstream(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body LineageList `json:"body"`
		}{Body: LineageList{ID: input.ID, Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-runsets",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}/runsets",
		Summary:     "Runsets whose effective resolution includes an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body IDList `json:"body"`
	}, error) {
		if _, err := h.reg.Manifest.GetArtifact(ctx, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		ids, err := h.reg.Resolver.RunSetsContaining(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body IDList `json:"body"`
		}{Body: IDList{ID: input.ID, Items: orEmpty(ids)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "supersede-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{id}/supersede",
		Summary:     "Mark an artifact superseded",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SupersedeRequest `required:"false"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		a, err := h.reg.Manifest.Supersede(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}/verify",
		Summary:     "Re-hash an artifact payload",
		Description: "A mismatch is reported as a corruption error; nothing is repaired.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body manifest.IntegrityReport `json:"body"`
	}, error) {
		report, err := h.reg.Manifest.VerifyIntegrity(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body manifest.IntegrityReport `json:"body"`
		}{Body: report}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Indexed events in log order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type" doc:"Comma separated event types"`
		Since    string `query:"since" doc:"First day, YYYY-MM-DD"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		var types []string
		for _, t := range strings.Split(input.Type, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		items, err := h.reg.Indexer.Events(ctx, events.EventQuery{
			Types:    types,
			Since:    input.Since,
			AfterSeq: input.AfterSeq,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := EventList{Items: orEmpty(items), LastSeq: input.AfterSeq}
		if n := len(items); n > 0 {
			resp.LastSeq = items[n-1].Seq
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "register-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Register a run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRunRequest
	}) (*struct {
		Body RegisterRunResponse `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		id, err := h.reg.Resolver.RegisterRun(ctx, input.Body.toRun())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RegisterRunResponse `json:"body"`
		}{Body: RegisterRunResponse{RunID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Caller       string `query:"caller"`
		StrategyHash string `query:"strategy_hash"`
	}) (*struct {
		Body RunList `json:"body"`
	}, error) {
		runs, err := h.reg.Resolver.ListRuns(ctx, repo.RunFilter{Caller: input.Caller, StrategyHash: input.StrategyHash})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RunList `json:"body"`
		}{Body: RunList{Items: orEmpty(runs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run and its event-derived status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := h.reg.Resolver.GetRun(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := RunResponse{Run: run}
		status, err := h.reg.Indexer.RunStatus(ctx, input.ID)
		switch {
		case err == nil:
			resp.Status = &status
		case !errors.Is(err, domain.ErrNotFound):
			return nil, h.handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerRunSets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "create-runset",
		Method:      http.MethodPost,
		Path:        "/runsets",
		Summary:     "Create a runset spec",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRunSetRequest
	}) (*struct {
		Body domain.RunSet `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		rs, err := h.reg.Resolver.CreateRunSetSpec(ctx, input.Body.toSpec())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.RunSet `json:"body"`
		}{Body: rs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runsets",
		Method:      http.MethodGet,
		Path:        "/runsets",
		Summary:     "List runsets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunSetList `json:"body"`
	}, error) {
		items, err := h.reg.Resolver.ListRunSets(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RunSetList `json:"body"`
		}{Body: RunSetList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-runset",
		Method:      http.MethodGet,
		Path:        "/runsets/{id}",
		Summary:     "Get a runset and its effective resolution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body RunSetResponse `json:"body"`
	}, error) {
		rs, err := h.reg.Resolver.GetRunSet(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := RunSetResponse{RunSet: rs}
		eff, err := h.reg.Resolver.Effective(ctx, input.ID)
		switch {
		case err == nil:
			resp.Effective = &eff
		case !errors.Is(err, domain.ErrNotFound):
			return nil, h.handleError(err)
		}
		return &struct {
			Body RunSetResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resolutions",
		Method:      http.MethodGet,
		Path:        "/runsets/{id}/resolutions",
		Summary:     "Resolution history of a runset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body ResolutionList `json:"body"`
	}, error) {
		items, err := h.reg.Resolver.ListResolutions(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ResolutionList `json:"body"`
		}{Body: ResolutionList{Items: orEmpty(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-runset",
		Method:      http.MethodPost,
		Path:        "/runsets/{id}/resolve",
		Summary:     "Resolve a runset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *ResolveRequest `required:"false"`
	}) (*struct {
		Body domain.Resolution `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		force := input.Body != nil && input.Body.Force
		res, err := h.reg.Resolver.Resolve(ctx, input.ID, force)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Resolution `json:"body"`
		}{Body: res}, nil
	})

	for _, op := range []struct {
		id, path, summary string
		fn                func(context.Context, string) (domain.Resolution, error)
	}{
		{"freeze-runset", "/runsets/{id}/freeze", "Pin the latest resolution", h.reg.Resolver.Freeze},
		{"unfreeze-runset", "/runsets/{id}/unfreeze", "Release the pinned resolution", h.reg.Resolver.Unfreeze},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
		}, func(ctx context.Context, input *idPath) (*struct {
			Body domain.Resolution `json:"body"`
		}, error) {
			if err := requireWrite(ctx); err != nil {
				return nil, err
			}
			res, err := fn(ctx, input.ID)
			if err != nil {
				return nil, h.handleError(err)
			}
			return &struct {
				Body domain.Resolution `json:"body"`
			}{Body: res}, nil
		})
	}
}

func (h handlers) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "registry-rebuild",
		Method:      http.MethodPost,
		Path:        "/registry/rebuild",
		Summary:     "Rebuild every cache from the fact store",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RebuildResponse `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		report, err := h.reg.Rebuild(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RebuildResponse `json:"body"`
		}{Body: RebuildResponse{Generations: report.Generations, DurationMs: report.Duration.Milliseconds()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "index-rebuild",
		Method:      http.MethodPost,
		Path:        "/index/rebuild",
		Summary:     "Rebuild the event index",
		Description: "Days before since are carried over from the live index.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" doc:"First day to rebuild, YYYY-MM-DD"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireWrite(ctx); err != nil {
			return nil, err
		}
		if err := h.reg.Indexer.Rebuild(ctx, input.Since); err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "rebuilt", "since": input.Since}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "registry-digest",
		Method:      http.MethodGet,
		Path:        "/registry/digest",
		Summary:     "Per-table digests of the live caches",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DigestResponse `json:"body"`
	}, error) {
		tables, err := h.reg.Digest(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body DigestResponse `json:"body"`
		}{Body: DigestResponse{Tables: orEmpty(tables)}}, nil
	})
}
