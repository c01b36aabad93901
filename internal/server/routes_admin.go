package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"clawcontrol/internal/access"
	"clawcontrol/internal/app"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/packages"
	"clawcontrol/internal/repo"
)

func registerPackages(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-package",
		Method:        http.MethodPost,
		Path:          "/packages",
		Summary:       "Register a package and its scan result (CONFIRM)",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body CreatePackageRequest
	}) (*output[domain.Package], error) {
		actor, err := authorize(ctx, a.Access, governor.PackageImport)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		p, err := a.Packages.Register(ctx, packages.RegisterOptions{
			Name:             in.Body.Name,
			Version:          in.Body.Version,
			BlockedByScan:    in.Body.BlockedByScan,
			ScanFindings:     in.Body.ScanFindings,
			TypedConfirmText: in.Body.TypedConfirmText,
			Actor:            actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List packages",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Package], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.Packages.List(ctx)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		if items == nil {
			items = []domain.Package{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-package",
		Method:      http.MethodGet,
		Path:        "/packages/{id}",
		Summary:     "Get a package",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*output[domain.Package], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := a.Packages.Get(ctx, in.ID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deploy-package",
		Method:      http.MethodPost,
		Path:        "/packages/{id}/deploy",
		Summary:     "Deploy a package (CONFIRM; OVERRIDE_SCAN_BLOCK for scan-blocked packages)",
		Errors:      gatedErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body *DeployPackageRequest
	}) (*output[PackageDeployResponse], error) {
		var body DeployPackageRequest
		if in.Body != nil {
			body = *in.Body
		}
		kind := governor.PackageDeploy
		if body.OverrideScanBlock {
			kind = governor.PackageDeployOverrideScan
		}
		actor, err := authorize(ctx, a.Access, kind)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		p, rc, err := a.Packages.Deploy(ctx, in.ID, packages.DeployOptions{
			TypedConfirmText:    body.TypedConfirmText,
			OverrideScanBlock:   body.OverrideScanBlock,
			OverrideConfirmText: body.OverrideConfirmText,
			Actor:               actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		return reply(PackageDeployResponse{Package: p, Receipt: rc}), nil
	})
}

func registerActivities(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List audit activity, newest first",
		Errors:      readErrors,
	}, func(ctx context.Context, in *struct {
		Type       string `query:"type"`
		ActionKind string `query:"action_kind"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Before     int64  `query:"before"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[paginatedActivities], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(in.Limit)
		items, err := a.Repo.ListActivities(ctx, nil, repo.ActivityFilters{
			Type:       in.Type,
			ActionKind: in.ActionKind,
			EntityKind: in.EntityKind,
			EntityID:   in.EntityID,
			Before:     in.Before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		resp := paginatedActivities{Items: []domain.Activity{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextBefore = items[limit-1].ID
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func registerAPIKeys(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key; the secret is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateAPIKeyRequest
	}) (*output[APIKeyCreatedResponse], error) {
		actor, err := authorize(ctx, a.Access, governor.APIKeyCreate)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		key, secret, err := a.Keys.Create(ctx, access.CreateKeyOptions{
			ActorID:   in.Body.ActorID,
			ActorType: domain.ActorType(in.Body.ActorType),
			Name:      in.Body.Name,
			Actor:     actor,
		})
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		key.KeyHash = ""
		return reply(APIKeyCreatedResponse{Key: key, Secret: secret}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		ActorID string `query:"actor_id"`
	}) (*output[[]domain.APIKey], error) {
		if _, err := authorize(ctx, a.Access, governor.APIKeyCreate); err != nil {
			return nil, fail(ctx, a, err)
		}
		keys, err := a.Keys.List(ctx, in.ActorID)
		if err != nil {
			return nil, fail(ctx, a, err)
		}
		out := make([]domain.APIKey, 0, len(keys))
		for _, k := range keys {
			k.KeyHash = ""
			out = append(out, k)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, a.Access, governor.APIKeyCreate); err != nil {
			return nil, fail(ctx, a, err)
		}
		if err := a.Keys.Delete(ctx, in.ID); err != nil {
			return nil, fail(ctx, a, err)
		}
		return &struct{}{}, nil
	})
}
