// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes a pathmemory.Service over HTTP. Every request
// carries a principal (bearer JWT or X-Principal header) that the service
// checks against its ACL table.
package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/jllopis/synod/pkg/core"
	"github.com/jllopis/synod/pkg/errors"
	"github.com/jllopis/synod/pkg/pathmemory"
)

// Config for the HTTP handler.
type Config struct {
	Service *pathmemory.Service
	Auth    AuthConfig
	// Health aggregates component checks for GET /health. Optional.
	Health  *core.HealthRegistry
	Version string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized"`
	Message string         `json:"message" example:"acl: team/red may not record_path positive paths on \"project\""`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler serving the memory surface.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New(errors.CodeInvalidInput, "httpapi: service is required", nil)
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Synod Memory API", cfg.Version)
	api := humachi.New(router, hcfg)

	registerHealth(api, cfg.Health)
	registerPaths(api, cfg.Service)
	registerScopes(api, cfg.Service)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps synod errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	se := errors.AsSynodError(err)
	status := se.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return newAPIError(status, strings.ToLower(string(se.Code)), se.Message, se.Context)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerFor returns the authenticated principal, rejecting requests whose
// body names a different actor.
func callerFor(ctx context.Context, claimedActor string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if claimedActor != "" && claimedActor != p.ID {
		return "", newAPIError(http.StatusForbidden, "unauthorized", "actor does not match authenticated principal",
			map[string]any{"actor": claimedActor, "principal": p.ID})
	}
	return p.ID, nil
}

func parseKind(raw string) (pathmemory.Kind, huma.StatusError) {
	kind, err := pathmemory.ParseKind(raw)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
	}
	return kind, nil
}

// pathParam decodes a path segment; principals such as "team/red" arrive escaped.
func pathParam(raw string) string {
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func registerHealth(api huma.API, health *core.HealthRegistry) {
	type healthBody struct {
		Status     string              `json:"status"`
		Components []core.HealthResult `json:"components,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		out := &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok"}}
		if health != nil {
			results, overall := health.CheckAll(ctx)
			out.Body.Components = results
			if overall != core.HealthHealthy {
				out.Body.Status = strings.ToLower(string(overall))
			}
		}
		return out, nil
	})
}

func registerPaths(api huma.API, svc *pathmemory.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "record-path",
		Method:      http.MethodPost,
		Path:        "/paths/record",
		Summary:     "Record a path signature",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RecordRequest `json:"body"`
	}) (*struct {
		Body SignatureBody `json:"body"`
	}, error) {
		actor, authErr := callerFor(ctx, input.Body.Actor)
		if authErr != nil {
			return nil, authErr
		}
		kind, kindErr := parseKind(input.Body.Kind)
		if kindErr != nil {
			return nil, kindErr
		}
		stored, err := svc.RecordPath(ctx, actor, input.Body.Target, kind, input.Body.Signature.ToSignature())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignatureBody `json:"body"`
		}{Body: FromSignature(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-paths",
		Method:      http.MethodPost,
		Path:        "/paths/query",
		Summary:     "Query similar path signatures",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body QueryRequest `json:"body"`
	}) (*struct {
		Body QueryResponse `json:"body"`
	}, error) {
		actor, authErr := callerFor(ctx, input.Body.Actor)
		if authErr != nil {
			return nil, authErr
		}
		kind, kindErr := parseKind(input.Body.Kind)
		if kindErr != nil {
			return nil, kindErr
		}
		matches, err := svc.QueryPaths(ctx, actor, input.Body.Target, kind, input.Body.Signature.ToSignature(), input.Body.Threshold)
		if err != nil {
			return nil, handleError(err)
		}
		resp := QueryResponse{Matches: make([]MatchBody, 0, len(matches))}
		for _, m := range matches {
			resp.Matches = append(resp.Matches, MatchBody{Similarity: m.Similarity, Signature: FromSignature(m.Signature)})
		}
		return &struct {
			Body QueryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerScopes(api huma.API, svc *pathmemory.Service) {
	type scopePath struct {
		Principal string `path:"principal" doc:"Scope owner, e.g. project or team%2Fred"`
		Scope     string `path:"scope"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "put-value",
		Method:        http.MethodPost,
		Path:          "/{principal}/{scope}",
		Summary:       "Store a key/value pair in a principal scope",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Principal string          `path:"principal"`
		Scope     string          `path:"scope"`
		Body      PutValueRequest `json:"body"`
	}) (*struct {
		Body ValueResponse `json:"body"`
	}, error) {
		actor, authErr := callerFor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		principal, scope := pathParam(input.Principal), pathParam(input.Scope)
		if err := svc.Put(ctx, actor, principal, scope, input.Body.Key, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueResponse `json:"body"`
		}{Body: ValueResponse{Principal: principal, Scope: scope, Key: input.Body.Key, Value: input.Body.Value}}, nil
	})

	// Registered before the {key} route; a key literally named "hash" is
	// therefore shadowed by the hash endpoint.
	huma.Register(api, huma.Operation{
		OperationID: "scope-hash",
		Method:      http.MethodGet,
		Path:        "/{principal}/{scope}/hash",
		Summary:     "Integrity hash of a principal scope",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *scopePath) (*struct {
		Body HashResponse `json:"body"`
	}, error) {
		actor, authErr := callerFor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		principal, scope := pathParam(input.Principal), pathParam(input.Scope)
		h, err := svc.ScopeHash(ctx, actor, principal, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HashResponse `json:"body"`
		}{Body: HashResponse{Principal: principal, Scope: scope, Hash: h}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-value",
		Method:      http.MethodGet,
		Path:        "/{principal}/{scope}/{key}",
		Summary:     "Read a key from a principal scope",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Principal string `path:"principal"`
		Scope     string `path:"scope"`
		Key       string `path:"key"`
	}) (*struct {
		Body ValueResponse `json:"body"`
	}, error) {
		actor, authErr := callerFor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		principal, scope, key := pathParam(input.Principal), pathParam(input.Scope), pathParam(input.Key)
		value, err := svc.Get(ctx, actor, principal, scope, key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueResponse `json:"body"`
		}{Body: ValueResponse{Principal: principal, Scope: scope, Key: key, Value: value}}, nil
	})
}
