package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pharmatrace/internal/domain"
	"pharmatrace/internal/engine"
	"pharmatrace/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid custody transition"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pharmatrace API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pharmatrace API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBatches(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerTemperature(group, cfg.Engine)
	registerSync(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerCompanies(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateBatch):
		return newAPIError(http.StatusConflict, "duplicate_batch", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrComplianceLogFailed):
		return newAPIError(http.StatusBadGateway, "compliance_log_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrLedgerUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "ledger_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pharmatrace API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "manufacture-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Register a manufactured batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body ManufactureRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Manufacture(ctx, engine.ManufactureOptions{
			BatchID:         input.Body.BatchID,
			Name:            input.Body.Name,
			Manufacturer:    input.Body.Manufacturer,
			ManufactureDate: input.Body.ManufactureDate,
			ExpiryDate:      input.Body.ExpiryDate,
			MinTemp:         input.Body.MinTemp,
			MaxTemp:         input.Body.MaxTemp,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"Manufactured,Distributed,Retailed,Sold" required:"false"`
		Manufacturer string `query:"manufacturer" required:"false"`
		Search       string `query:"search" required:"false"`
		Limit        int    `query:"limit" required:"false"`
		CursorTS     string `query:"cursor_ts" required:"false"`
		CursorID     string `query:"cursor_id" required:"false"`
	}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.ListBatches(ctx, repo.BatchFilters{
			Status:          input.Status,
			Manufacturer:    input.Manufacturer,
			Search:          input.Search,
			Limit:           limit,
			CursorCreatedAt: input.CursorTS,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: mapBatches(items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch with recent verification history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body struct {
			Batch         BatchResponse         `json:"batch"`
			Verifications []domain.Verification `json:"verifications"`
		} `json:"body"`
	}, error) {
		b, err := e.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := e.History(ctx, input.BatchID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Batch         BatchResponse         `json:"batch"`
				Verifications []domain.Verification `json:"verifications"`
			} `json:"body"`
		}{}
		out.Body.Batch = batchResponse(b, e.Now())
		out.Body.Verifications = history
		return out, nil
	})

	transitions := []struct {
		id, pathSuffix, summary string
		run                     func(ctx context.Context, batchID, actorID string) (domain.Batch, error)
	}{
		{"distribute-batch", "distribute", "Move a batch into distribution", e.Distribute},
		{"retail-batch", "retail", "Move a batch onto a retailer's shelf", e.Retail},
	}
	for _, t := range transitions {
		run := t.run
		huma.Register(api, huma.Operation{
			OperationID: t.id,
			Method:      http.MethodPost,
			Path:        "/batches/{batch_id}/" + t.pathSuffix,
			Summary:     t.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusForbidden,
				http.StatusServiceUnavailable,
			},
		}, func(ctx context.Context, input *struct {
			BatchID string `path:"batch_id"`
		}) (*struct {
			Body BatchResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			b, err := run(ctx, input.BatchID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body BatchResponse `json:"body"`
			}{Body: batchResponse(b, e.Now())}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "sell-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/sell",
		Summary:     "Sell a batch to a consumer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
		Body    struct {
			ConsumerID string `json:"consumer_id" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Sell(ctx, input.BatchID, input.Body.ConsumerID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-qr",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/qr",
		Summary:     "QR payload: the public verification URL for a batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := e.GetBatch(ctx, input.BatchID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"batch_id": input.BatchID,
			"url":      e.VerificationURL(input.BatchID),
		}}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/verify",
		Summary:     "Verify a batch",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		BatchID string         `path:"batch_id"`
		Body    *VerifyRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		method := ""
		if input.Body != nil {
			method = input.Body.Method
		}
		res, err := e.Verify(ctx, input.BatchID, verifierFromContext(ctx), method)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: verifyResponse(res, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-verifications",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/verifications",
		Summary:     "Verification history for a batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID  string `path:"batch_id"`
		Limit    int    `query:"limit" required:"false"`
		CursorTS string `query:"cursor_ts" required:"false"`
		CursorID int64  `query:"cursor_id" required:"false"`
	}) (*struct {
		Body []domain.Verification `json:"body"`
	}, error) {
		if _, err := e.GetBatch(ctx, input.BatchID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		items, err := e.Repo.ListVerifications(ctx, repo.VerificationFilters{
			BatchID:  input.BatchID,
			Limit:    limit,
			CursorTS: input.CursorTS,
			CursorID: input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Verification `json:"body"`
		}{Body: items}, nil
	})
}

func registerTemperature(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "log-temperature",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/temperature",
		Summary:     "Evaluate a temperature reading",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string             `path:"batch_id"`
		Body    TemperatureRequest `json:"body"`
	}) (*struct {
		Body engine.ComplianceResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts := e.Now()
		if input.Body.TS != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.TS)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "ts must be RFC 3339", nil)
			}
			ts = parsed
		}
		res, err := e.LogTemperature(ctx, input.BatchID, input.Body.Value, ts, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ComplianceResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-batch",
		Method:      http.MethodPost,
		Path:        "/sync/batches/{batch_id}",
		Summary:     "Reconcile one batch from the ledger",
		Errors: []int{
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.SyncBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-all",
		Method:      http.MethodPost,
		Path:        "/sync/all",
		Summary:     "Reconcile every known batch from the ledger",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SyncReport `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.SyncAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Reconciliation backlog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		ids, err := e.Repo.ListSyncCandidates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"candidates": len(ids),
		}}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics-overview",
		Method:      http.MethodGet,
		Path:        "/analytics/overview",
		Summary:     "Supply chain overview",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Overview `json:"body"`
	}, error) {
		out, err := e.AnalyticsOverview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Overview `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analytics-verifications",
		Method:      http.MethodGet,
		Path:        "/analytics/verifications",
		Summary:     "Verification stats over a trailing window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Timeframe string `query:"timeframe" enum:"1h,24h,7d,30d" required:"false"`
	}) (*struct {
		Body engine.VerificationStats `json:"body"`
	}, error) {
		out, err := e.VerificationAnalytics(ctx, input.Timeframe)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerificationStats `json:"body"`
		}{Body: out}, nil
	})
}

func registerCompanies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Register a supply chain party",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CompanyRequest `json:"body"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterCompany(ctx, domain.Company{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			Role:          input.Body.Role,
			Email:         input.Body.Email,
			Phone:         input.Body.Phone,
			LicenseNumber: input.Body.LicenseNumber,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-companies",
		Method:      http.MethodGet,
		Path:        "/companies",
		Summary:     "List companies",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"manufacturer,distributor,retailer" required:"false"`
	}) (*struct {
		Body []domain.Company `json:"body"`
	}, error) {
		items, err := e.Repo.ListCompanies(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Company `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-company",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}",
		Summary:     "Get company",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		c, err := e.Repo.GetCompany(ctx, input.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-company",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/verify",
		Summary:     "Mark a company's license as verified",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.MarkCompanyVerified(ctx, input.CompanyID, now); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCompany(ctx, input.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event tail",
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit" required:"false"`
		Cursor  int64  `query:"cursor" required:"false"`
		BatchID string `query:"batch_id" required:"false"`
		Type    string `query:"type" required:"false"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.BatchID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
