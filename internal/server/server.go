// Package server exposes the HTTP API. Handlers are thin: decode, resolve
// the authenticated coordinator, call the engine, map errors to the shared
// envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mailmerge/internal/domain"
	"mailmerge/internal/engine"
	"mailmerge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task survey-1 is ACTIVE; only DRAFT tasks are editable"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("MailMerge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerRecipients(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTaskOps(group, cfg.Engine)
	registerTaskReads(group, cfg.Engine)
	registerArtifact(router, basePath, cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid credentials"):
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	case strings.Contains(lowered, "immutable"),
		strings.Contains(lowered, "editable"),
		strings.Contains(lowered, "cannot be deleted"),
		strings.Contains(lowered, "needs a closed task"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "duplicate"),
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.CoordinatorID, nil
}

// taskForPrincipal loads a task and enforces that the caller created it.
// Foreign tasks read as not found so ids do not leak across coordinators.
func taskForPrincipal(ctx context.Context, e engine.Engine, id string) (domain.Task, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Task{}, authErr
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, handleError(err)
	}
	if t.CreatedBy != actorID {
		return domain.Task{}, newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	return t, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			} `json:"body"`
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Exchange coordinator credentials for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Account  string `json:"account"`
			Password string `json:"password"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Token       string             `json:"token"`
			Coordinator domain.Coordinator `json:"coordinator"`
		} `json:"body"`
	}, error) {
		c, err := e.Login(ctx, input.Body.Account, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueToken(c.ID, c.Account, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Token       string             `json:"token"`
				Coordinator domain.Coordinator `json:"coordinator"`
			} `json:"body"`
		}{}
		resp.Body.Token = token
		resp.Body.Coordinator = c
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current coordinator",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body domain.Coordinator `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCoordinator(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Coordinator `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-mail-auth-code",
		Method:        http.MethodPut,
		Path:          "/me/mail-auth-code",
		Summary:       "Store the coordinator's mailbox authorization code",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			AuthCode string `json:"auth_code"`
		} `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetMailAuthCode(ctx, actorID, input.Body.AuthCode); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerRecipients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-recipient",
		Method:        http.MethodPost,
		Path:          "/recipients",
		Summary:       "Create recipient",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Phone string `json:"phone,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Recipient `json:"body"`
	}, error) {
		rec, err := e.CreateRecipient(ctx, engine.RecipientCreateOptions{
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Phone: input.Body.Phone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recipient `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recipients",
		Method:      http.MethodGet,
		Path:        "/recipients",
		Summary:     "List recipients",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Recipients []domain.Recipient `json:"recipients"`
		} `json:"body"`
	}, error) {
		recs, err := e.Repo.ListRecipients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Recipients []domain.Recipient `json:"recipients"`
			} `json:"body"`
		}{}
		resp.Body.Recipients = recs
		return resp, nil
	})
}

type templateFieldRequest struct {
	DisplayName string `json:"display_name"`
	Rule        string `json:"rule,omitempty"`
}

func fieldOptions(reqs []templateFieldRequest) []engine.TemplateFieldOptions {
	opts := make([]engine.TemplateFieldOptions, 0, len(reqs))
	for _, fr := range reqs {
		opts = append(opts, engine.TemplateFieldOptions{DisplayName: fr.DisplayName, RuleJSON: fr.Rule})
	}
	return opts
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description,omitempty"`
			Fields      []templateFieldRequest `json:"fields"`
		} `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Fields:      fieldOptions(input.Body.Fields),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Templates []domain.Template `json:"templates"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, err := e.Repo.ListTemplates(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Templates []domain.Template `json:"templates"`
			} `json:"body"`
		}{}
		resp.Body.Templates = ts
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template with fields",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-template-fields",
		Method:      http.MethodPut,
		Path:        "/templates/{template_id}/fields",
		Summary:     "Replace template fields",
		Description: "Refused once any task references the template.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		Body       struct {
			Fields []templateFieldRequest `json:"fields"`
		} `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.UpdateTemplateFields(ctx, input.TemplateID, fieldOptions(input.Body.Fields))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name        string   `json:"name"`
			Description string   `json:"description,omitempty"`
			TemplateID  string   `json:"template_id"`
			StartedTime string   `json:"started_time,omitempty" format:"date-time"`
			Deadline    string   `json:"deadline,omitempty" format:"date-time"`
			MailSubject string   `json:"mail_subject,omitempty"`
			MailBody    string   `json:"mail_body,omitempty"`
			Targets     []string `json:"targets,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			TemplateID:  input.Body.TemplateID,
			StartedTime: input.Body.StartedTime,
			Deadline:    input.Body.Deadline,
			MailSubject: input.Body.MailSubject,
			MailBody:    input.Body.MailBody,
			Targets:     input.Body.Targets,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List the caller's tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct{}) (*struct {
		Body struct {
			Tasks []domain.Task `json:"tasks"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, err := e.Repo.ListTasks(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Tasks []domain.Task `json:"tasks"`
			} `json:"body"`
		}{}
		resp.Body.Tasks = ts
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, herr := taskForPrincipal(ctx, e, input.TaskID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Edit a draft task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Name        *string `json:"name,omitempty"`
			Description *string `json:"description,omitempty"`
			StartedTime *string `json:"started_time,omitempty" format:"date-time"`
			Deadline    *string `json:"deadline,omitempty" format:"date-time"`
			MailSubject *string `json:"mail_subject,omitempty"`
			MailBody    *string `json:"mail_body,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		actorID, _ := actorIDFromContext(ctx)
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.TaskID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			StartedTime: input.Body.StartedTime,
			Deadline:    input.Body.Deadline,
			MailSubject: input.Body.MailSubject,
			MailBody:    input.Body.MailBody,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete a task with no received replies",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		actorID, _ := actorIDFromContext(ctx)
		if err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-targets",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/targets",
		Summary:     "List task targets",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Targets []domain.Recipient `json:"targets"`
		} `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		targets, err := e.Repo.ListTaskTargets(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Targets []domain.Recipient `json:"targets"`
			} `json:"body"`
		}{}
		resp.Body.Targets = targets
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task-target",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/targets",
		Summary:       "Add a recipient to a draft task",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			RecipientID string `json:"recipient_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		if err := e.AddTarget(ctx, input.TaskID, input.Body.RecipientID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-task-target",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}/targets/{recipient_id}",
		Summary:       "Remove a recipient from a draft task",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID      string `path:"task_id"`
		RecipientID string `path:"recipient_id"`
	}) (*struct{}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		if err := e.RemoveTarget(ctx, input.TaskID, input.RecipientID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerTaskOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "activate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/activate",
		Summary:     "Activate a draft task now",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		actorID, _ := actorIDFromContext(ctx)
		t, err := e.ActivateNow(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/close",
		Summary:     "Close an active task now",
		Description: "Closing also attempts an aggregation; an aggregation failure leaves the task CLOSED.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		actorID, _ := actorIDFromContext(ctx)
		t, err := e.CloseNow(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "aggregate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/aggregate",
		Summary:     "Aggregate a closed task now",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Aggregation domain.Aggregation `json:"aggregation"`
			Warnings    []string           `json:"warnings,omitempty"`
		} `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		actorID, _ := actorIDFromContext(ctx)
		res, err := e.AggregateNow(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Aggregation domain.Aggregation `json:"aggregation"`
				Warnings    []string           `json:"warnings,omitempty"`
			} `json:"body"`
		}{}
		resp.Body.Aggregation = res.Aggregation
		resp.Body.Warnings = res.Warnings
		return resp, nil
	})
}

func registerTaskReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task-aggregation",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/aggregation",
		Summary:     "Get the task's merged aggregation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Aggregation `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		agg, err := e.Repo.GetAggregationForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aggregation `json:"body"`
		}{Body: agg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-issues",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/issues",
		Summary:     "List validation issues from the last aggregation",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Issues []domain.ValidationIssue `json:"issues"`
		} `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		agg, err := e.Repo.GetAggregationForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := e.Repo.ListIssues(ctx, agg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Issues []domain.ValidationIssue `json:"issues"`
			} `json:"body"`
		}{}
		resp.Body.Issues = issues
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-messages",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/messages",
		Summary:     "List the task's outbound sends and received replies",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Outbound []domain.OutboundMessage `json:"outbound"`
			Inbound  []domain.InboundMessage  `json:"inbound"`
		} `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		out, err := e.Repo.ListOutboundForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.Repo.ListInboundForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Outbound []domain.OutboundMessage `json:"outbound"`
				Inbound  []domain.InboundMessage  `json:"inbound"`
			} `json:"body"`
		}{}
		resp.Body.Outbound = out
		resp.Body.Inbound = in
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "List the task's audit events",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		if _, herr := taskForPrincipal(ctx, e, input.TaskID); herr != nil {
			return nil, herr
		}
		evts, err := e.Repo.ListEvents(ctx, "task", input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		resp.Body.Events = evts
		return resp, nil
	})
}

// registerArtifact serves the merged spreadsheet as a file download. It is a
// plain chi route because the response is a binary stream, not JSON.
func registerArtifact(router chi.Router, basePath string, e engine.Engine) {
	router.Get(basePath+"/tasks/{task_id}/artifact", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		taskID := chi.URLParam(r, "task_id")
		t, herr := taskForPrincipal(ctx, e, taskID)
		if herr != nil {
			writeJSONError(w, herr)
			return
		}
		agg, err := e.Repo.GetAggregationForTask(ctx, taskID)
		if err != nil {
			writeJSONError(w, handleError(err))
			return
		}
		tmp, err := os.MkdirTemp("", "artifact-")
		if err != nil {
			writeJSONError(w, handleError(err))
			return
		}
		defer os.RemoveAll(tmp)
		local := filepath.Join(tmp, filepath.Base(agg.FilePath))
		if err := e.Store.Download(ctx, agg.FilePath, local); err != nil {
			writeJSONError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="`+t.Name+`_merged.xlsx"`)
		http.ServeFile(w, r, local)
	})
}

func writeJSONError(w http.ResponseWriter, herr huma.StatusError) {
	ae, ok := herr.(*apiError)
	if !ok {
		http.Error(w, herr.Error(), herr.GetStatus())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + ae.Body.Code + `","message":"` + ae.Body.Message + `"}}`))
}
