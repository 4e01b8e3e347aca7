package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/epirank/internal/catalog"
	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/feedback"
	"github.com/kalambet/epirank/internal/mediacache"
	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/rankboard"
	"github.com/kalambet/epirank/internal/scheduler"
	"github.com/kalambet/epirank/internal/sequence"
	"github.com/kalambet/epirank/internal/session"
	"github.com/kalambet/epirank/internal/storage"
)

type AppDeps struct {
	Catalog   *catalog.Catalog
	Session   *session.Controller
	Scheduler *scheduler.Scheduler
	Media     *mediacache.Cache
	Store     *storage.Store // optional; /sessions answers an empty list without it
	Token     string
	// DefaultStrategy is used when a reset request names no sampling
	// strategy.
	DefaultStrategy string
}

type ResetRequest struct {
	ExperimentID     int    `json:"experiment_id"`
	SamplingStrategy string `json:"sampling_strategy"`
}

type TextRequest struct {
	EpisodeID string `json:"episode_id"`
	Text      string `json:"text"`
}

type sessionResponse struct {
	session.State
	PendingFeedback int `json:"pending_feedback"`
	PendingEdits    int `json:"pending_edits"`
}

type outcomeResponse struct {
	Outcome session.Outcome `json:"outcome"`
	State   session.State   `json:"state"`
}

type moveResponse struct {
	Result session.MoveResult `json:"result"`
	Record *feedback.Record   `json:"record,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/projects", handleProjects(deps))
		r.Get("/experiments", handleExperiments(deps))
		r.Get("/ui-configs", handleUIConfigs(deps))
		r.Get("/backend-configs", handleBackendConfigs(deps))

		r.Post("/session/reset", handleResetSession(deps))
		r.Get("/session", handleGetSession(deps))
		r.Get("/session/sequence", handleGetSequence(deps))
		r.Post("/session/sample", handleSample(deps))
		r.Post("/session/advance", handleAdvance(deps))
		r.Get("/sessions", handleListSessions(deps))

		r.Get("/board", handleGetBoard(deps))
		r.Post("/board/moves", handleMove(deps))

		r.Post("/feedback", handleFeedback(deps))
		r.Post("/feedback/text", handleTextFeedback(deps))
		r.Get("/feedback/pending", handlePendingFeedback(deps))
		r.Post("/submit", handleSubmit(deps))

		r.Get("/episodes/{id}/{resource}", handleEpisodeResource(deps))
		r.Get("/schema/feedback", handleFeedbackSchema)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// catalogList serves one catalog listing. ?refresh=true drops the cached
// snapshot first.
func catalogList[T any](deps AppDeps, list func(*catalog.Catalog, *http.Request) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
			deps.Catalog.Invalidate()
		}
		items, err := list(deps.Catalog, r)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to load catalog: %v", err)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleProjects(deps AppDeps) http.HandlerFunc {
	return catalogList(deps, func(c *catalog.Catalog, r *http.Request) ([]provider.Project, error) {
		return c.Projects(r.Context())
	})
}

func handleExperiments(deps AppDeps) http.HandlerFunc {
	return catalogList(deps, func(c *catalog.Catalog, r *http.Request) ([]provider.Experiment, error) {
		return c.Experiments(r.Context())
	})
}

func handleUIConfigs(deps AppDeps) http.HandlerFunc {
	return catalogList(deps, func(c *catalog.Catalog, r *http.Request) ([]provider.UIConfig, error) {
		return c.UIConfigs(r.Context())
	})
}

func handleBackendConfigs(deps AppDeps) http.HandlerFunc {
	return catalogList(deps, func(c *catalog.Catalog, r *http.Request) ([]provider.BackendConfig, error) {
		return c.BackendConfigs(r.Context())
	})
}

func handleResetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ExperimentID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "experiment_id is required")
			return
		}
		strategy := req.SamplingStrategy
		if strategy == "" {
			strategy = deps.DefaultStrategy
		}

		st, err := deps.Session.Reset(r.Context(), req.ExperimentID, strategy)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, st)
		case errors.Is(err, session.ErrBusy):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case errors.Is(err, catalog.ErrUnknownExperiment):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case errors.Is(err, catalog.ErrNoUIConfigs), errors.Is(err, catalog.ErrUnknownUIConfig),
			errors.Is(err, sequence.ErrInvalidBatchSize), errors.Is(err, sequence.ErrNoConfigs):
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
		default:
			httpError(w, http.StatusBadGateway, "api_error", "failed to reset session: %v", err)
		}
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionResponse{
			State:           deps.Session.Snapshot(),
			PendingFeedback: len(deps.Scheduler.Pending()),
			PendingEdits:    deps.Scheduler.PendingEdits(),
		})
	}
}

func handleGetSequence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq := deps.Session.Sequence()
		if seq == nil {
			seq = []sequence.Element{}
		}
		writeJSON(w, http.StatusOK, seq)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		var sessions []storage.Session
		if deps.Store != nil {
			var err error
			sessions, err = deps.Store.RecentSessions(r.Context(), limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
				return
			}
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleSample(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Session.SampleEpisodes(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to sample episodes: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse{Outcome: out, State: deps.Session.Snapshot()})
	}
}

func handleAdvance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Session.AdvanceStep(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to advance step: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, outcomeResponse{Outcome: out, State: deps.Session.Snapshot()})
	}
}

func handleGetBoard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.Snapshot().Board)
	}
}

func handleMove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m rankboard.Move
		if !decodeBody(w, r, &m) {
			return
		}

		res, err := deps.Session.ApplyMove(m)
		switch {
		case errors.Is(err, session.ErrNotActive):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case errors.Is(err, rankboard.ErrUnknownColumn), errors.Is(err, rankboard.ErrItemNotFound):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to apply move: %v", err)
			return
		}

		rec, err := deps.Scheduler.RecordRanking(r.Context(), res)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "board updated but ranking feedback was not scheduled: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, moveResponse{Result: res, Record: rec})
	}
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}

		meta, err := deps.Scheduler.Meta(feedback.Granularity(req.Granularity))
		if err != nil {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		rec, err := buildRecord(meta, req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Scheduler.Schedule(r.Context(), rec); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to schedule feedback: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleTextFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TextRequest
		if !decodeBody(w, r, &req) {
			return
		}

		err := deps.Scheduler.EditText(req.EpisodeID, req.Text)
		switch {
		case errors.Is(err, episode.ErrInvalidIdentifier):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, scheduler.ErrNoSession):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record text: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "debounced",
			"pending_edits": deps.Scheduler.PendingEdits(),
		})
	}
}

func handlePendingFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Scheduler.Pending()
		if records == nil {
			records = []feedback.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records":       records,
			"pending_edits": deps.Scheduler.PendingEdits(),
		})
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Scheduler.Submit(r.Context())
		switch {
		case errors.Is(err, scheduler.ErrSubmitInFlight):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEpisodeResource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		kind := mediacache.Kind(chi.URLParam(r, "resource"))
		switch kind {
		case mediacache.KindThumbnail, mediacache.KindVideo, mediacache.KindRewards, mediacache.KindUncertainty:
		default:
			httpError(w, http.StatusNotFound, "not_found", "unknown episode resource %q", kind)
			return
		}

		v, ok, err := deps.Media.Get(r.Context(), kind, id)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "%s for %s is not available yet", kind, id)
			return
		}

		switch v := v.(type) {
		case provider.Media:
			ct := v.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			w.Header().Set("Content-Type", ct)
			w.Header().Set("Content-Length", strconv.Itoa(len(v.Data)))
			w.Write(v.Data)
		default:
			writeJSON(w, http.StatusOK, v)
		}
	}
}

func handleFeedbackSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, feedback.Schema())
}
