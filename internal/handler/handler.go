package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/vocabdash/internal/backend"
	"github.com/pavelanni/vocabdash/internal/handler/views"
	"github.com/pavelanni/vocabdash/internal/jobwatch"
	"github.com/pavelanni/vocabdash/internal/metrics"
	"github.com/pavelanni/vocabdash/internal/model"
	"github.com/pavelanni/vocabdash/internal/realtime"
	"github.com/pavelanni/vocabdash/internal/staging"
)

// Config holds handler settings.
type Config struct {
	BasePath       string
	SecureCookies  bool
	StatusWait     time.Duration
	MaxUploadBytes int64
	Cloudinary     CloudinaryConfig
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	backend *backend.Client
	stager  *staging.Stager
	hub     *realtime.Hub
	metrics *metrics.Manager
	config  Config
}

// New creates a new Handler. m may be nil.
func New(b *backend.Client, s *staging.Stager, hub *realtime.Hub, m *metrics.Manager, cfg Config) (*Handler, error) {
	if b == nil || s == nil || hub == nil {
		return nil, errors.New("handler needs a backend client, a stager and a hub")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &Handler{backend: b, stager: s, hub: hub, metrics: m, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", h.apiRoutes)

	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)
		r.Get("/login", h.handleLoginPage)
		r.Post("/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, h.path("/vocab-trainer"), http.StatusSeeOther)
			})
			r.Post("/logout", h.handleLogout)
			r.Get("/vocab-trainer", h.handleTrainerList)
			r.Route("/vocab-trainer/{trainerID}", func(r chi.Router) {
				r.Post("/start", h.handleStartExam)
				r.Get("/exam", h.handleExamPage)
				r.Post("/exam/leave", h.handleLeaveExam)
				r.Post("/exam/submit", h.handleSubmitExam)
				r.Get("/result", h.handleResultPage)
				r.Get("/result/status", h.handleResultStatus)
				r.Post("/result/retry", h.handleResultRetry)
				r.Post("/result/done", h.handleResultDone)
			})
		})
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) trainerPath(trainerID, suffix string) string {
	return h.path("/vocab-trainer/" + url.PathEscape(trainerID) + suffix)
}

func render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

// redirect navigates the browser, through HX-Redirect for htmx requests.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// pageError handles a failed page load: a lost session signs the user out,
// anything else renders the error page.
func (h *Handler) pageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, backend.ErrSignedOut) {
		h.signOut(w, r)
		return
	}
	status := backend.StatusOf(err)
	slog.Error("page load failed", "path", r.URL.Path, "status", status, "error", err)
	render(w, r, status, views.ErrorPage(h.config.BasePath, status, backend.MessageOf(err)))
}

// stagingError handles a staging read failure. A missing or corrupt record
// sends the user back to the trainer list.
func (h *Handler) stagingError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, staging.ErrNotStaged) || errors.Is(err, staging.ErrCorrupt) {
		h.redirect(w, r, h.path("/vocab-trainer"))
		return
	}
	slog.Error("staging failed", "path", r.URL.Path, "error", err)
	render(w, r, http.StatusInternalServerError,
		views.ErrorPage(h.config.BasePath, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)))
}

func (h *Handler) handleTrainerList(w http.ResponseWriter, r *http.Request) {
	trainers, fresh, err := h.backend.ListTrainers(r.Context(), model.CookiesFromContext(r.Context()))
	if err != nil {
		h.pageError(w, r, err)
		return
	}
	h.setSessionCookies(w, fresh)
	render(w, r, http.StatusOK, views.TrainerListPage(h.config.BasePath, trainers))
}

func (h *Handler) handleStartExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	trainerID := chi.URLParam(r, "trainerID")

	setup, fresh, err := h.backend.FetchExam(ctx, model.CookiesFromContext(ctx), trainerID)
	if err != nil {
		h.pageError(w, r, err)
		return
	}
	h.setSessionCookies(w, fresh)
	if err := h.stager.SaveExam(ctx, user.ID, setup); err != nil {
		h.stagingError(w, r, err)
		return
	}
	slog.Info("exam staged", "user_id", user.ID, "trainer_id", trainerID, "kind", setup.Kind, "questions", setup.Len())
	h.redirect(w, r, h.trainerPath(trainerID, "/exam"))
}

func (h *Handler) handleExamPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	setup, err := h.stager.LoadExam(ctx, user.ID, chi.URLParam(r, "trainerID"))
	if err != nil {
		h.stagingError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	render(w, r, http.StatusOK, views.ExamPage(h.config.BasePath, setup))
}

// handleLeaveExam drops the staged exam. Browsers call it with sendBeacon
// when the exam page goes away without a submit.
func (h *Handler) handleLeaveExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	trainerID := chi.URLParam(r, "trainerID")
	if err := h.stager.DropExam(ctx, user.ID, trainerID); err != nil {
		slog.Error("failed to drop staged exam", "user_id", user.ID, "trainer_id", trainerID, "error", err)
	}
	if r.Header.Get("Sec-Fetch-Mode") == "no-cors" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirect(w, r, h.path("/vocab-trainer"))
}

func (h *Handler) handleSubmitExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	cookies := model.CookiesFromContext(ctx)
	trainerID := chi.URLParam(r, "trainerID")

	setup, err := h.stager.LoadExam(ctx, user.ID, trainerID)
	if err != nil {
		h.stagingError(w, r, err)
		return
	}

	answers := make(model.Answers, setup.Len())
	for i := 0; i < setup.Len(); i++ {
		if v := r.PostFormValue(views.AnswerField(i)); v != "" {
			answers[i] = v
		}
	}
	elapsed, _ := strconv.Atoi(r.PostFormValue("time_elapsed"))
	if elapsed < 0 {
		elapsed = 0
	}

	rec := model.ExamResultRecord{
		Kind:        setup.Kind,
		TrainerID:   trainerID,
		TimeElapsed: elapsed,
		Setup:       &setup,
		Answers:     answers,
	}
	if _, async := setup.Kind.Channel(); async {
		jobID, fresh, err := h.backend.SubmitExam(ctx, cookies, trainerID, setup.Kind, answers, elapsed)
		if err != nil {
			h.pageError(w, r, err)
			return
		}
		h.setSessionCookies(w, fresh)
		rec.JobID = jobID
	}

	if err := h.stager.SaveResult(ctx, user.ID, rec); err != nil {
		h.stagingError(w, r, err)
		return
	}
	if err := h.stager.DropExam(ctx, user.ID, trainerID); err != nil {
		slog.Error("failed to drop staged exam", "user_id", user.ID, "trainer_id", trainerID, "error", err)
	}
	if rec.JobID != "" {
		if _, err := h.hub.Watch(*user, cookies, trainerID, rec.Kind, rec.JobID); err != nil {
			slog.Error("failed to watch job", "job_id", rec.JobID, "error", err)
		}
	}
	slog.Info("exam submitted", "user_id", user.ID, "trainer_id", trainerID, "kind", rec.Kind, "job_id", rec.JobID)
	h.redirect(w, r, h.trainerPath(trainerID, "/result"))
}

// listenerFor returns the listener for a staged result, starting a new one
// when the hub has none for this job (after a restart, or a sign-in
// elsewhere).
func (h *Handler) listenerFor(ctx context.Context, user *model.User, rec model.ExamResultRecord) (*jobwatch.Listener, error) {
	if l, ok := h.hub.Listener(user.ID, rec.TrainerID); ok && l.JobID() == rec.JobID {
		return l, nil
	}
	return h.hub.Watch(*user, model.CookiesFromContext(ctx), rec.TrainerID, rec.Kind, rec.JobID)
}

func (h *Handler) resultStatus(ctx context.Context, user *model.User, rec model.ExamResultRecord) (templ.Component, error) {
	if rec.Kind == model.KindFlipCard {
		return views.FlipCardResult(rec), nil
	}
	l, err := h.listenerFor(ctx, user, rec)
	if err != nil {
		return nil, err
	}
	live := h.hub.Enabled()
	return views.ResultStatus(h.config.BasePath, rec, l.State(), live), nil
}

func (h *Handler) handleResultPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	rec, err := h.stager.FindResult(ctx, user.ID, chi.URLParam(r, "trainerID"))
	if err != nil {
		h.stagingError(w, r, err)
		return
	}
	status, err := h.resultStatus(ctx, user, rec)
	if err != nil {
		h.pageError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	render(w, r, http.StatusOK, views.ResultPage(h.config.BasePath, rec, status))
}

// handleResultStatus renders the status fragment the result page polls. It
// holds the request open for up to StatusWait while the job is running.
func (h *Handler) handleResultStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	rec, err := h.stager.FindResult(ctx, user.ID, chi.URLParam(r, "trainerID"))
	if err != nil {
		h.stagingError(w, r, err)
		return
	}
	if rec.Kind != model.KindFlipCard && h.config.StatusWait > 0 {
		if l, err := h.listenerFor(ctx, user, rec); err == nil {
			waitCtx, cancel := context.WithTimeout(ctx, h.config.StatusWait)
			_, _ = l.Wait(waitCtx)
			cancel()
		}
	}
	status, err := h.resultStatus(ctx, user, rec)
	if err != nil {
		h.pageError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	render(w, r, http.StatusOK, status)
}

// handleResultRetry replaces the listener of a timed-out result page with a
// fresh one and sends the browser back to the page.
func (h *Handler) handleResultRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	trainerID := chi.URLParam(r, "trainerID")

	rec, err := h.stager.FindResult(ctx, user.ID, trainerID)
	if err != nil {
		h.stagingError(w, r, err)
		return
	}
	if rec.JobID != "" {
		if _, err := h.hub.Watch(*user, model.CookiesFromContext(ctx), trainerID, rec.Kind, rec.JobID); err != nil {
			h.pageError(w, r, err)
			return
		}
		slog.Info("job watch restarted", "user_id", user.ID, "trainer_id", trainerID, "job_id", rec.JobID)
	}
	h.redirect(w, r, h.trainerPath(trainerID, "/result"))
}

func (h *Handler) handleResultDone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := model.UserFromContext(ctx)
	trainerID := chi.URLParam(r, "trainerID")

	rec, err := h.stager.FindResult(ctx, user.ID, trainerID)
	switch {
	case err == nil:
		if err := h.stager.DropResult(ctx, user.ID, rec.Kind, trainerID); err != nil {
			slog.Error("failed to drop staged result", "user_id", user.ID, "trainer_id", trainerID, "error", err)
		}
	case !errors.Is(err, staging.ErrNotStaged) && !errors.Is(err, staging.ErrCorrupt):
		slog.Error("failed to read staged result", "user_id", user.ID, "trainer_id", trainerID, "error", err)
	}
	h.hub.Unwatch(user.ID, trainerID)
	h.redirect(w, r, h.path("/vocab-trainer"))
}
