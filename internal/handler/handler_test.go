package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/vocabdash/internal/backend"
	appI18n "github.com/pavelanni/vocabdash/internal/i18n"
	"github.com/pavelanni/vocabdash/internal/model"
	"github.com/pavelanni/vocabdash/internal/realtime"
	"github.com/pavelanni/vocabdash/internal/socket"
	"github.com/pavelanni/vocabdash/internal/socket/sockettest"
	"github.com/pavelanni/vocabdash/internal/staging"
)

const (
	testCSRF = "test-csrf-token"
	nsp      = "/notification"
	testWait = time.Second
	testTick = 5 * time.Millisecond
)

var ann = model.User{ID: "u1", Email: "ann@example.com", Name: "Ann"}

type recorded struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// fakeBackend answers like the vocabulary backend for the user "good".
type fakeBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recorded
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, `{"data":{"id":"u1","email":"ann@example.com","name":"Ann"}}`)
	})
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds backend.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			jsonReply(w, http.StatusUnauthorized, `{"message":"Invalid credentials"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth-token", Value: "good", HttpOnly: true})
		jsonReply(w, http.StatusOK, `{"ok":true}`)
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/vocab-trainers", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, `{"data":[
			{"id":"t1","name":"Verbs","questionType":"fill_in_blank","setCountdown":60},
			{"id":"t2","name":"Animals","questionType":"flip_card"}]}`)
	})
	mux.HandleFunc("GET /api/vocab-trainers/{id}/exam", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "t1":
			jsonReply(w, http.StatusOK, `{"data":{"id":"t1","name":"Verbs","questionType":"fill_in_blank","setCountdown":60,
				"questions":[{"sentence":"I ___ home","correctAnswer":"go"},{"sentence":"She ___ fast","correctAnswer":"runs"}]}}`)
		case "t2":
			jsonReply(w, http.StatusOK, `{"id":"t2","name":"Animals","questionType":"flip_card",
				"questions":[{"front":"dog","back":"Hund"},{"front":"cat","back":"Katze"}]}`)
		default:
			jsonReply(w, http.StatusNotFound, `{"message":"Trainer not found"}`)
		}
	})
	mux.HandleFunc("POST /api/vocab-trainers/{id}/exam", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusAccepted, `{"jobId":"j1"}`)
	})
	mux.HandleFunc("GET /api/vocabs/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "word,translation\nHund,dog\nKatze,cat\n")
	})
	mux.HandleFunc("POST /api/vocabs/import", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusCreated, `{"imported":2}`)
	})
	mux.HandleFunc("DELETE /api/subjects/{id}", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusNotFound, `{"message":"Subject not found"}`)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			jsonReply(w, http.StatusCreated, `{"id":"new"}`)
			return
		}
		jsonReply(w, http.StatusOK, `{"data":[],"total":0}`)
	})

	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.requests = append(fb.requests, recorded{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone(), Body: body,
		})
		fb.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		public := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/register"
		if ck, err := r.Cookie("auth-token"); !public && (err != nil || ck.Value != "good") {
			jsonReply(w, http.StatusUnauthorized, `{"message":"Unauthorized"}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// last returns the most recent request to path.
func (fb *fakeBackend) last(method, path string) (recorded, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := len(fb.requests) - 1; i >= 0; i-- {
		if fb.requests[i].Method == method && fb.requests[i].Path == path {
			return fb.requests[i], true
		}
	}
	return recorded{}, false
}

func (fb *fakeBackend) count(method, path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, r := range fb.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

type testEnv struct {
	t       *testing.T
	backend *fakeBackend
	store   *staging.MemoryStore
	hub     *realtime.Hub
	dialer  *sockettest.Dialer
	router  chi.Router
	token   string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithJobTimeout(t, cfg, time.Minute)
}

func newTestEnvWithJobTimeout(t *testing.T, cfg Config, jobTimeout time.Duration) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	fb := newFakeBackend(t)
	client, err := backend.New(fb.srv.URL+"/api/", fb.srv.Client(), nil)
	require.NoError(t, err)

	store := staging.NewMemoryStore()
	d := &sockettest.Dialer{}
	hub, err := realtime.New(realtime.Config{
		Socket:     socket.Config{URL: "http://backend.test", Namespace: nsp},
		JobTimeout: jobTimeout,
	}, d, nil)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	h, err := New(client, staging.New(store, nil), hub, nil, cfg)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	return &testEnv{t: t, backend: fb, store: store, hub: hub, dialer: d, router: r, token: "good"}
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	if e.token != "" {
		req.AddCookie(&http.Cookie{Name: "auth-token", Value: e.token})
	}
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRF})
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.serve(httptest.NewRequest(http.MethodGet, target, nil))
}

// post submits a form carrying the CSRF token.
func (e *testEnv) post(target string, form url.Values) *httptest.ResponseRecorder {
	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", testCSRF)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.serve(req)
}

func (e *testEnv) staged(key string) (json.RawMessage, bool) {
	data, ok, err := e.store.Get(context.Background(), ann.ID, key)
	require.NoError(e.t, err)
	return data, ok
}

// liveConn waits for the user's socket to connect and returns it.
func (e *testEnv) liveConn() *sockettest.Conn {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return e.dialer.Conn(0) != nil }, testWait, testTick)
	client := e.hub.Acquire(ann, nil)
	require.NotNil(e.t, client)
	require.Eventually(e.t, client.Connected, testWait, testTick)
	return e.dialer.Conn(0)
}

func TestUnauthenticatedRedirectsToLogin(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.token = ""

	rec := e.get("/vocab-trainer")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestExpiredSessionSignsOut(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.token = "expired"

	rec := e.get("/vocab-trainer")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, 1, e.backend.count(http.MethodPost, "/api/auth/refresh"))

	var cleared bool
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "auth-token" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "session cookie should be cleared")
}

func TestHTMXRequestGetsRedirectHeader(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.token = ""
	req := httptest.NewRequest(http.MethodGet, "/vocab-trainer/t1/result/status", nil)
	req.Header.Set("HX-Request", "true")

	rec := e.serve(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("HX-Redirect"))
}

func TestTrainerList(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.get("/vocab-trainer")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Verbs")
	assert.Contains(t, body, "Fill in the blank")
	assert.Contains(t, body, "Time limit: 60 s")
	assert.Contains(t, body, `action="/vocab-trainer/t1/start"`)
	assert.Contains(t, body, "Ann")
}

func TestFormPostWithoutCSRFTokenIsRejected(t *testing.T) {
	e := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/vocab-trainer/t1/start", nil)

	rec := e.serve(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, ok := e.staged(staging.ExamKey("t1"))
	assert.False(t, ok)
}

func TestCSRFCookieIsReused(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.get("/login")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), testCSRF)
	for _, ck := range rec.Result().Cookies() {
		assert.NotEqual(t, csrfCookieName, ck.Name, "existing token must not be rotated")
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.token = ""

	rec := e.post("/login", url.Values{"email": {"ann@example.com"}, "password": {"secret"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))

	var session *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "auth-token" {
			session = ck
		}
	}
	require.NotNil(t, session)
	assert.Equal(t, "good", session.Value)
	assert.True(t, session.HttpOnly)
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		form   url.Values
		status int
	}{
		{"wrong password", url.Values{"email": {"ann@example.com"}, "password": {"nope"}}, http.StatusUnauthorized},
		{"invalid email", url.Values{"email": {"ann"}, "password": {"secret"}}, http.StatusBadRequest},
		{"missing password", url.Values{"email": {"ann@example.com"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, Config{})
			e.token = ""

			rec := e.post("/login", tt.form)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), "Invalid email or password.")
			assert.Zero(t, e.backend.count(http.MethodPost, "/api/auth/refresh"))
		})
	}
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.post("/logout", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.Equal(t, 1, e.backend.count(http.MethodPost, "/api/auth/logout"))
	_, ok := e.hub.Listener(ann.ID, "t1")
	assert.False(t, ok)
}

func TestExamFlowCompletes(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.post("/vocab-trainer/t1/start", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer/t1/exam", rec.Header().Get("Location"))
	_, ok := e.staged("exam_data_t1")
	require.True(t, ok)

	rec = e.get("/vocab-trainer/t1/exam")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "I ___ home")
	assert.Contains(t, rec.Body.String(), `data-limit="60"`)

	rec = e.post("/vocab-trainer/t1/exam/submit", url.Values{
		"answer_0": {"go"}, "answer_1": {"run"}, "time_elapsed": {"42"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer/t1/result", rec.Header().Get("Location"))

	sent, ok := e.backend.last(http.MethodPost, "/api/vocab-trainers/t1/exam")
	require.True(t, ok)
	assert.JSONEq(t, `{"questionType":"fill_in_blank","timeElapsed":42,
		"answers":[{"questionIndex":0,"answer":"go"},{"questionIndex":1,"answer":"run"}]}`, string(sent.Body))

	_, ok = e.staged("exam_data_t1")
	assert.False(t, ok, "exam setup is dropped once submitted")
	data, ok := e.staged("fill_in_blank_result_t1")
	require.True(t, ok)
	var staged model.ExamResultRecord
	require.NoError(t, json.Unmarshal(data, &staged))
	assert.Equal(t, "j1", staged.JobID)
	assert.Equal(t, 42, staged.TimeElapsed)
	assert.Equal(t, model.Answers{0: "go", 1: "run"}, staged.Answers)

	rec = e.get("/vocab-trainer/t1/result")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Evaluating your answers")
	assert.Contains(t, rec.Body.String(), `hx-get="/vocab-trainer/t1/result/status"`)

	conn := e.liveConn()
	conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"other","status":"failed","error":"not yours"}`)
	conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"j1","status":"evaluating"}`)
	conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"j1","status":"completed","data":{"results":[
		{"questionIndex":0,"userAnswer":"go","isCorrect":true},
		{"questionIndex":1,"userAnswer":"run","correctAnswer":"runs","isCorrect":false,"feedback":"Third person takes -s."}]}}`)
	require.Eventually(t, func() bool {
		l, ok := e.hub.Listener(ann.ID, "t1")
		return ok && l.State().Result != nil
	}, testWait, testTick)

	rec = e.get("/vocab-trainer/t1/result/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "hx-trigger", "a finished result stops polling")
	assert.NotContains(t, body, "not yours")

	rec = e.get("/vocab-trainer/t1/result")
	body = rec.Body.String()
	assert.Contains(t, body, "1 of 2 correct")
	assert.Contains(t, body, "Time: 42 s")
	assert.Contains(t, body, "She ___ fast")
	assert.Contains(t, body, "runs")
	assert.Contains(t, body, "Third person takes -s.")

	rec = e.post("/vocab-trainer/t1/result/done", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	_, ok = e.staged("fill_in_blank_result_t1")
	assert.False(t, ok)
	_, ok = e.hub.Listener(ann.ID, "t1")
	assert.False(t, ok)
}

func TestTimedOutResultCanBeRetried(t *testing.T) {
	e := newTestEnvWithJobTimeout(t, Config{}, 200*time.Millisecond)
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/exam/submit", nil).Code)

	first, ok := e.hub.Listener(ann.ID, "t1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return first.State().TimedOut }, testWait, testTick)

	rec := e.get("/vocab-trainer/t1/result/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `class="timed-out"`)
	assert.Contains(t, body, `action="/vocab-trainer/t1/result/retry"`)
	assert.NotContains(t, body, "hx-trigger")

	rec = e.post("/vocab-trainer/t1/result/retry", nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer/t1/result", rec.Header().Get("Location"))

	second, ok := e.hub.Listener(ann.ID, "t1")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, "j1", second.JobID())
	assert.True(t, second.State().Loading)
	assert.False(t, second.State().TimedOut)

	rec = e.get("/vocab-trainer/t1/result")
	assert.Contains(t, rec.Body.String(), "Evaluating your answers")
}

func TestRetryWithoutStagedResult(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.post("/vocab-trainer/t1/result/retry", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))
	_, ok := e.hub.Listener(ann.ID, "t1")
	assert.False(t, ok)
}

func TestFailedEvaluationShowsError(t *testing.T) {
	e := newTestEnv(t, Config{})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/exam/submit", url.Values{"answer_0": {"go"}}).Code)

	conn := e.liveConn()
	conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"j1","status":"failed","error":"model unavailable"}`)
	require.Eventually(t, func() bool {
		l, ok := e.hub.Listener(ann.ID, "t1")
		return ok && l.State().Error != ""
	}, testWait, testTick)

	rec := e.get("/vocab-trainer/t1/result/status")
	assert.Contains(t, rec.Body.String(), "model unavailable")
	assert.Contains(t, rec.Body.String(), `class="failed"`)
}

func TestMismatchedJobKeepsLoading(t *testing.T) {
	e := newTestEnv(t, Config{})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/exam/submit", nil).Code)

	conn := e.liveConn()
	conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"j2","status":"completed","data":{"results":[]}}`)
	conn.Push("translation-audio-evaluation-progress", `{"jobId":"j1","status":"failed"}`)

	// A notification sent after the unrelated events proves they were processed.
	conn.Push("notification", `{"id":"n1","type":"system"}`)
	require.Eventually(t, func() bool {
		rec := e.get("/api/notifications/live")
		return strings.Contains(rec.Body.String(), `"n1"`)
	}, testWait, testTick)

	l, ok := e.hub.Listener(ann.ID, "t1")
	require.True(t, ok)
	assert.True(t, l.State().Loading)
	rec := e.get("/vocab-trainer/t1/result/status")
	assert.Contains(t, rec.Body.String(), "Evaluating your answers")
}

func TestStatusWaitReturnsWhenJobFinishes(t *testing.T) {
	e := newTestEnv(t, Config{StatusWait: 5 * time.Second})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/exam/submit", nil).Code)
	conn := e.liveConn()

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Push("fill-in-blank-evaluation-progress", `{"jobId":"j1","status":"failed","error":"boom"}`)
	}()
	start := time.Now()
	rec := e.get("/vocab-trainer/t1/result/status")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestFlipCardScoredLocally(t *testing.T) {
	e := newTestEnv(t, Config{})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t2/start", nil).Code)

	rec := e.post("/vocab-trainer/t2/exam/submit", url.Values{"answer_0": {" hund "}, "answer_1": {"Kater"}, "time_elapsed": {"7"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Zero(t, e.backend.count(http.MethodPost, "/api/vocab-trainers/t2/exam"))

	rec = e.get("/vocab-trainer/t2/result")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "1 of 2 correct")
	assert.Contains(t, body, "Katze")
	assert.Contains(t, body, "Time: 7 s")
	assert.NotContains(t, body, "hx-trigger")
}

func TestLeaveExamDropsStagedExam(t *testing.T) {
	e := newTestEnv(t, Config{})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)

	rec := e.post("/vocab-trainer/t1/exam/leave", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))
	_, ok := e.staged("exam_data_t1")
	assert.False(t, ok)

	rec = e.get("/vocab-trainer/t1/exam")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))
}

func TestLeaveBeaconGetsNoContent(t *testing.T) {
	e := newTestEnv(t, Config{})
	require.Equal(t, http.StatusSeeOther, e.post("/vocab-trainer/t1/start", nil).Code)

	form := url.Values{"csrf_token": {testCSRF}}
	req := httptest.NewRequest(http.MethodPost, "/vocab-trainer/t1/exam/leave", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")

	rec := e.serve(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := e.staged("exam_data_t1")
	assert.False(t, ok)
}

func TestCorruptStagingRedirects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		path string
	}{
		{"exam", "exam_data_t1", "/vocab-trainer/t1/exam"},
		{"result", "fill_in_blank_result_t1", "/vocab-trainer/t1/result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, Config{})
			require.NoError(t, e.store.Put(context.Background(), ann.ID, tt.key, []byte(`{"kind":`)))

			rec := e.get(tt.path)
			assert.Equal(t, http.StatusSeeOther, rec.Code)
			assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))
			_, ok := e.staged(tt.key)
			assert.False(t, ok, "corrupt record is deleted")
		})
	}
}

func TestResultWithoutSubmitRedirects(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.get("/vocab-trainer/t1/result")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/vocab-trainer", rec.Header().Get("Location"))
}

func TestStartUnknownTrainerShowsErrorPage(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.post("/vocab-trainer/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Trainer not found")
	assert.Contains(t, rec.Body.String(), "Something went wrong")
}

func TestBasePath(t *testing.T) {
	e := newTestEnv(t, Config{BasePath: "/dash"})
	root := chi.NewRouter()
	root.Mount("/dash", e.router)
	e.router = root

	rec := e.post("/dash/vocab-trainer/t1/start", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/dash/vocab-trainer/t1/exam", rec.Header().Get("Location"))
}
