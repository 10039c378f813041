package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/vocabdash/internal/model"
)

type recordingObserver struct {
	calls     atomic.Int32
	refreshes []string
}

func (o *recordingObserver) ObserveBackend(string, time.Duration) { o.calls.Add(1) }
func (o *recordingObserver) RecordTokenRefresh(outcome string) {
	o.refreshes = append(o.refreshes, outcome)
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	obs := &recordingObserver{}
	c, err := New(srv.URL+"/api/", srv.Client(), obs)
	require.NoError(t, err)
	return c, obs
}

func session(value string) []*http.Cookie {
	return []*http.Cookie{{Name: "auth-token", Value: value}, {Name: "theme", Value: "dark"}}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("backend:3000", nil, nil)
	assert.Error(t, err)
}

func TestDoForwardsCookiesAndBearer(t *testing.T) {
	c, obs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vocabs/import", r.URL.Path)
		assert.Equal(t, "a", r.URL.Query().Get("languageFolderId"))
		ck, err := r.Cookie("auth-token")
		require.NoError(t, err)
		assert.Equal(t, "tok", ck.Value)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "csv", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"imported":3}`))
	}))

	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		Path:    "/vocabs/import",
		Query:   map[string][]string{"languageFolderId": {"a"}},
		Body:    []byte("csv"),
		Cookies: session("tok"),
		Bearer:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"imported":3}`, string(resp.Body))
	assert.Equal(t, int32(1), obs.calls.Load())
}

func TestDoForwardsRequestID(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			w.WriteHeader(http.StatusOK)
			return
		}
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		first := len(ids)%2 == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "host/abc-000042")
	_, err := c.Do(ctx, Request{Path: "/auth/me", Cookies: session("tok")})
	require.NoError(t, err)
	assert.Equal(t, []string{"host/abc-000042", "host/abc-000042"}, seen(), "the retry keeps the inbound id")

	_, err = c.Do(context.Background(), Request{Path: "/auth/me", Cookies: session("tok")})
	require.NoError(t, err)
	got := seen()
	require.Len(t, got, 4)
	_, err = uuid.Parse(got[2])
	assert.NoError(t, err, "outside a request a fresh id is generated")
}

func TestNoBearerUnlessAsked(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err := c.Do(context.Background(), Request{Path: "/subjects", Cookies: session("tok")})
	require.NoError(t, err)
}

func TestRefreshOnceThenRetry(t *testing.T) {
	var refreshes atomic.Int32
	c, obs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/refresh":
			refreshes.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "auth-token", Value: "fresh", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case "/api/subjects":
			ck, _ := r.Cookie("auth-token")
			if ck == nil || ck.Value != "fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			theme, _ := r.Cookie("theme")
			assert.NotNil(t, theme)
			_, _ = w.Write([]byte(`[]`))
		}
	}))

	resp, err := c.Do(context.Background(), Request{Path: "/subjects", Cookies: session("stale")})
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
	require.Len(t, resp.SetCookies, 1)
	assert.Equal(t, "fresh", resp.SetCookies[0].Value)
	assert.Equal(t, []string{"ok"}, obs.refreshes)
}

func TestSecondUnauthorizedSignsOut(t *testing.T) {
	var refreshes atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			refreshes.Add(1)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.Do(context.Background(), Request{Path: "/subjects", Cookies: session("stale")})
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestRefreshRejectedSignsOut(t *testing.T) {
	c, obs := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.Do(context.Background(), Request{Path: "/subjects"})
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.Equal(t, []string{"rejected"}, obs.refreshes)
}

func TestForbiddenSignsOutWithoutRefresh(t *testing.T) {
	var refreshes atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			refreshes.Add(1)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := c.Do(context.Background(), Request{Path: "/plans"})
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.Zero(t, refreshes.Load())
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
}

func TestAPIErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "message", body: `{"message":"Name is taken"}`, want: "Name is taken"},
		{name: "message list", body: `{"message":["name too short","color invalid"]}`, want: "name too short; color invalid"},
		{name: "error", body: `{"error":"Bad folder"}`, want: "Bad folder"},
		{name: "not json", body: `<html>`, want: "Unprocessable Entity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := c.Do(context.Background(), Request{Path: "/subjects"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
			assert.Equal(t, tt.want, apiErr.Message)
			assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(err))
			assert.Equal(t, tt.want, MessageOf(err))
		})
	}
}

func TestStatusOfTransportError(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, StatusOf(errors.New("dial tcp: refused")))
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf(context.DeadlineExceeded))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "", BearerToken(nil))
	assert.Equal(t, "b", BearerToken([]*http.Cookie{{Name: "token", Value: "c"}, {Name: "accessToken", Value: "b"}}))
	assert.Equal(t, "a", BearerToken([]*http.Cookie{{Name: "token", Value: "c"}, {Name: "auth-token", Value: "a"}}))
}

func TestMe(t *testing.T) {
	bodies := []string{
		`{"user":{"id":7,"email":"a@b.c","name":"Ann"}}`,
		`{"data":{"_id":"7","email":"a@b.c","name":"Ann"}}`,
		`{"id":"7","email":"a@b.c","name":"Ann"}`,
	}
	for _, body := range bodies {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/auth/me", r.URL.Path)
			_, _ = w.Write([]byte(body))
		}))
		u, _, err := c.Me(context.Background(), session("tok"))
		require.NoError(t, err, body)
		assert.Equal(t, "7", u.ID, body)
		assert.Equal(t, "Ann", u.DisplayName())
	}
}

func TestLoginReturnsCookies(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "a@b.c", creds.Email)
		http.SetCookie(w, &http.Cookie{Name: "auth-token", Value: "new", HttpOnly: true})
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	cookies, err := c.Login(context.Background(), Credentials{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "new", cookies[0].Value)
}

func TestListTrainers(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"t1","name":"Animals","questionType":"multiple_choice","setCountdown":60}],"total":1}`))
	}))
	trainers, _, err := c.ListTrainers(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, trainers, 1)
	assert.Equal(t, model.KindMultipleChoice, trainers[0].QuestionType)
	assert.Equal(t, 60, trainers[0].TimeLimit)
}

func TestFetchExam(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vocab-trainers/t1/exam", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"t1","name":"Animals","questionType":"fill_in_blank","setCountdown":30,
			"questions":[{"sentence":"The ___ meows","correctAnswer":"cat"}]}`))
	}))
	setup, _, err := c.FetchExam(context.Background(), nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.KindFillInBlank, setup.Kind)
	assert.Equal(t, "t1", setup.TrainerID)
	require.Len(t, setup.FillInBlank, 1)
	assert.Equal(t, "cat", setup.FillInBlank[0].CorrectAnswer)
}

func TestFetchExamRejectsInvalid(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"questionType":"multiple_choice","questions":[{"question":"?","options":["a"]}]}`))
	}))
	_, _, err := c.FetchExam(context.Background(), nil, "t1")
	assert.ErrorIs(t, err, model.ErrInvalidExam)
}

func TestSubmitExam(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var sub submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, 42, sub.TimeElapsed)
		require.Len(t, sub.Answers, 2)
		assert.Equal(t, 0, sub.Answers[0].QuestionIndex)
		assert.Equal(t, "b", sub.Answers[1].Answer)
		_, _ = w.Write([]byte(`{"data":{"jobId":991}}`))
	}))
	jobID, _, err := c.SubmitExam(context.Background(), nil, "t1", model.KindMultipleChoice, model.Answers{1: "b", 0: "a"}, 42)
	require.NoError(t, err)
	assert.Equal(t, "991", jobID)
}

func TestSubmitExamWithoutJobID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, _, err := c.SubmitExam(context.Background(), nil, "t1", model.KindFillInBlank, model.Answers{0: "a"}, 1)
	assert.Error(t, err)
}

func TestBadCredentialsDoNotRefresh(t *testing.T) {
	var refreshes atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			refreshes.Add(1)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
	}))
	_, err := c.Login(context.Background(), Credentials{Email: "a@b.c", Password: "bad"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Invalid credentials", apiErr.Message)
	assert.Zero(t, refreshes.Load())
}
