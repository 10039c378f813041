package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/pavelanni/vocabdash/internal/model"
)

// Cookies returns the cookies the backend set on this response.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}

// decodeData unmarshals body into v, unwrapping a {"data": ...} envelope
// when there is one.
func decodeData(body []byte, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) &&
		json.Unmarshal(body, &env) == nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		body = env.Data
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// Me resolves the identity behind cookies.
func (c *Client) Me(ctx context.Context, cookies []*http.Cookie) (*model.User, []*http.Cookie, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/auth/me", Cookies: cookies})
	if err != nil {
		return nil, nil, err
	}
	var wrapped struct {
		User *model.User `json:"user"`
	}
	if err := decodeData(resp.Body, &wrapped); err == nil && wrapped.User != nil && wrapped.User.ID != "" {
		return wrapped.User, resp.SetCookies, nil
	}
	var u model.User
	if err := decodeData(resp.Body, &u); err != nil {
		return nil, nil, err
	}
	if u.ID == "" {
		return nil, nil, errors.New("backend returned a user without id")
	}
	return &u, resp.SetCookies, nil
}

// Credentials is the sign-in form.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login signs in and returns the session cookies the backend issued.
func (c *Client) Login(ctx context.Context, creds Credentials) ([]*http.Cookie, error) {
	req, err := JSON(http.MethodPost, "/auth/login", creds)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Cookies(), nil
}

// Logout ends the backend session. Failures are logged by the caller; the
// local session is cleared regardless.
func (c *Client) Logout(ctx context.Context, cookies []*http.Cookie) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/auth/logout", Cookies: cookies})
	return err
}

// ListTrainers returns the user's trainers.
func (c *Client) ListTrainers(ctx context.Context, cookies []*http.Cookie) ([]model.Trainer, []*http.Cookie, error) {
	resp, err := c.Do(ctx, Request{
		Method:  http.MethodGet,
		Path:    "/vocab-trainers",
		Query:   url.Values{"limit": {"100"}},
		Cookies: cookies,
	})
	if err != nil {
		return nil, nil, err
	}
	var trainers []model.Trainer
	if err := decodeData(resp.Body, &trainers); err != nil {
		return nil, nil, err
	}
	return trainers, resp.SetCookies, nil
}

type examPayload struct {
	ID           model.JobID       `json:"id"`
	Name         string            `json:"name"`
	QuestionType model.ExamKind    `json:"questionType"`
	TimeLimit    int               `json:"setCountdown"`
	Questions    []json.RawMessage `json:"questions"`
}

// FetchExam loads the questions of a trainer as a validated ExamSetup.
func (c *Client) FetchExam(ctx context.Context, cookies []*http.Cookie, trainerID string) (model.ExamSetup, []*http.Cookie, error) {
	resp, err := c.Do(ctx, Request{
		Method:  http.MethodGet,
		Path:    "/vocab-trainers/" + url.PathEscape(trainerID) + "/exam",
		Cookies: cookies,
	})
	if err != nil {
		return model.ExamSetup{}, nil, err
	}
	var p examPayload
	if err := decodeData(resp.Body, &p); err != nil {
		return model.ExamSetup{}, nil, err
	}
	setup := model.ExamSetup{
		Kind:        p.QuestionType,
		TrainerID:   trainerID,
		TrainerName: p.Name,
		TimeLimit:   p.TimeLimit,
	}
	questions, err := json.Marshal(p.Questions)
	if err != nil {
		return model.ExamSetup{}, nil, err
	}
	switch p.QuestionType {
	case model.KindMultipleChoice:
		err = json.Unmarshal(questions, &setup.MultipleChoice)
	case model.KindFillInBlank:
		err = json.Unmarshal(questions, &setup.FillInBlank)
	case model.KindFlipCard:
		err = json.Unmarshal(questions, &setup.FlipCards)
	case model.KindTranslationAudio:
		err = json.Unmarshal(questions, &setup.TranslationAudio)
	}
	if err != nil {
		return model.ExamSetup{}, nil, fmt.Errorf("decode %s questions: %w", p.QuestionType, err)
	}
	if err := setup.Validate(); err != nil {
		return model.ExamSetup{}, nil, err
	}
	return setup, resp.SetCookies, nil
}

type submittedAnswer struct {
	QuestionIndex int    `json:"questionIndex"`
	Answer        string `json:"answer"`
}

type submission struct {
	QuestionType model.ExamKind    `json:"questionType"`
	Answers      []submittedAnswer `json:"answers"`
	TimeElapsed  int               `json:"timeElapsed"`
}

// SubmitExam sends the answers for evaluation and returns the job id the
// evaluation will be reported under.
func (c *Client) SubmitExam(ctx context.Context, cookies []*http.Cookie, trainerID string, kind model.ExamKind, answers model.Answers, elapsed int) (string, []*http.Cookie, error) {
	sub := submission{QuestionType: kind, TimeElapsed: elapsed, Answers: make([]submittedAnswer, 0, len(answers))}
	for _, i := range answers.Indexes() {
		sub.Answers = append(sub.Answers, submittedAnswer{QuestionIndex: i, Answer: answers[i]})
	}
	req, err := JSON(http.MethodPost, "/vocab-trainers/"+url.PathEscape(trainerID)+"/exam", sub)
	if err != nil {
		return "", nil, err
	}
	req.Cookies = cookies
	resp, err := c.Do(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var out struct {
		JobID model.JobID `json:"jobId"`
	}
	if err := decodeData(resp.Body, &out); err != nil {
		return "", nil, err
	}
	if out.JobID == "" {
		return "", nil, errors.New("backend accepted the exam without a job id")
	}
	return string(out.JobID), resp.SetCookies, nil
}

// ExportVocabs downloads the vocabularies of a language folder as CSV.
func (c *Client) ExportVocabs(ctx context.Context, cookies []*http.Cookie, folderID string) ([]byte, []*http.Cookie, error) {
	resp, err := c.Do(ctx, Request{
		Method:  http.MethodGet,
		Path:    "/vocabs/export",
		Query:   url.Values{"languageFolderId": {folderID}},
		Cookies: cookies,
		Bearer:  true,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, resp.SetCookies, nil
}

// ImportVocabs uploads a CSV document into a language folder.
func (c *Client) ImportVocabs(ctx context.Context, cookies []*http.Cookie, folderID, filename string, csvData []byte) (*Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("languageFolderId", folderID); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(csvData); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build import upload: %w", err)
	}
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/vocabs/import",
		Body:        buf.Bytes(),
		ContentType: mw.FormDataContentType(),
		Cookies:     cookies,
		Bearer:      true,
	})
}
