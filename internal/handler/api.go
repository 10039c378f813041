package handler

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/vocabdash/internal/backend"
	"github.com/pavelanni/vocabdash/internal/sheet"
)

const (
	maxJSONBody  = 1 << 20
	defaultLimit = 20
	maxLimit     = 100
)

// CloudinaryConfig holds the credentials used to sign direct image uploads.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

func (c CloudinaryConfig) enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// route describes one forwarded API call.
type route struct {
	name   string
	method string
	path   func(r *http.Request) string
	// list normalizes pagination and sort parameters.
	list bool
	// input returns the value the request body is validated against.
	input func() any
}

func static(p string) func(*http.Request) string {
	return func(*http.Request) string { return p }
}

func withID(prefix, suffix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + "/" + url.PathEscape(chi.URLParam(r, "id")) + suffix
	}
}

func input[T any]() func() any {
	return func() any { return new(T) }
}

func (h *Handler) apiRoutes(r chi.Router) {
	r.Use(h.csrfMiddleware)

	r.Post("/auth/login", h.forward(route{name: "auth.login", method: http.MethodPost, path: static("/auth/login"), input: input[backend.Credentials]()}))
	r.Post("/auth/register", h.forward(route{name: "auth.register", method: http.MethodPost, path: static("/auth/register"), input: input[RegisterInput]()}))
	r.Post("/auth/refresh", h.forward(route{name: "auth.refresh", method: http.MethodPost, path: static("/auth/refresh")}))
	r.Get("/auth/me", h.forward(route{name: "auth.me", method: http.MethodGet, path: static("/auth/me")}))
	r.Post("/auth/logout", h.apiLogout)

	r.Get("/vocabs/export", h.apiExportVocabs)
	r.Post("/vocabs/import", h.apiImportVocabs)
	r.Patch("/vocabs/reorder", h.forward(route{name: "vocabs.reorder", method: http.MethodPatch, path: static("/vocabs/reorder"), input: input[ReorderInput]()}))
	r.Patch("/subjects/reorder", h.forward(route{name: "subjects.reorder", method: http.MethodPatch, path: static("/subjects/reorder"), input: input[ReorderInput]()}))

	h.resource(r, "vocabs", input[VocabInput]())
	h.resource(r, "vocab-trainers", input[TrainerInput]())
	h.resource(r, "subjects", input[SubjectInput]())
	h.resource(r, "word-types", input[WordTypeInput]())
	h.resource(r, "language-folders", input[LanguageFolderInput]())

	r.Get("/languages", h.forward(route{name: "languages.list", method: http.MethodGet, path: static("/languages"), list: true}))
	r.Get("/plans", h.forward(route{name: "plans.list", method: http.MethodGet, path: static("/plans")}))

	r.Get("/notifications", h.forward(route{name: "notifications.list", method: http.MethodGet, path: static("/notifications"), list: true}))
	r.Get("/notifications/live", h.apiLiveNotifications)
	r.Patch("/notifications/read-all", h.forward(route{name: "notifications.read_all", method: http.MethodPatch, path: static("/notifications/read-all")}))
	r.Patch("/notifications/{id}/read", h.forward(route{name: "notifications.read", method: http.MethodPatch, path: withID("/notifications", "/read")}))
	r.Delete("/notifications/{id}", h.forward(route{name: "notifications.delete", method: http.MethodDelete, path: withID("/notifications", "")}))

	r.Post("/cloudinary/signature", h.apiCloudinarySignature)
}

// resource registers list, create, read, update and delete forwarders for
// one backend collection.
func (h *Handler) resource(r chi.Router, name string, in func() any) {
	base := "/" + name
	r.Get(base, h.forward(route{name: name + ".list", method: http.MethodGet, path: static(base), list: true}))
	r.Post(base, h.forward(route{name: name + ".create", method: http.MethodPost, path: static(base), input: in}))
	r.Get(base+"/{id}", h.forward(route{name: name + ".get", method: http.MethodGet, path: withID(base, "")}))
	r.Put(base+"/{id}", h.forward(route{name: name + ".update", method: http.MethodPut, path: withID(base, ""), input: in}))
	r.Delete(base+"/{id}", h.forward(route{name: name + ".delete", method: http.MethodDelete, path: withID(base, "")}))
}

func (h *Handler) forward(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := backend.Request{
			Method:  rt.method,
			Path:    rt.path(r),
			Cookies: r.Cookies(),
		}
		switch {
		case rt.list:
			req.Query = normalizeListQuery(r.URL.Query())
		case r.URL.RawQuery != "":
			req.Query = r.URL.Query()
		}
		if rt.input != nil {
			body, err := decodeValid(w, r, rt.input())
			if err != nil {
				h.writeError(w, rt.name, http.StatusBadRequest, err.Error())
				return
			}
			req.Body, req.ContentType = body, "application/json"
		}
		resp, err := h.backend.Do(r.Context(), req)
		if err != nil {
			h.apiError(w, r, rt.name, err)
			return
		}
		h.respond(w, rt.name, resp)
	}
}

// decodeValid reads a JSON body into v and validates it. It returns the body
// as received.
func decodeValid(w http.ResponseWriter, r *http.Request, v any) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		return nil, errors.New("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, errors.New("request body is not valid JSON")
	}
	if err := validate.Struct(v); err != nil {
		return nil, errors.New(validationMessage(err))
	}
	return body, nil
}

// normalizeListQuery clamps page and limit and drops sort parameters the
// backend would reject. Other parameters pass through.
func normalizeListQuery(q url.Values) url.Values {
	out := make(url.Values, len(q)+2)
	for k, v := range q {
		out[k] = v
	}

	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	out.Set("page", strconv.Itoa(page))

	limit, err := strconv.Atoi(q.Get("limit"))
	switch {
	case err != nil || limit < 1:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}
	out.Set("limit", strconv.Itoa(limit))

	switch order := strings.ToLower(q.Get("sortOrder")); order {
	case "asc", "desc":
		out.Set("sortOrder", order)
	default:
		out.Del("sortOrder")
	}
	if !validSortKey(q.Get("sortBy")) {
		out.Del("sortBy")
	}
	return out
}

func validSortKey(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// respond copies a backend response to the browser.
func (h *Handler) respond(w http.ResponseWriter, name string, resp *backend.Response) {
	h.setSessionCookies(w, backend.MergeCookies(resp.SetCookies, resp.Cookies()))
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Warn("failed to write api response", "route", name, "error", err)
	}
	h.metrics.RecordForward(name, resp.Status)
}

// apiError answers a failed forward with {"error": msg} and the backend
// status. A lost session also clears the session cookies.
func (h *Handler) apiError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, backend.ErrSignedOut) {
		h.clearSessionCookies(w)
	}
	status := backend.StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api forward failed", "route", name, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("api forward rejected", "route", name, "status", status, "error", err)
	}
	h.writeError(w, name, status, backend.MessageOf(err))
}

func (h *Handler) writeError(w http.ResponseWriter, name string, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.metrics.RecordForward(name, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode json response", "error", err)
	}
}

func (h *Handler) apiLogout(w http.ResponseWriter, r *http.Request) {
	const name = "auth.logout"
	ctx := r.Context()
	cookies := r.Cookies()
	if backend.BearerToken(cookies) != "" {
		if user, _, err := h.backend.Me(ctx, cookies); err == nil {
			h.hub.Release(user.ID)
		}
		if err := h.backend.Logout(ctx, cookies); err != nil {
			slog.Warn("backend logout failed", "error", err)
		}
	}
	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordForward(name, http.StatusNoContent)
}

// apiLiveNotifications drains the notifications pushed over the user's
// socket since the last call.
func (h *Handler) apiLiveNotifications(w http.ResponseWriter, r *http.Request) {
	const name = "notifications.live"
	ctx := r.Context()
	user, fresh, err := h.backend.Me(ctx, r.Cookies())
	if err != nil {
		h.apiError(w, r, name, err)
		return
	}
	h.setSessionCookies(w, fresh)
	client := h.hub.Acquire(*user, backend.MergeCookies(r.Cookies(), fresh))
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": client != nil && client.Connected(),
		"data":      h.hub.Notifications(user.ID),
	})
	h.metrics.RecordForward(name, http.StatusOK)
}

// apiImportVocabs accepts a CSV or XLSX upload and forwards it to the
// backend as CSV.
func (h *Handler) apiImportVocabs(w http.ResponseWriter, r *http.Request) {
	const name = "vocabs.import"
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, name, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	folderID := r.FormValue("languageFolderId")
	if folderID == "" {
		h.writeError(w, name, http.StatusBadRequest, "languageFolderId is required")
		return
	}
	format, err := sheet.FormatOf(header.Filename)
	if err != nil {
		h.writeError(w, name, http.StatusBadRequest, err.Error())
		return
	}
	var data bytes.Buffer
	if err := sheet.Convert(file, format, &data, sheet.CSV); err != nil {
		slog.Info("rejected unreadable import", "filename", header.Filename, "error", err)
		h.writeError(w, name, http.StatusBadRequest, "the file could not be read as "+string(format))
		return
	}

	csvName := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename)) + ".csv"
	resp, err := h.backend.ImportVocabs(r.Context(), r.Cookies(), folderID, csvName, data.Bytes())
	if err != nil {
		h.apiError(w, r, name, err)
		return
	}
	h.respond(w, name, resp)
}

// apiExportVocabs downloads a language folder as CSV or, with
// ?format=xlsx, as a workbook.
func (h *Handler) apiExportVocabs(w http.ResponseWriter, r *http.Request) {
	const name = "vocabs.export"
	folderID := r.URL.Query().Get("languageFolderId")
	if folderID == "" {
		h.writeError(w, name, http.StatusBadRequest, "languageFolderId is required")
		return
	}
	format, err := sheet.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, name, http.StatusBadRequest, err.Error())
		return
	}

	data, fresh, err := h.backend.ExportVocabs(r.Context(), r.Cookies(), folderID)
	if err != nil {
		h.apiError(w, r, name, err)
		return
	}
	var out bytes.Buffer
	if err := sheet.Convert(bytes.NewReader(data), sheet.CSV, &out, format); err != nil {
		slog.Error("export conversion failed", "format", format, "error", err)
		h.writeError(w, name, http.StatusBadGateway, "the export could not be converted")
		return
	}

	h.setSessionCookies(w, fresh)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="vocabulary.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := out.WriteTo(w); err != nil {
		slog.Warn("failed to write export", "error", err)
	}
	h.metrics.RecordForward(name, http.StatusOK)
}

// apiCloudinarySignature signs upload parameters so the browser can upload
// straight to Cloudinary.
func (h *Handler) apiCloudinarySignature(w http.ResponseWriter, r *http.Request) {
	const name = "cloudinary.signature"
	if backend.BearerToken(r.Cookies()) == "" {
		h.writeError(w, name, http.StatusUnauthorized, backend.MessageOf(backend.ErrSignedOut))
		return
	}
	cfg := h.config.Cloudinary
	if !cfg.enabled() {
		h.writeError(w, name, http.StatusServiceUnavailable, "image uploads are not configured")
		return
	}

	var in SignatureInput
	if r.ContentLength != 0 {
		if _, err := decodeValid(w, r, &in); err != nil {
			h.writeError(w, name, http.StatusBadRequest, err.Error())
			return
		}
	}
	params := make(map[string]string, len(in.ParamsToSign)+2)
	for k, v := range in.ParamsToSign {
		params[k] = v
	}
	if params["timestamp"] == "" {
		params["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if params["folder"] == "" && cfg.Folder != "" {
		params["folder"] = cfg.Folder
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"signature": cloudinarySignature(params, cfg.APISecret),
		"timestamp": params["timestamp"],
		"folder":    params["folder"],
		"apiKey":    cfg.APIKey,
		"cloudName": cfg.CloudName,
	})
	h.metrics.RecordForward(name, http.StatusOK)
}

// Parameters Cloudinary leaves out of the string to sign.
var unsignedParams = map[string]bool{"file": true, "cloud_name": true, "resource_type": true, "api_key": true}

// cloudinarySignature is the hex SHA-1 of the sorted key=value pairs joined
// by '&', followed by the API secret.
func cloudinarySignature(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" && !unsignedParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
