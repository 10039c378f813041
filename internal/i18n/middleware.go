package i18n

import "net/http"

// LangCookie holds an explicit language choice.
const LangCookie = "lang"

// Middleware injects a localizer into every request context. The language
// comes from the ?lang query, then the lang cookie, then Accept-Language.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var cookie string
			if c, err := r.Cookie(LangCookie); err == nil {
				cookie = c.Value
			}
			lang := Match(r.URL.Query().Get("lang"), cookie, r.Header.Get("Accept-Language"))
			ctx := WithLocalizer(r.Context(), NewLocalizer(lang))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
