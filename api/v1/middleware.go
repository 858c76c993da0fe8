package v1

import (
	"context"
	"net/http"
	"strings"
)

func MiddlewareCreateValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createBody
		if err := decodeJSONStrict(w, r, &body, 1<<20, "application/json"); err != nil {
			markErr(w, err)
			if err == ErrContentType {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(body.SourceType) == "" {
			markErr(w, ErrSourceType)
			http.Error(w, ErrSourceType.Error(), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyCreate{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MiddlewareCancelValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body cancelBody
		// An empty body means a plain cooperative cancel.
		if r.ContentLength != 0 {
			if err := decodeJSONStrict(w, r, &body, 1<<20, "application/json"); err != nil {
				markErr(w, err)
				if err == ErrContentType {
					http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
					return
				}
				http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		ctx := context.WithValue(r.Context(), ctxKeyCancel{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
