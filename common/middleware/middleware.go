package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
)

// Authenticator resolves the user identity behind a bearer credential
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, *se.Err)
}

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyToken
)

// values of the status field of JSON response envelopes
const (
	StatusSuccess  = "success"
	StatusFail     = "fail"
	StatusAccepted = "accepted"
)

// QueryParamAccessToken carries the bearer credential for clients which cannot set headers, e.g., browser
// websocket
const QueryParamAccessToken = "access_token"

// UserID returns the authenticated caller identity set by BearerAuth
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

// Token returns the bearer credential the caller authenticated with
func Token(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyToken).(string)
	return v
}

// WithUserID returns a copy of ctx carrying the given caller identity
func WithUserID(ctx context.Context, userID, token string) context.Context {
	return context.WithValue(context.WithValue(ctx, ctxKeyUserID, userID), ctxKeyToken, token)
}

// BearerToken extracts the bearer credential from Authorization header, falling back to the access_token
// query parameter
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get(QueryParamAccessToken)
}

// PanicRecoverer recovers from panic of underlying handlers
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rc := recover(); rc != nil {
					log.WithField("panicReason", rc).Error("got panic from underlying handler")
					Fail(w, se.NewServiceFailure("internal error"))
				}
			}()
			h(w, r, p)
		}
	}
}

// BearerAuth rejects requests without a valid bearer credential before they reach underlying handler
func BearerAuth(a Authenticator) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			token := BearerToken(r)
			if token == "" {
				Fail(w, se.NewUnauthenticated("please log in to continue"))
				return
			}
			uid, err := a.Authenticate(r.Context(), token)
			if err != nil {
				Fail(w, err)
				return
			}
			h(w, r.WithContext(WithUserID(r.Context(), uid, token)), p)
		}
	}
}

// Instrumenter records request latency of underlying handler under given route name
func Instrumenter(route string) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			h(sr, r, p)
			metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(sr.code)).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware is the outermost one
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// Fail renders err as the JSON failure envelope shared by all snap service APIs
func Fail(w http.ResponseWriter, err *se.Err) {
	JSON(w, err.StatusCode(), map[string]interface{}{"status": StatusFail, "message": err.Error()})
}

// JSON renders v as response body with given status code
func JSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding response body")
	}
}
