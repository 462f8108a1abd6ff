package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-collab/internal/errs"
	"go.uber.org/zap"
)

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.String("path", r.URL.Path), zap.Error(panicError))
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware admits requests carrying a valid credential. Nothing is
// upgraded before this check passes.
func (s *App) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := s.verifier.Verify(tokenFromRequest(r))
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, errs.ErrVerifierUnavailable) {
				s.log.Error("credential verifier unavailable")
				errResp = NewServiceUnavailableError(err)
			} else {
				s.log.Info("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
				errResp = NewUnauthorizedError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithCredential(r.Context(), cred)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
