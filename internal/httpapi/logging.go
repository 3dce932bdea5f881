package httpapi

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("SRD_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog emits one line per upscale phase when lvl allows it. Errors log
// at LevelError and above, everything else at LevelInfo.
type requestLog struct {
	r     *http.Request
	lvl   LogLevel
	start time.Time
}

func newRequestLog(r *http.Request) requestLog {
	return requestLog{r: r, lvl: requestLogLevel(r), start: time.Now()}
}

func (l requestLog) enabled(min LogLevel) bool { return l.lvl >= min }

func (l requestLog) begin(fields map[string]any) {
	if !l.enabled(LevelInfo) {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("path", l.r.URL.Path).Fields(fields)
		if rid := middleware.GetReqID(l.r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("upscale start")
		return
	}
	log.Printf("upscale start path=%s %v", l.r.URL.Path, fields)
}

func (l requestLog) end(status int, err error, fields map[string]any) {
	min := LevelInfo
	if err != nil {
		min = LevelError
	}
	if !l.enabled(min) {
		return
	}
	dur := time.Since(l.start)
	if zlog != nil {
		z := zlog.Info().Int("status", status).Dur("dur", dur).Fields(fields)
		if rid := middleware.GetReqID(l.r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("upscale end")
		return
	}
	if err != nil {
		log.Printf("upscale end status=%d dur=%s err=%v", status, dur, err)
		return
	}
	log.Printf("upscale end status=%d dur=%s %v", status, dur, fields)
}

// progress returns a tile progress logger when debug logging is on.
func (l requestLog) progress() func(done, total int) {
	if !l.enabled(LevelDebug) {
		return nil
	}
	return func(done, total int) {
		if zlog != nil {
			zlog.Debug().Int("done", done).Int("total", total).Msg("upscale progress")
			return
		}
		log.Printf("upscale> tile %d/%d", done, total)
	}
}
