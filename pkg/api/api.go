// Package api exposes a trip Controller to the UI process over a loopback
// HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rubiojr/tripguide/pkg/backend"
	"github.com/rubiojr/tripguide/pkg/engagement"
	"github.com/rubiojr/tripguide/pkg/geo"
	"github.com/rubiojr/tripguide/pkg/location"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/recommend"
	"github.com/rubiojr/tripguide/pkg/route"
	"github.com/rubiojr/tripguide/pkg/session"
	"github.com/rubiojr/tripguide/pkg/trip"
	"github.com/rubiojr/tripguide/pkg/validate"
)

var log = logger.Named("api")

// Server serves one controller.
type Server struct {
	c     *trip.Controller
	creds *session.CredentialCache
}

// New returns the API for c. creds may be nil, which disables remembering
// credentials.
func New(c *trip.Controller, creds *session.CredentialCache) *Server {
	return &Server{c: c, creds: creds}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Use(cors)

	r.Get("/api/version", handleGetVersion)
	r.Get("/api/state", s.handleGetState)

	r.Get("/api/location", s.handleGetLocation)
	r.Post("/api/location/refresh", s.handleRefreshLocation)

	r.Get("/api/search", s.handleGetSearch)
	r.Post("/api/search", s.handlePostSearch)
	r.Get("/api/recent", s.handleGetRecent)

	r.Post("/api/landmarks", s.handleSelectLandmark)
	r.Route("/api/route", func(r chi.Router) {
		r.Get("/", s.handleGetRoute)
		r.Put("/origin", s.handleSetEnd(s.c.SetOrigin))
		r.Put("/destination", s.handleSetEnd(s.c.SetDestination))
		r.Post("/reset", s.handleResetRoute)
		r.Post("/rating", s.handleRateRoute)
		r.Post("/deactivate", s.handleDeactivate)
		r.Put("/region", s.handleSetRegion)
		r.Post("/export", s.handleExportRoute)
	})
	r.Get("/api/route.gpx", s.handleGetGPX)

	r.Get("/api/recommendations", s.handleGetRecommendations)
	r.Delete("/api/recommendations/{rowID}", s.handleDeleteRecommendation)

	r.Route("/api/content/{subject}", func(r chi.Router) {
		r.Post("/enter", s.handleEnterContent)
		r.Put("/score", s.handleScoreContent)
		r.Post("/exit", s.handleExitContent)
	})
	r.Get("/api/articles", s.handleListArticles)
	r.Get("/api/articles/{id}", s.handleGetArticle)

	r.Get("/api/auth", s.handleGetAuth)
	r.Post("/api/auth", s.handlePostAuth)
	r.Delete("/api/auth", s.handleDeleteAuth)
	r.Put("/api/profile", s.handlePutProfile)

	r.Get("/api/alerts", s.handleGetAlerts)
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logger.DebugEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Truncate(time.Microsecond))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps the controller error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validate.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, location.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, backend.ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, location.ErrLocationUnavailable),
		errors.Is(err, recommend.ErrRecommendationUnavailable),
		errors.Is(err, backend.ErrNetwork):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error("internal error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.State())
}

func (s *Server) handleGetLocation(w http.ResponseWriter, _ *http.Request) {
	fix, ok := s.c.Location()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

func (s *Server) handleRefreshLocation(w http.ResponseWriter, r *http.Request) {
	fix, err := s.c.RefreshLocation(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.SearchResults())
}

func (s *Server) handlePostSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.c.Query(req.Query)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetRecent(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.c.RecentQueries(limit)
	if err != nil {
		http.Error(w, "query error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSelectLandmark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	sel, err := s.c.SelectLandmark(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Route())
}

// handleSetEnd accepts a coordinate or JSON null (clear).
func (s *Server) handleSetEnd(set func(*geo.Coordinate) (route.Selection, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c *geo.Coordinate
		if !decode(w, r, &c) {
			return
		}
		sel, err := set(c)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sel)
	}
}

func (s *Server) handleResetRoute(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.ResetRoute())
}

func (s *Server) handleDeactivate(w http.ResponseWriter, _ *http.Request) {
	s.c.Deactivate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRegion(w http.ResponseWriter, r *http.Request) {
	var req geo.Region
	if !decode(w, r, &req) {
		return
	}
	region, err := s.c.SetRegion(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

// handleExportRoute writes the trip as GPX under the export directory.
func (s *Server) handleExportRoute(w http.ResponseWriter, _ *http.Request) {
	path, err := s.c.ExportGPX("")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *Server) handleRateRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserRating *float64 `json:"userRating"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserRating == nil {
		writeError(w, validate.Failf("userRating", "required"))
		return
	}
	if err := s.c.RateRoute(r.Context(), *req.UserRating); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetGPX(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/gpx+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="trip.gpx"`)
	if err := route.EncodeGPX(w, s.c.Waypoints()); err != nil {
		log.Error("write gpx: %v", err)
	}
}

func (s *Server) handleGetRecommendations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Recommendations())
}

func (s *Server) handleDeleteRecommendation(w http.ResponseWriter, r *http.Request) {
	if !s.c.RemoveRecommendation(chi.URLParam(r, "rowID")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.c.Recommendations())
}

type visitResponse struct {
	Subject string           `json:"subject"`
	State   string           `json:"state"`
	Score   engagement.Score `json:"score"`
	PriorMs int64            `json:"priorMs"`
}

func (s *Server) handleEnterContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score string `json:"score"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	score, err := engagement.ParseScore(req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.c.EnterContent(chi.URLParam(r, "subject"), score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, visitResponse{
		Subject: v.Subject(),
		State:   v.State().String(),
		Score:   v.Score(),
		PriorMs: v.Prior().Milliseconds(),
	})
}

func (s *Server) handleScoreContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score string `json:"score"`
	}
	if !decode(w, r, &req) {
		return
	}
	score, err := engagement.ParseScore(req.Score)
	if err == nil {
		err = s.c.ScoreContent(chi.URLParam(r, "subject"), score)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExitContent answers 500 when the record could not be stored locally;
// the body still carries it so the UI can tell what was lost.
func (s *Server) handleExitContent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.c.ExitContent(chi.URLParam(r, "subject"))
	if err != nil && rec.SubjectID == "" {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		log.Error("exit %s: %v", rec.SubjectID, err)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"subjectId":       rec.SubjectID,
		"timeOnSubjectMs": rec.TimeOnSubject.Milliseconds(),
		"score":           rec.Score,
		"persisted":       err == nil,
	})
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	list, err := s.c.ListArticles(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.c.Article(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetAuth(w http.ResponseWriter, _ *http.Request) {
	st := s.c.State()
	resp := map[string]any{"signedIn": st.UserID != "", "userId": st.UserID}
	if s.creds != nil {
		if c, ok, err := s.creds.Load(); err == nil && ok {
			resp["rememberedEmail"] = c.Email
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePostAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := validate.NotBlank("userId", req.UserID); err != nil {
		writeError(w, err)
		return
	}
	if req.Remember {
		if s.creds == nil {
			writeError(w, validate.Failf("remember", "credential cache unavailable"))
			return
		}
		err := s.creds.Save(session.Credentials{UserID: req.UserID, Email: req.Email, Password: req.Password})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.c.SignIn(req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAuth(w http.ResponseWriter, _ *http.Request) {
	if s.creds != nil {
		if err := s.creds.Clear(); err != nil {
			log.Error("clear credentials: %v", err)
		}
	}
	if err := s.c.SignIn(""); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := s.c.SetDisplayName(req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetAlerts drains queued alerts without blocking.
func (s *Server) handleGetAlerts(w http.ResponseWriter, _ *http.Request) {
	out := []trip.Alert{}
drain:
	for {
		select {
		case a := <-s.c.Alerts():
			out = append(out, a)
		default:
			break drain
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type version struct {
	Go      string `json:"go"`
	Module  string `json:"module,omitempty"`
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func handleGetVersion(w http.ResponseWriter, _ *http.Request) {
	v := version{Go: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		v.Module = bi.Path
		if bi.Main.Version != "(devel)" {
			v.Version = bi.Main.Version
		}
		for _, kv := range bi.Settings {
			switch kv.Key {
			case "vcs.revision":
				v.Commit = kv.Value
			case "vcs.modified":
				v.Dirty = kv.Value == "true"
			}
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// ListenAddr validates that addr is loopback-only.
func ListenAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	switch host {
	case "127.0.0.1", "::1", "localhost":
		return nil
	}
	return fmt.Errorf("listen address %q is not loopback", addr)
}
