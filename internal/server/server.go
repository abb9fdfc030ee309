// Package server exposes the admin form and the publish endpoint.
package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/publish"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/rs/cors"
)

const (
	publishPath     = "/api/publish"
	maxMemory       = 8 << 20
	formOverhead    = 1 << 20
	corsMaxAge      = 86400
	shutdownTimeout = 10 * time.Second
	adminTitle      = "Admin Publish"
)

//go:embed templates/admin.html.tmpl
var templateFS embed.FS

var adminTemplate = template.Must(template.ParseFS(templateFS, "templates/admin.html.tmpl"))

// Publisher runs a publish request.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Result, error)
}

// Authorizer decides whether a request may publish.
type Authorizer interface {
	Check(r *http.Request) error
}

// Server holds the HTTP handlers.
type Server struct {
	cfg       *config.Config
	gate      Authorizer
	publisher Publisher
}

// New creates a server.
func New(cfg *config.Config, gate Authorizer, publisher Publisher) *Server {
	return &Server{cfg: cfg, gate: gate, publisher: publisher}
}

// Routes returns the full handler, CORS included.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(preflight)
	r.Use(middleware.StripSlashes)

	r.HandleFunc("/health", s.health)
	r.Get("/", s.root)
	r.Get("/admin", s.admin)
	r.Post(publishPath, s.publish)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimRight(r.URL.Path, "/") == publishPath {
			writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeError(w, r, http.StatusNotFound, "Not found")
	})

	return s.cors().Handler(r)
}

// cors allows the configured origin, or any origin when none is set.
func (s *Server) cors() *cors.Cors {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}
	if origin := s.cfg.CORSOrigin(); origin != "" {
		opts.AllowedOrigins = []string{origin}
	} else {
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(opts)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logutil.Infof("listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logutil.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]bool{"ok": true})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, "/admin", http.StatusFound)
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := adminTemplate.Execute(&buf, struct{ Title, Site string }{adminTitle, s.cfg.SiteBaseURL}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "Render admin page failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Check(r); err != nil {
		logutil.Warnf("publish rejected: %v", err)
		fail(w, r, err)
		return
	}

	req, err := s.parseRequest(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := s.publisher.Publish(r.Context(), req)
	if err != nil {
		logutil.Errorf("publish failed: %v", err)
		fail(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (s *Server) parseRequest(w http.ResponseWriter, r *http.Request) (publish.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+formOverhead)

	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(maxMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return publish.Request{}, sitepost.BadRequest("Upload exceeds the size limit")
		}
		return publish.Request{}, sitepost.BadRequest("Invalid form data")
	}

	checked := func(name string) bool { return r.FormValue(name) == "on" }
	req := publish.Request{
		PublishMicroblog:    checked("publishMicroblog"),
		PublishPhotoStream:  checked("publishPhotoStream"),
		PostToBluesky:       checked("postToBluesky"),
		PostToMastodon:      checked("postToMastodon"),
		PostToX:             checked("postToX"),
		IncludePermalink:    checked("includePermalink"),
		AttachPhotoToSocial: checked("attachPhotoToSocial"),
		MicroText:           r.FormValue("microText"),
		PhotoCaption:        r.FormValue("photoCaption"),
		PhotoLocation:       r.FormValue("photoLocation"),
		PhotoDate:           r.FormValue("photoDate"),
	}

	photo, err := readPhoto(r, s.cfg.MaxUploadBytes)
	if err != nil {
		return publish.Request{}, err
	}
	req.Photo = photo
	return req, nil
}

func readPhoto(r *http.Request, limit int64) (*publish.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	file, header, err := r.FormFile("photoFile")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, sitepost.BadRequest("Invalid photo upload")
	}
	defer file.Close()

	if header.Size > limit {
		return nil, sitepost.BadRequest("Upload exceeds the size limit")
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, sitepost.BadRequest("Invalid photo upload")
	}

	return &publish.Upload{
		Data:     data,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
	}, nil
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	message := "Request failed"
	var se *sitepost.Error
	if errors.As(err, &se) && se.Message != "" {
		message = se.Message
	} else if err.Error() != "" {
		message = err.Error()
	}
	writeError(w, r, sitepost.StatusOf(err), message)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

// preflight answers every OPTIONS request with an empty 204.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logutil.Logger().Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
