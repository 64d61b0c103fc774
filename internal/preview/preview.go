// Package preview serves a local gallery of the exchanged records.
package preview

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/blob"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/file"
	"github.com/SpatiumPortae/roomshare/internal/logger"
	"github.com/SpatiumPortae/roomshare/templates"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const galleryTemplate = "preview/gallery.html"

// Records returns the current history, newest first.
type Records func() []exchange.Record

type item struct {
	Image  bool
	URL    string
	Name   string
	Origin string
	Size   string
}

type galleryData struct {
	Title string
	Items []item
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *zap.Logger
	tmpl       *template.Template
	title      string
	records    Records
	blobs      blob.Store
}

// New returns a gallery server listening on addr once started.
func New(addr, title string, records Records, blobs blob.Store, lgr *zap.Logger) (*Server, error) {
	if lgr == nil {
		lgr = zap.NewNop()
	}
	tmpl, err := templates.Lookup(galleryTemplate)
	if err != nil {
		return nil, err
	}
	router := mux.NewRouter()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router:  router,
		logger:  lgr,
		tmpl:    tmpl,
		title:   title,
		records: records,
		blobs:   blobs,
	}
	s.router.Use(logger.Middleware(lgr))
	s.router.HandleFunc("/", s.handleGallery()).Methods(http.MethodGet)
	s.router.HandleFunc("/blob/{id}", s.handleBlob()).Methods(http.MethodGet)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the gallery until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()
	s.logger.Info("serving gallery preview", zap.String("address", s.httpServer.Addr))

	select {
	case err := <-errC:
		return fmt.Errorf("listening: %w", err)
	case <-ctx.Done():
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctxShutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

//nolint:errcheck
func (s *Server) handleGallery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := s.records()
		data := galleryData{Title: s.title, Items: make([]item, 0, len(records))}
		for _, rec := range records {
			data.Items = append(data.Items, item{
				Image:  strings.HasPrefix(rec.MimeType, "image/"),
				URL:    "/blob/" + rec.ID,
				Name:   rec.Name,
				Origin: rec.Origin,
				Size:   file.ByteCountSI(rec.Size),
			})
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.tmpl.Execute(w, data); err != nil {
			s.logger.Error("rendering gallery", zap.Error(err))
		}
	}
}

func (s *Server) handleBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rec, ok := s.find(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		rc, meta, err := s.blobs.Open(rec.Handle)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.Error("opening blob", zap.String("record", id), zap.Error(err))
			http.Error(w, "could not open blob", http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		mimeType := meta.MimeType
		if mimeType == "" {
			mimeType = blob.DefaultMimeType
		}
		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": meta.Name}))
		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Warn("writing blob", zap.String("record", id), zap.Error(err))
		}
	}
}

func (s *Server) find(id string) (exchange.Record, bool) {
	for _, rec := range s.records() {
		if rec.ID == id {
			return rec, true
		}
	}
	return exchange.Record{}, false
}
