package server

import (
	"net/http"

	"github.com/SpatiumPortae/roomshare/internal/conn"
	"github.com/SpatiumPortae/roomshare/internal/logger"
)

func (s *Server) routes() {
	s.router.Use(logger.Middleware(s.logger))
	s.router.HandleFunc("/", s.handleIndex()).Methods(http.MethodGet)
	s.router.HandleFunc("/token", s.handleToken()).Methods(http.MethodPost)
	s.router.HandleFunc("/ping", s.ping()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion()).Methods(http.MethodGet)
	if s.relay {
		s.router.Handle("/rtc", s.authorize(conn.Middleware()(s.handleJoin())))
	}
}
