// Package adminsrv serves the daemon's ambient HTTP surface (§A.5): a
// Prometheus-format /metrics endpoint and a JSON /monitor snapshot
// equivalent to the wire protocol's "monitor" request kind, for operators
// who'd rather curl the daemon than speak the binary protocol. It never
// touches the scheduling path directly — only the registry and the metrics
// registry, both already safe for concurrent read access.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package adminsrv

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/metrics"
	"github.com/cea-hpc/phobos/internal/nlog"
	"github.com/cea-hpc/phobos/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the admin HTTP listener, one per daemon process (§6
// "admin_listen").
type Server struct {
	addr string
	reg  *registry.Registry
	mtr  *metrics.Registry
	srv  *fasthttp.Server
}

func New(addr string, reg *registry.Registry, mtr *metrics.Registry) *Server {
	s := &Server{addr: addr, reg: reg, mtr: mtr}
	s.srv = &fasthttp.Server{Handler: s.handle, Name: "phobos-lrsd-admin"}
	return s
}

// ListenAndServe blocks until the listener errors or Shutdown is called;
// meant to run on its own goroutine: go srv.ListenAndServe().
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(s.addr); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.serveMetrics(ctx)
	case "/monitor":
		s.serveMonitor(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) serveMetrics(ctx *fasthttp.RequestCtx) {
	mfs, err := s.mtr.Gatherer().Gather()
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		nlog.Errorf("adminsrv: gather metrics: %v", err)
		return
	}
	ctx.SetContentType(string(expfmt.FmtText))
	enc := expfmt.NewEncoder(ctx.Response.BodyWriter(), expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			nlog.Errorf("adminsrv: encode metric family %s: %v", mf.GetName(), err)
			return
		}
	}
}

// monitorEntry mirrors the wire protocol's monitor response, one row per
// medium known for the requested family.
type monitorEntry struct {
	Medium    string `json:"medium"`
	AdmStatus string `json:"adm_status"`
	Health    int    `json:"health"`
}

func (s *Server) serveMonitor(ctx *fasthttp.RequestCtx) {
	fam := cmn.Family(ctx.QueryArgs().Peek("family"))
	if fam == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		_, _ = ctx.WriteString("family query parameter required")
		return
	}
	_, media := s.reg.ListByFamily(fam)
	out := make([]monitorEntry, 0, len(media))
	for _, m := range media {
		m.Lock_()
		out = append(out, monitorEntry{Medium: m.ID.String(), AdmStatus: m.AdmStatus.String(), Health: m.Health})
		m.Unlock_()
	}
	ctx.SetContentType("application/json")
	body, err := json.Marshal(out)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	_, _ = ctx.Write(body)
}
