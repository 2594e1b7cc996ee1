// Package router implements C9, the request/response router: it accepts
// framed messages from a transport, unpacks them into a tagged request,
// determines the target resource family, and pushes the request into the
// corresponding scheduler (via the main loop) or, for kinds that need no
// placement decision (release, notify, monitor, configure, ping), handles
// them directly against the registry/health/lock collaborators (§4.9).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package router

import (
	"errors"
	"io"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/cea-hpc/phobos/internal/cfg"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/device"
	"github.com/cea-hpc/phobos/internal/lock"
	"github.com/cea-hpc/phobos/internal/loop"
	"github.com/cea-hpc/phobos/internal/mcache"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
	"github.com/cea-hpc/phobos/internal/registry"
	"github.com/cea-hpc/phobos/internal/wire"
)

// client wraps one connection's writer with the mutex needed because
// responses for a single client can arrive out of order, from different
// goroutines (the per-family loop's collectResults, or this router's own
// direct-handling path).
type client struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *client) send(resp *wire.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Monitor snapshots and multi-medium allocate responses can carry many
	// ResID strings; WriteFrameCompressed falls back to uncompressed framing
	// itself when the body is too small to be worth it (§6).
	return wire.WriteFrameCompressed(c.w, wire.EncodeResponse(resp))
}

// Metrics is the subset of internal/metrics.Registry the router observes
// through, kept as an interface so router tests don't need a Prometheus
// registry wired in.
type Metrics interface {
	ObserveRequest(kind string)
	ObserveRequestError(kind string, errKind cmn.Kind)
}

// Router is the single process-wide C9 instance, fed by every accepted
// connection's read loop and by every family's main loop (it implements
// loop.Responder).
type Router struct {
	loops   map[cmn.Family]*loop.Loop
	workers map[cmn.ResID]*device.Worker // flat across all families, keyed by device id
	reg     *registry.Registry
	sid     *shortid.Shortid
	metrics Metrics
	mcache  *mcache.Cache
	locks   *lock.Coordinator

	mu      sync.Mutex
	pending map[*model.Request]*client
}

// routerSeed is fixed rather than time-derived: generated ids only need to
// be distinct within one running daemon's lifetime (they correlate a
// client's own log lines with the daemon's), not globally unique.
const routerSeed = 2342

func New(loops map[cmn.Family]*loop.Loop, workers map[cmn.ResID]*device.Worker, reg *registry.Registry) *Router {
	sid, err := shortid.New(1, shortid.DefaultABC, routerSeed)
	if err != nil {
		// shortid.New only fails on a malformed alphabet; DefaultABC is
		// never malformed, so this is unreachable in practice.
		sid = nil
	}
	return &Router{
		loops:   loops,
		workers: workers,
		reg:     reg,
		sid:     sid,
		pending: make(map[*model.Request]*client),
	}
}

// WithMetrics installs an observer for routed requests and their outcomes;
// optional, and safe to call before Serve starts accepting connections.
func (rt *Router) WithMetrics(m Metrics) *Router {
	rt.metrics = m
	return rt
}

// WithMediaCache installs the C2 media cache; the router brackets every
// successful allocate/format response with an Acquire and every successful
// release response with a Release, pinning a medium's cache entry for
// exactly the window a client holds it (§4.2 "Lifecycle of a medium
// reference").
func (rt *Router) WithMediaCache(c *mcache.Cache) *Router {
	rt.mcache = c
	return rt
}

// WithLocks installs the C7 lock coordinator; the router releases a
// medium's DSS lock once its release-write/release-read request completes
// successfully (§1, §4.7 — the scheduler took the lock at allocate time).
func (rt *Router) WithLocks(l *lock.Coordinator) *Router {
	rt.locks = l
	return rt
}

// assignClientID fills req.ClientID with a short, daemon-lifetime-unique
// correlation id when the caller didn't supply one (§4.9, §6), so lock
// coordinator and scheduler log lines can be traced back to a request even
// over a connection that never sent a client id.
func (rt *Router) assignClientID(req *model.Request) {
	if req.ClientID != "" || rt.sid == nil {
		return
	}
	if id, err := rt.sid.Generate(); err == nil {
		req.ClientID = id
	}
}

// Serve drives one accepted connection until it closes or a read fails;
// meant to run on its own goroutine per connection: go router.Serve(conn).
func (rt *Router) Serve(conn io.ReadWriteCloser) {
	defer conn.Close()
	c := &client{w: conn}
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			kind := cmn.KindOf(err)
			_ = c.send(&wire.Response{Errno: kind.Errno(), Message: err.Error()})
			if kind == cmn.KindProtoUnsupported {
				return // the client is speaking a version we can't parse at all
			}
			continue
		}

		req, err := wire.DecodeRequest(body)
		if err != nil {
			// Malformed messages yield EINVAL and kind 0 (§4.9), since the
			// request kind itself may not have parsed.
			_ = c.send(&wire.Response{Errno: cmn.KindInvalid.Errno(), Message: err.Error()})
			continue
		}
		rt.assignClientID(req)
		rt.handle(req, c)
	}
}

func (rt *Router) handle(req *model.Request, c *client) {
	if rt.metrics != nil {
		rt.metrics.ObserveRequest(req.Kind.String())
	}
	switch req.Kind {
	case model.KindWriteAllocate, model.KindReadAllocate, model.KindFormat:
		rt.handleScheduled(req, c)
	case model.KindReleaseWrite, model.KindReleaseRead:
		rt.handleRelease(req, c)
	case model.KindNotify:
		rt.handleNotify(req, c)
	case model.KindMonitor:
		rt.handleMonitor(req, c)
	case model.KindConfigure:
		rt.handleConfigure(req, c)
	case model.KindPing:
		_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind})
	default:
		_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind, Errno: cmn.KindInvalid.Errno(), Message: "unrecognized request kind"})
	}
}

// handleScheduled forwards write-allocate/read-allocate/format into the
// right family's main loop and remembers which connection to answer once
// the loop (via Respond) reports the request done.
func (rt *Router) handleScheduled(req *model.Request, c *client) {
	l, ok := rt.loops[req.Family]
	if !ok {
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "unknown resource family %q", req.Family)))
		return
	}
	rt.mu.Lock()
	rt.pending[req] = c
	rt.mu.Unlock()
	l.Submit(req)
}

// Respond implements loop.Responder: every family's main loop calls this
// once a write/read/format request is fully satisfied or has failed.
func (rt *Router) Respond(req *model.Request) {
	rt.mu.Lock()
	c, ok := rt.pending[req]
	delete(rt.pending, req)
	rt.mu.Unlock()
	if !ok {
		nlog.Warningf("router: response for request %s/%s from %s has no pending client (already answered?)",
			req.Kind, req.Family, req.ClientID)
		return
	}

	resp := &wire.Response{Token: req.Token, Kind: req.Kind, Media: req.Media}
	if req.Failed() {
		var errKind cmn.Kind
		resp.Errno, resp.Message = firstSubError(req)
		if rt.metrics != nil {
			errKind = firstSubErrorKind(req)
			rt.metrics.ObserveRequestError(req.Kind.String(), errKind)
		}
	}
	if err := c.send(resp); err != nil {
		nlog.Warningf("router: send response to %s: %v", req.ClientID, err)
	}
	rt.syncMediaCache(req)
	rt.unlockReleasedMedia(req)
}

// syncMediaCache brackets a finished request against the C2 media cache: a
// successful allocate/format pins every medium it was handed, a successful
// release unpins it. Best-effort — cache misses here never fail the
// request, since the registry (not the cache) is the authoritative record.
func (rt *Router) syncMediaCache(req *model.Request) {
	if rt.mcache == nil || req.Failed() || len(req.Media) == 0 {
		return
	}
	switch req.Kind {
	case model.KindWriteAllocate, model.KindReadAllocate, model.KindFormat:
		for _, id := range req.Media {
			m, ok := rt.reg.LookupMedium(id)
			if !ok {
				continue
			}
			if _, err := rt.mcache.Acquire(id, m.Model, m.FSType); err != nil {
				nlog.Warningf("router: media cache acquire %s: %v", id, err)
			}
		}
	case model.KindReleaseWrite, model.KindReleaseRead:
		for _, id := range req.Media {
			rt.mcache.Release(id)
		}
	}
}

// unlockReleasedMedia releases the DSS lock the write/read scheduler took at
// allocate time, once the corresponding release request has completed
// successfully (§1, §4.7 — handleRelease itself only dispatches to the
// device worker and returns before the I/O completes, so the unlock has to
// happen here, once Respond knows the outcome).
func (rt *Router) unlockReleasedMedia(req *model.Request) {
	if rt.locks == nil || req.Failed() {
		return
	}
	switch req.Kind {
	case model.KindReleaseWrite, model.KindReleaseRead:
		for _, id := range req.Media {
			m, ok := rt.reg.LookupMedium(id)
			if !ok {
				continue
			}
			if err := rt.locks.UnlockMedium(m); err != nil {
				nlog.Warningf("router: unlock medium %s: %v", id, err)
			}
		}
	}
}

func firstSubError(req *model.Request) (int32, string) {
	for _, s := range req.Subs() {
		if s.Err != nil {
			return cmn.KindOf(s.Err).Errno(), s.Err.Error()
		}
	}
	return cmn.KindIO.Errno(), "request failed"
}

func firstSubErrorKind(req *model.Request) cmn.Kind {
	for _, s := range req.Subs() {
		if s.Err != nil {
			return cmn.KindOf(s.Err)
		}
	}
	return cmn.KindIO
}

func errResponse(req *model.Request, err error) *wire.Response {
	return &wire.Response{Token: req.Token, Kind: req.Kind, Errno: cmn.KindOf(err).Errno(), Message: err.Error()}
}

// handleRelease dispatches a release-read/release-write request straight to
// the device worker currently holding the medium, bypassing C5 entirely —
// the placement decision was already made at allocate time (§4.9 "Data
// flow", §4.3).
func (rt *Router) handleRelease(req *model.Request, c *client) {
	if len(req.Media) == 0 {
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "release request carries no medium")))
		return
	}
	medID := req.Media[0]
	devID, ok := rt.reg.DeviceHolding(medID)
	if !ok {
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "medium %s is not currently loaded on any device", medID)))
		return
	}
	w, ok := rt.workers[devID]
	if !ok {
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "no worker for device %s", devID)))
		return
	}

	rt.mu.Lock()
	rt.pending[req] = c
	rt.mu.Unlock()

	req.SetMedium(0, medID)
	sub := &model.SubRequest{Parent: req, Device: devID, MediumIndex: 0, Medium: medID}
	req.AddSub(sub)
	w.Submit(sub)
	// The owning loop's collectResults drains this worker's results and
	// will call Respond once req.Done(); the router need not poll here.
}

// handleNotify applies an admin-origin resource change (§3, §4.1): either a
// newly added device/medium (registry learns about it and, for media, the
// C2 cache gets an entry) or an existing one failed/removed from service.
func (rt *Router) handleNotify(req *model.Request, c *client) {
	if ns := req.Notify; ns != nil && ns.Added {
		rt.handleNotifyAdded(req, c, ns)
		return
	}
	for _, id := range req.Media {
		if _, ok := rt.reg.LookupMedium(id); ok {
			if err := rt.reg.FailMedium(id); err != nil {
				_ = c.send(errResponse(req, err))
				return
			}
			continue
		}
		if _, ok := rt.reg.LookupDevice(id); ok {
			if err := rt.reg.FailDevice(id); err != nil {
				_ = c.send(errResponse(req, err))
				return
			}
			continue
		}
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "unknown resource %s", id)))
		return
	}
	_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind})
}

// handleNotifyAdded registers a resource the admin has just made known to
// the daemon (§4.1 "resource added"), mirroring the boot-time registration
// cmd/lrsd performs for configured devices.
func (rt *Router) handleNotifyAdded(req *model.Request, c *client, ns *model.NotifySpec) {
	if len(req.Media) == 0 {
		_ = c.send(errResponse(req, cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "notify-added request carries no resource id")))
		return
	}
	id := req.Media[0]
	if ns.IsDevice {
		if _, err := rt.reg.AddDevice(id, ns.Path, ns.DeviceModel); err != nil {
			_ = c.send(errResponse(req, err))
			return
		}
	} else {
		m, err := rt.reg.AddMedium(id, ns.MediumType, ns.FSType)
		if err != nil {
			_ = c.send(errResponse(req, err))
			return
		}
		if rt.mcache != nil {
			rt.mcache.Insert(m)
		}
	}
	_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind})
}

// handleMonitor answers a snapshot request: every medium currently known
// for the request's family (§4.1 list-by-family).
func (rt *Router) handleMonitor(req *model.Request, c *client) {
	_, media := rt.reg.ListByFamily(req.Family)
	ids := make([]cmn.ResID, len(media))
	for i, m := range media {
		ids[i] = m.ID
	}
	_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind, Media: ids})
}

// handleConfigure reloads the three-level configuration and installs it as
// the new GCO snapshot, matching the teacher's copy-on-write config-update
// idiom: existing holders of the old *Config keep observing it unchanged.
func (rt *Router) handleConfigure(req *model.Request, c *client) {
	next, err := cfg.Load(nil)
	if err != nil {
		_ = c.send(errResponse(req, err))
		return
	}
	cfg.GCO.Put(next)
	_ = c.send(&wire.Response{Token: req.Token, Kind: req.Kind})
}
