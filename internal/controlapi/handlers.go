package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/pipeline"
)

// healthHandler answers liveness/readiness probes against the assembled
// pipeline. Grounded on dittofs's HealthHandler (pkg/controlplane/api
// handlers/response.go and the sibling health handler), trimmed down from
// per-store health to a single pipeline open/close round-trip since this
// module has no metadata/payload store split to report on individually.
type healthHandler struct {
	top backend.Backend
}

func newHealthHandler(top backend.Backend) *healthHandler {
	return &healthHandler{top: top}
}

// Liveness always reports 200 once the process is running; it proves the
// HTTP server itself is alive, nothing about the pipeline.
func (h *healthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(nil))
}

// Readiness opens and immediately closes a throwaway, read-only context
// against the default export to confirm the pipeline can still serve
// requests; a failure there means the process is up but not useful.
func (h *healthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	c, err := pipeline.Open(ctx, h.top, true, "", false)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}
	defer pipeline.Close(ctx, c)

	writeJSON(w, http.StatusOK, healthyResponse(nil))
}

// exportsHandler serves GET /v1/exports.
type exportsHandler struct {
	top      backend.Backend
	usingTLS bool
}

func newExportsHandler(top backend.Backend, usingTLS bool) *exportsHandler {
	return &exportsHandler{top: top, usingTLS: usingTLS}
}

type exportInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *exportsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := pipeline.Open(ctx, h.top, true, "", h.usingTLS)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer pipeline.Close(ctx, c)

	if err := pipeline.Prepare(ctx, c, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer pipeline.Finalize(ctx, c)

	set, err := pipeline.ListExports(ctx, c, true, h.usingTLS)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	infos := make([]exportInfo, 0, set.Count())
	for _, e := range set.Entries() {
		infos = append(infos, exportInfo{Name: e.Name, Description: e.Description})
	}
	writeJSON(w, http.StatusOK, okResponse(infos))
}

// backendsHandler serves GET /v1/backends: a static, no-context snapshot
// of the assembled pipeline's shape (every backend implements Name/Kind/
// Index/ThreadModel without needing an open connection), plus one
// effective-capabilities summary queried through a throwaway context.
type backendsHandler struct {
	top      backend.Backend
	usingTLS bool
}

func newBackendsHandler(top backend.Backend, usingTLS bool) *backendsHandler {
	return &backendsHandler{top: top, usingTLS: usingTLS}
}

type backendInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Index       int    `json:"index"`
	ThreadModel string `json:"thread_model"`
}

type capabilitiesSnapshot struct {
	SizeBytes   int64  `json:"size_bytes"`
	Write       bool   `json:"write"`
	Flush       bool   `json:"flush"`
	Trim        bool   `json:"trim"`
	Extents     bool   `json:"extents"`
	MultiConn   bool   `json:"multi_conn"`
	Zero        string `json:"zero"`
	FastZero    bool   `json:"fast_zero"`
	FUA         string `json:"fua"`
	Cache       string `json:"cache"`
	Rotational  bool   `json:"rotational"`
	ThreadModel string `json:"effective_thread_model"`
}

type backendsResponse struct {
	Backends     []backendInfo        `json:"backends"`
	Capabilities capabilitiesSnapshot `json:"capabilities"`
}

func (h *backendsHandler) List(w http.ResponseWriter, r *http.Request) {
	var infos []backendInfo
	for b := h.top; b != nil; b = b.Successor() {
		infos = append(infos, backendInfo{
			Name:        b.Name(),
			Kind:        b.Kind().String(),
			Index:       b.Index(),
			ThreadModel: b.ThreadModel().String(),
		})
	}

	ctx := r.Context()
	c, err := pipeline.Open(ctx, h.top, true, "", h.usingTLS)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer pipeline.Close(ctx, c)

	if err := pipeline.Prepare(ctx, c, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer pipeline.Finalize(ctx, c)

	caps, err := snapshotCapabilities(ctx, h.top, c)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, okResponse(backendsResponse{Backends: infos, Capabilities: caps}))
}

func snapshotCapabilities(ctx context.Context, top backend.Backend, c *backend.Context) (capabilitiesSnapshot, error) {
	size, err := pipeline.GetSize(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	write, err := pipeline.CanWrite(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	flush, err := pipeline.CanFlush(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	trim, err := pipeline.CanTrim(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	extents, err := pipeline.CanExtents(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	multiConn, err := pipeline.EffectiveMultiConn(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	zero, err := pipeline.CanZero(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	fastZero, err := pipeline.CanFastZero(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	fua, err := pipeline.CanFUA(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	cache, err := pipeline.CanCache(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}
	rotational, err := pipeline.IsRotational(ctx, c)
	if err != nil {
		return capabilitiesSnapshot{}, err
	}

	return capabilitiesSnapshot{
		SizeBytes:   size,
		Write:       write,
		Flush:       flush,
		Trim:        trim,
		Extents:     extents,
		MultiConn:   multiConn,
		Zero:        zeroModeString(zero),
		FastZero:    fastZero,
		FUA:         fuaModeString(fua),
		Cache:       cacheModeString(cache),
		Rotational:  rotational,
		ThreadModel: pipeline.EffectiveThreadModel(top).String(),
	}, nil
}

func zeroModeString(m backend.ZeroMode) string {
	switch m {
	case backend.ZeroNative:
		return "native"
	case backend.ZeroEmulate:
		return "emulate"
	default:
		return "none"
	}
}

func fuaModeString(m backend.FUAMode) string {
	switch m {
	case backend.FUANative:
		return "native"
	case backend.FUAEmulate:
		return "emulate"
	default:
		return "none"
	}
}

func cacheModeString(m backend.CacheMode) string {
	switch m {
	case backend.CacheNative:
		return "native"
	case backend.CacheEmulate:
		return "emulate"
	default:
		return "none"
	}
}
