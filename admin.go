package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const adminReadTimeout = 10 * time.Second

// adminAPI is the HTTP surface for statistics and torrent registration.
// Write requests carry ?key=NAME and must come from the address bound to NAME.
type adminAPI struct {
	tr   *Tracker
	keys map[string]netip.Addr
	log  *zap.Logger
}

type torrentView struct {
	InfoHash string `json:"info_hash"`
	TorrentStats
}

func newAdminHandler(tr *Tracker, keys map[string]string, logger *zap.Logger) (http.Handler, error) {
	api := &adminAPI{tr: tr, keys: make(map[string]netip.Addr, len(keys)), log: logger}
	for name, ip := range keys {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("api key %q: %w", name, err)
		}
		api.keys[name] = addr.Unmap()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", api.stats)
	mux.HandleFunc("GET /api/torrents/{infohash}", api.torrent)
	mux.HandleFunc("PUT /api/torrents/{infohash}", api.authorized(api.register))
	mux.HandleFunc("DELETE /api/torrents/{infohash}", api.authorized(api.unregister))
	mux.Handle("GET /metrics", promhttp.HandlerFor(tr.metrics.registry, promhttp.HandlerOpts{}))
	return mux, nil
}

func newAdminServer(tr *Tracker, cfg config, logger *zap.Logger) (*http.Server, error) {
	handler, err := newAdminHandler(tr, cfg.APIKeys, logger)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           handler,
		ReadHeaderTimeout: adminReadTimeout,
		ErrorLog:          zap.NewStdLog(logger),
	}, nil
}

func (a *adminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("failed to write response", zap.Error(err))
	}
}

func (a *adminAPI) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// authorized admits requests whose key maps to the caller's address.
func (a *adminAPI) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("key")
		allowed, ok := a.keys[name]
		remote, err := netip.ParseAddrPort(r.RemoteAddr)
		if !ok || err != nil || remote.Addr().Unmap() != allowed {
			a.log.Info("rejected admin request", zap.String("key", name),
				zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
			a.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (a *adminAPI) infoHash(w http.ResponseWriter, r *http.Request) (HashID, bool) {
	hash, err := ParseHashID(r.PathValue("infohash"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return hash, false
	}
	return hash, true
}

func (a *adminAPI) stats(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.tr.Snapshot()
	if err != nil {
		a.log.Error("snapshot failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	a.writeJSON(w, http.StatusOK, snap)
}

func (a *adminAPI) torrent(w http.ResponseWriter, r *http.Request) {
	hash, ok := a.infoHash(w, r)
	if !ok {
		return
	}
	st, exists, err := a.tr.Torrent(hash)
	if err != nil {
		a.log.Error("torrent lookup failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !exists {
		a.writeError(w, http.StatusNotFound, "torrent not found")
		return
	}
	a.writeJSON(w, http.StatusOK, torrentView{InfoHash: hash.String(), TorrentStats: st})
}

func (a *adminAPI) register(w http.ResponseWriter, r *http.Request) {
	hash, ok := a.infoHash(w, r)
	if !ok {
		return
	}
	if err := a.tr.RegisterTorrent(hash); err != nil {
		a.log.Error("register failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"info_hash": hash.String(), "status": "registered"})
}

func (a *adminAPI) unregister(w http.ResponseWriter, r *http.Request) {
	hash, ok := a.infoHash(w, r)
	if !ok {
		return
	}
	if err := a.tr.UnregisterTorrent(hash); err != nil {
		a.log.Error("unregister failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "unregister failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"info_hash": hash.String(), "status": "unregistered"})
}
