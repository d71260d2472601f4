package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/infrastructure/eventlog"
	"github.com/execution-hub/channel-hub/internal/infrastructure/raftstore"
	"github.com/execution-hub/channel-hub/internal/node"
	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Server exposes one node's operator API.
type Server struct {
	rt      *node.Runtime
	metrics http.Handler
}

func NewServer(rt *node.Runtime, reg *prometheus.Registry) *Server {
	s := &Server{rt: rt}
	if reg != nil {
		s.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.rt.HTTP != nil {
		s.rt.HTTP.Routes(r)
	}
	r.Get("/v1/events/stream", s.streamEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/channels", s.listChannels)
			r.Get("/channels/{address}", s.getChannel)
			r.Post("/channels/{address}/sync", s.syncChannel)
			r.Post("/channels/sync", s.syncAll)
			r.Get("/apps/{hash}", s.getApp)
			r.Get("/events", s.listEvents)
			r.Post("/protocols/{name}", s.initiate)

			if s.rt.Raft != nil {
				r.Get("/raft", s.raftStatus)
				r.Post("/raft/join", s.raftJoin)
				r.Post("/raft/remove", s.raftRemove)
			}
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"ok":       true,
		"identity": s.rt.Node.Identity(),
	}
	if s.rt.Raft != nil {
		out["raft_state"] = s.rt.Raft.State()
		out["leader"] = s.rt.Raft.LeaderAddr()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.rt.Node.Store().ListChannels(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	respondJSON(w, http.StatusOK, map[string]any{
		"channels": page(channels, limit, offset),
		"total":    len(channels),
	})
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	ch, err := s.rt.Node.Store().GetChannel(r.Context(), address)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
		return
	}
	if ch == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "channel not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) syncChannel(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	out, err := s.rt.Node.Sync(r.Context(), address)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"multisig_address": address,
		"relation":         out.Relation.String(),
		"merged":           out.Merged,
		"channel":          out.Channel,
	})
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Node.SyncAll(r.Context()); err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	store := s.rt.Node.Store()
	app, err := store.GetAppInstance(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
		return
	}
	if app != nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "installed", "app": app})
		return
	}
	proposal, err := store.GetAppProposal(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error(), nil)
		return
	}
	if proposal == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "app not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "proposed", "proposal": proposal})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	journal := s.rt.Node.Journal()
	if journal == nil {
		respondError(w, http.StatusNotFound, "NOT_CONFIGURED", "event journal is disabled", nil)
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	filter := eventlog.Filter{
		Type:      event.Type(strings.TrimSpace(r.URL.Query().Get("type"))),
		ProcessID: strings.TrimSpace(r.URL.Query().Get("process_id")),
	}
	records, err := journal.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": records})
}

type resultView struct {
	ProcessID       string                         `json:"process_id"`
	Protocol        protocol.Name                  `json:"protocol"`
	Params          protocol.Params                `json:"params"`
	Initiator       string                         `json:"initiator"`
	Counterparty    string                         `json:"counterparty"`
	AppIdentityHash string                         `json:"app_identity_hash,omitempty"`
	Channel         *channel.Channel               `json:"channel,omitempty"`
	Withdrawal      *protocol.WithdrawalCommitment `json:"withdrawal,omitempty"`
	Signatures      []string                       `json:"signatures,omitempty"`
	CompletedAt     time.Time                      `json:"completed_at"`
}

func viewOf(res *engine.Result) resultView {
	return resultView{
		ProcessID:       res.ProcessID,
		Protocol:        res.Protocol,
		Params:          res.Params,
		Initiator:       res.Initiator,
		Counterparty:    res.Counterparty,
		AppIdentityHash: res.AppIdentityHash,
		Channel:         res.Channel,
		Withdrawal:      res.Withdrawal,
		Signatures:      res.Signatures,
		CompletedAt:     res.CompletedAt,
	}
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	name := protocol.Name(strings.TrimSpace(chi.URLParam(r, "name")))
	if !name.Valid() || name == protocol.Sync {
		respondError(w, http.StatusNotFound, "UNKNOWN_PROTOCOL", "no such protocol: "+string(name), nil)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	params, err := protocol.DecodeRequest(name, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	res, err := s.rt.Node.Initiate(r.Context(), params)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(res))
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	n := s.rt.Raft
	members, err := n.Members()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "RAFT_UNAVAILABLE", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    n.ID(),
		"state":      n.State(),
		"leader":     n.LeaderAddr(),
		"is_leader":  n.IsLeader(),
		"members":    members,
		"raft_stats": n.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.rt.Raft.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		s.respondRaftError(w, "JOIN_FAILED", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.rt.Raft.RemoveServer(r.Context(), req.NodeID); err != nil {
		s.respondRaftError(w, "REMOVE_FAILED", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if s.rt.Raft.IsLeader() {
		return true
	}
	respondError(w, http.StatusConflict, "NOT_LEADER", "submit to leader", map[string]any{
		"leader": s.rt.Raft.LeaderAddr(),
	})
	return false
}

func (s *Server) respondRaftError(w http.ResponseWriter, code string, err error) {
	if isLeadershipErr(err) {
		respondError(w, http.StatusConflict, "NOT_LEADER", err.Error(), map[string]any{
			"leader": s.rt.Raft.LeaderAddr(),
		})
		return
	}
	respondError(w, http.StatusBadRequest, code, err.Error(), nil)
}

func respondProtocolError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case protocol.KindInvalidParams, protocol.KindUnknownProtocol:
		status = http.StatusBadRequest
	case protocol.KindNoSuchProposal, protocol.KindNoSuchAppInstance:
		status = http.StatusNotFound
	case protocol.KindStaleVersionNumber, protocol.KindSyncUnresolvable, protocol.KindCommitmentMismatch, protocol.KindSignatureInvalid:
		status = http.StatusConflict
	case protocol.KindLeaseTimeout, protocol.KindMessageTimeout:
		status = http.StatusGatewayTimeout
	case protocol.KindTransport:
		status = http.StatusBadGateway
	}
	if errors.Is(err, raftstore.ErrNotLeader) {
		status = http.StatusConflict
	}
	respondError(w, status, string(kind), err.Error(), nil)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
