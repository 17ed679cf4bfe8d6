package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/decentcloud/dcledger/errors"
	"github.com/decentcloud/dcledger/events"
	"github.com/decentcloud/dcledger/exception"
	"github.com/decentcloud/dcledger/jsonx"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/service"
	"github.com/decentcloud/dcledger/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type Options struct {
	ListenAddr string
	// RequestsPerMinute per client IP. 0 disables rate limiting.
	RequestsPerMinute int
	ServeMetrics      bool
}

// APIServer is the read-only HTTP view of a ledger and its derived state.
type APIServer struct {
	Ledger    *ledger.Ledger
	Projector *projection.Projector
	Health    *service.HealthService
	// Events enables the /events stream when set.
	Events    *events.EventBus
	opts      Options
	limiter   *rateLimiter
	server    *http.Server
}

func NewAPIServer(l *ledger.Ledger, p *projection.Projector, opts Options) *APIServer {
	s := &APIServer{
		Ledger:    l,
		Projector: p,
		Health:    service.NewHealthService(l, p),
		opts:      opts,
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = newRateLimiter(opts.RequestsPerMinute, time.Minute)
	}
	return s
}

// Handler returns the routes of the API.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.get(s.handleHealth))
	mux.HandleFunc("/labels", s.get(s.handleLabels))
	mux.HandleFunc("/entries", s.get(s.handleEntries))
	mux.HandleFunc("/entry", s.get(s.handleEntry))
	mux.HandleFunc("/entries/after", s.get(s.handleEntriesAfter))
	mux.HandleFunc("/block", s.get(s.handleBlock))
	mux.HandleFunc("/state", s.get(s.handleState))
	mux.HandleFunc("/identity", s.get(s.handleIdentity))
	if s.Events != nil {
		mux.HandleFunc("/events", s.get(s.handleEvents))
	}
	if s.opts.ServeMetrics {
		monitoring.RegisterMetrics(mux)
	}
	return mux
}

// Start serves the API until ctx is done.
func (s *APIServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.opts.ListenAddr, err)
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	logx.Info("API", "listening on ", lis.Addr().String())

	exception.SafeGo("APIServe", func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error("API", "serve failed: ", err)
		}
	})
	exception.SafeGo("APIShutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	})
	return nil
}

func (s *APIServer) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, apierrors.ErrCodeMethodNotAllowed, apierrors.ErrMsgMethodNotAllowed)
			return
		}
		if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
			logx.Warn("API", fmt.Sprintf("rate limit exceeded for %s", clientIP(r)))
			writeError(w, http.StatusTooManyRequests, apierrors.ErrCodeRateLimited, apierrors.ErrMsgRateLimited)
			return
		}
		h(w, r)
	}
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonx.NewEncoder(w).Encode(v); err != nil {
		logx.Error("API", "failed to encode response: ", err)
	}
}

func writeError(w http.ResponseWriter, status int, code apierrors.APIErrorCode, msg string) {
	writeJSON(w, status, apierrors.APIError{Code: code, Message: msg})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.Health.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, apierrors.ErrCodeUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if st.CachesStale {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

func (s *APIServer) handleLabels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Labels []string `json:"labels"`
	}{Labels: s.Ledger.Labels()})
}

func (s *APIServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		writeError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, fmt.Sprintf(apierrors.ErrMsgMissingParam, "label"))
		return
	}
	limit, offset := page(r)
	all := s.Ledger.Latest(label)

	res := EntryPage{Total: len(all), Entries: make([]EntryView, 0)}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		for _, me := range all[offset:end] {
			res.Entries = append(res.Entries, NewEntryView(me, r.URL.Query().Get("decode") == "true"))
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	label := q.Get("label")
	if label == "" {
		writeError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, fmt.Sprintf(apierrors.ErrMsgMissingParam, "label"))
		return
	}
	key, err := hex.DecodeString(q.Get("key"))
	if err != nil || len(key) == 0 {
		writeError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidKey, apierrors.ErrMsgInvalidKey)
		return
	}
	me, err := s.Ledger.GetCommitted(label, key)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, apierrors.ErrCodeEntryNotFound, apierrors.ErrMsgEntryNotFound)
		return
	}
	if err != nil {
		logx.Error("API", "get entry: ", err)
		writeError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, apierrors.ErrMsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, NewEntryView(me, true))
}

func (s *APIServer) handleEntriesAfter(w http.ResponseWriter, r *http.Request) {
	pos, ok := position(w, r)
	if !ok {
		return
	}
	limit, _ := page(r)
	it := s.Ledger.IterateFrom(pos)
	total := it.Remaining()
	res := EntryPage{Total: total, Entries: make([]EntryView, 0, min(limit, total))}
	for len(res.Entries) < limit && it.Next() {
		res.Entries = append(res.Entries, NewEntryView(it.Entry(), false))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	pos, ok := position(w, r)
	if !ok {
		return
	}
	at, found := s.Ledger.PositionAtOrAfter(pos)
	if !found {
		writeError(w, http.StatusNotFound, apierrors.ErrCodeBlockNotFound, apierrors.ErrMsgBlockNotFound)
		return
	}
	b, next, err := s.Ledger.ReadBlockAt(at)
	if err != nil {
		logx.Error("API", fmt.Sprintf("read block at %d: ", at), err)
		writeError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, apierrors.ErrMsgInternal)
		return
	}
	writeJSON(w, http.StatusOK, NewBlockView(b, at, next))
}

func (s *APIServer) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewStateView(s.Projector.State(), s.Projector.Stale()))
}

func (s *APIServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	who := types.Principal(r.URL.Query().Get("principal"))
	if _, err := who.PubKey(); err != nil {
		writeError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidPrincipal, apierrors.ErrMsgInvalidPrincipal)
		return
	}
	view := IdentityView{
		Principal:     who,
		IsProvider:    s.Projector.IsProvider(who),
		IsUser:        s.Projector.IsUser(who),
		ReputationE9s: s.Projector.Reputation(who),
		Alternates:    s.Projector.Alternates(who),
		BalanceE9s:    s.Projector.Balance(who).Dec(),
		UnclaimedE9s:  s.Projector.UnclaimedRewards(who).Dec(),
	}
	if main, ok := s.Projector.MainIdentity(who); ok {
		view.MainIdentity = &main
	}
	writeJSON(w, http.StatusOK, view)
}

func page(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func position(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("position")
	if raw == "" {
		return 0, true
	}
	pos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || pos < 0 {
		writeError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidPosition, apierrors.ErrMsgInvalidPosition)
		return 0, false
	}
	return pos, true
}

// handleEvents streams committed blocks and entries as server-sent events.
// Repeated label parameters restrict the entry events to those labels.
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, apierrors.ErrMsgInternal)
		return
	}
	id, ch := s.Events.Subscribe(r.URL.Query()["label"]...)
	defer s.Events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := jsonx.Marshal(events.ToWire(ev))
			if err != nil {
				logx.Error("API", "encode event: ", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
