package server

import (
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/litcodeur/luminardb/rpc/serializer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Reference Sync Server
// --------------------------------------------------------------------------

// MutationHandler turns an accepted push into the authoritative collection
// operations it produces. The default handler expects the payload to carry
// {"change": {collection: [operations]}}.
type MutationHandler func(req common.PushRequest) (map[string][]common.CollectionOperation, error)

// historyEntry is one recorded authoritative operation.
type historyEntry struct {
	seq        uint64
	mutationID uint64
	collection string
	op         common.CollectionOperation
}

// Server is the in-memory reference remote.
type Server struct {
	serializer serializer.IEnvelopeSerializer
	handler    MutationHandler
	logger     zerolog.Logger

	mu             sync.Mutex
	history        []historyEntry
	nextSeq        uint64
	nextMutationID uint64
}

// New creates a reference server. Nil arguments select the JSON serializer
// and the default payload-as-change handler.
func New(s serializer.IEnvelopeSerializer, handler MutationHandler, logger zerolog.Logger) *Server {
	if s == nil {
		s = serializer.NewJSONSerializer()
	}
	srv := &Server{
		serializer: s,
		handler:    handler,
		logger:     logger.With().Str("component", "sync-server").Logger(),
	}
	if srv.handler == nil {
		srv.handler = defaultHandler
	}
	return srv
}

// Router returns the HTTP handler serving the sync protocol.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/pull", s.handlePull)
	r.Post("/push", s.handlePush)
	return r
}

// Record appends authoritative operations out-of-band (simulating writes by
// other clients); useful in tests and the demo CLI.
func (s *Server) Record(collection string, ops ...common.CollectionOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.nextSeq++
		s.history = append(s.history, historyEntry{seq: s.nextSeq, collection: collection, op: op})
	}
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cursor any `json:"cursor"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	after := parseCursor(req.Cursor)

	s.mu.Lock()
	change := make(map[string][]common.CollectionOperation)
	last := after
	for _, entry := range s.history {
		if entry.seq <= after {
			continue
		}
		change[entry.collection] = append(change[entry.collection], entry.op)
		last = entry.seq
	}
	resp := common.PullResponse{
		Change:                  change,
		Cursor:                  strconv.FormatUint(last, 10),
		LastProcessedMutationID: s.nextMutationID,
	}
	s.mu.Unlock()

	s.respond(w, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req common.PushRequest
	if !s.decode(w, r, &req) {
		return
	}

	change, err := s.handler(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("mutation", req.MutationName).Msg("push rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	s.nextMutationID++
	id := s.nextMutationID
	for collection, ops := range change {
		for _, op := range ops {
			s.nextSeq++
			s.history = append(s.history, historyEntry{
				seq:        s.nextSeq,
				mutationID: id,
				collection: collection,
				op:         op,
			})
		}
	}
	s.mu.Unlock()

	s.respond(w, common.PushResult{ServerMutationID: id})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = s.serializer.Deserialize(body, out)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	body, err := s.serializer.Serialize(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.serializer.ContentType())
	_, _ = w.Write(body)
}

func parseCursor(cursor any) uint64 {
	switch t := cursor.(type) {
	case string:
		n, _ := strconv.ParseUint(t, 10, 64)
		return n
	case float64:
		return uint64(t)
	default:
		return 0
	}
}

// defaultHandler reads the authoritative change set straight out of the
// push payload: {"change": {collection: [{action, key, value}]}}.
func defaultHandler(req common.PushRequest) (map[string][]common.CollectionOperation, error) {
	payload, ok := req.Payload.(map[string]any)
	if !ok {
		return nil, errors.New("push payload must be an object with a change field")
	}
	rawChange, ok := payload["change"].(map[string]any)
	if !ok {
		return nil, errors.New("push payload must carry change: {collection: [operations]}")
	}

	change := make(map[string][]common.CollectionOperation, len(rawChange))
	for collection, rawOps := range rawChange {
		list, ok := rawOps.([]any)
		if !ok {
			return nil, errors.Errorf("change for %q must be a list", collection)
		}
		for _, rawOp := range list {
			op, err := parseOperation(rawOp)
			if err != nil {
				return nil, errors.Wrapf(err, "collection %q", collection)
			}
			change[collection] = append(change[collection], op)
		}
	}
	return change, nil
}

func parseOperation(raw any) (common.CollectionOperation, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return common.CollectionOperation{}, errors.New("operation must be an object")
	}
	action, _ := obj["action"].(string)
	op := common.CollectionOperation{Action: common.Action(action), Key: obj["key"]}
	if value, ok := obj["value"].(map[string]any); ok {
		op.Value = kv.Document(value)
	}
	return op, op.Validate()
}
