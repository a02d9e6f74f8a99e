package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
)

// Server is an in-memory reference implementation of the remote record
// store protocol: idempotent push keyed by mutation ID, optimistic
// concurrency on version tags, per-partition incremental pull and a
// websocket change feed. It backs the dev server command and the
// end-to-end tests.
type Server struct {
	mu sync.Mutex

	// partitionOf routes record types to partitions; unknown types land
	// in defaultPartition.
	partitionOf      map[models.RecordType]models.Partition
	defaultPartition models.Partition

	records map[string]*models.Record // key: type/id
	applied map[string]string         // mutation_id -> issued version tag
	nextTag int64

	changes map[models.Partition][]changeEntry
	nextSeq map[models.Partition]int64

	feeds map[*websocket.Conn]bool

	// failPushes injects transient failures for tests.
	failPushes int
	failCode   int
}

type changeEntry struct {
	seq    int64
	record *models.Record
}

// NewServer creates an empty reference server.
func NewServer(partitionOf map[models.RecordType]models.Partition, defaultPartition models.Partition) *Server {
	if defaultPartition == "" {
		defaultPartition = "private"
	}
	if partitionOf == nil {
		partitionOf = map[models.RecordType]models.Partition{}
	}
	return &Server{
		partitionOf:      partitionOf,
		defaultPartition: defaultPartition,
		records:          make(map[string]*models.Record),
		applied:          make(map[string]string),
		changes:          make(map[models.Partition][]changeEntry),
		nextSeq:          make(map[models.Partition]int64),
		feeds:            make(map[*websocket.Conn]bool),
	}
}

// Handler returns the HTTP router for the reference server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/v1/push", s.handlePush)
	r.Get("/v1/pull", s.handlePull)
	r.Get("/ws", s.handleFeed)

	return r
}

// FailNextPushes makes the next n pushes answer with an HTTP status,
// used to exercise the retry and dead-letter paths in tests.
func (s *Server) FailNextPushes(n, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPushes = n
	s.failCode = code
}

// Seed installs a record directly, as another device's acknowledged
// write would, and emits a change entry for it.
func (s *Server) Seed(rec *models.Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := rec.Clone()
	stored.VersionTag = s.issueTag()
	s.records[stored.Target().Key()] = stored
	s.appendChange(stored)
	s.notifyLocked(stored)
	return stored.VersionTag
}

// Record returns the server's current copy of a record, nil if absent.
func (s *Server) Record(t models.RecordType, id string) *models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[models.Target{Type: t, ID: id}.Key()]; ok {
		return rec.Clone()
	}
	return nil
}

// PushCount reports how many distinct mutations have been applied.
func (s *Server) PushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *Server) issueTag() string {
	s.nextTag++
	return fmt.Sprintf("v%d", s.nextTag)
}

func (s *Server) partitionFor(t models.RecordType) models.Partition {
	if p, ok := s.partitionOf[t]; ok {
		return p
	}
	return s.defaultPartition
}

func (s *Server) appendChange(rec *models.Record) {
	p := s.partitionFor(rec.Type)
	s.nextSeq[p]++
	s.changes[p] = append(s.changes[p], changeEntry{seq: s.nextSeq[p], record: rec.Clone()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, pushResponse{Message: "malformed push request"})
		return
	}
	if req.MutationID == "" || req.Type == "" || req.ID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, pushResponse{Message: "missing mutation fields"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPushes > 0 {
		s.failPushes--
		writeJSON(w, s.failCode, pushResponse{Message: "injected failure"})
		return
	}

	// Idempotent replay: an already-applied mutation returns the tag it
	// was originally acknowledged with, without re-applying effects.
	if tag, ok := s.applied[req.MutationID]; ok {
		writeJSON(w, http.StatusOK, pushResponse{VersionTag: tag})
		return
	}

	key := models.Target{Type: req.Type, ID: req.ID}.Key()
	current := s.records[key]

	switch models.Op(req.Op) {
	case models.OpCreate:
		if current != nil && !current.Deleted {
			writeJSON(w, http.StatusConflict, pushResponse{Conflict: current})
			return
		}
	case models.OpUpdate, models.OpDelete:
		if current == nil {
			writeJSON(w, http.StatusGone, pushResponse{Message: "record deleted upstream"})
			return
		}
		if current.VersionTag != req.BaseVersionTag {
			writeJSON(w, http.StatusConflict, pushResponse{Conflict: current})
			return
		}
	default:
		writeJSON(w, http.StatusUnprocessableEntity, pushResponse{Message: "unknown op"})
		return
	}

	var stored *models.Record
	switch models.Op(req.Op) {
	case models.OpCreate:
		stored = &models.Record{
			Type:      req.Type,
			ID:        req.ID,
			Fields:    req.Payload.Clone(),
			UpdatedAt: time.Now().Unix(),
		}
	case models.OpUpdate:
		stored = current.Clone()
		if stored.Fields == nil {
			stored.Fields = models.Fields{}
		}
		for name, value := range req.Payload {
			stored.Fields[name] = value
		}
		stored.UpdatedAt = time.Now().Unix()
	case models.OpDelete:
		stored = current.Clone()
		stored.Deleted = true
		stored.UpdatedAt = time.Now().Unix()
	}

	stored.VersionTag = s.issueTag()
	s.records[key] = stored
	s.applied[req.MutationID] = stored.VersionTag
	s.appendChange(stored)
	s.notifyLocked(stored)

	writeJSON(w, http.StatusOK, pushResponse{VersionTag: stored.VersionTag})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	partition := models.Partition(r.URL.Query().Get("partition"))
	if partition == "" {
		writeJSON(w, http.StatusBadRequest, pushResponse{Message: "partition is required"})
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, pushResponse{Message: "malformed change token"})
			return
		}
		since = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collapse the change log to the latest state per record.
	latest := make(map[string]*models.Record)
	var order []string
	for _, entry := range s.changes[partition] {
		if entry.seq <= since {
			continue
		}
		key := entry.record.Target().Key()
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = entry.record
	}

	records := make([]*models.Record, 0, len(order))
	for _, key := range order {
		records = append(records, latest[key])
	}

	writeJSON(w, http.StatusOK, pullResponse{
		Records:   records,
		NextToken: models.ChangeToken(strconv.FormatInt(s.nextSeq[partition], 10)),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.feeds[conn] = true
	s.mu.Unlock()

	logging.Debug("Change feed subscriber connected", nil)

	// Reads are discarded; the feed is write-only. The read loop exists
	// to detect the peer closing.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.feeds, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// notifyLocked broadcasts a change signal for the record's partition.
// Callers hold s.mu.
func (s *Server) notifyLocked(rec *models.Record) {
	signal, _ := json.Marshal(map[string]string{
		"partition": string(s.partitionFor(rec.Type)),
	})
	for conn := range s.feeds {
		// Best effort; a dead subscriber is reaped by its read loop.
		_ = conn.WriteMessage(websocket.TextMessage, signal)
	}
}
