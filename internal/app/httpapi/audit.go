package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/middleware"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

const defaultAuditCapacity = 200

// auditEntry records an administrative change to filing behavior, such as
// the transmission kill switch.
type auditEntry struct {
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	Role       string    `json:"role"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	Enabled    *bool     `json:"transmissions_enabled,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

func newAuditEntry(r *http.Request, action, detail string) auditEntry {
	ctx := r.Context()
	return auditEntry{
		Time:       time.Now().UTC(),
		User:       middleware.GetUserID(ctx),
		Role:       middleware.GetUserRole(ctx),
		Action:     action,
		Detail:     detail,
		RequestID:  middleware.GetRequestID(ctx),
		RemoteAddr: r.RemoteAddr,
	}
}

// auditTrail keeps the most recent entries in a fixed ring and mirrors every
// entry to an optional JSONL sink.
type auditTrail struct {
	mu    sync.Mutex
	ring  []auditEntry
	next  int
	full  bool
	sink  *json.Encoder
	close io.Closer
	log   *logger.Logger
}

func newAuditTrail(capacity int, sink io.WriteCloser, log *logger.Logger) *auditTrail {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	a := &auditTrail{ring: make([]auditEntry, capacity), log: log}
	if sink != nil {
		a.sink = json.NewEncoder(sink)
		a.close = sink
	}
	return a
}

// openAuditFile opens path for appending. An empty path disables the sink.
func openAuditFile(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func (a *auditTrail) record(entry auditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring[a.next] = entry
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}
	if a.sink != nil {
		if err := a.sink.Encode(entry); err != nil && a.log != nil {
			a.log.WithError(err).WithField("action", entry.Action).Error("audit sink write failed")
		}
	}
}

// recent returns up to limit entries, newest first.
func (a *auditTrail) recent(limit int) []auditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	size := a.next
	if a.full {
		size = len(a.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]auditEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, a.ring[(a.next-i+len(a.ring))%len(a.ring)])
	}
	return out
}

func (a *auditTrail) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close.Close()
}
