package fanout

import (
	"log"
	"sync"

	"github.com/taskstream/project/internal/platform/metrics"
)

// Conn is one live transport connection. Send must not block; a slow
// connection reports an error and is cut loose by its transport.
type Conn interface {
	Send(frame []byte) error
}

var liveConnections = metrics.NewGauge(metrics.Opts{
	Name: "fanout_connections",
	Help: "Currently connected transport connections.",
})

var deliveredTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "fanout_deliveries_total",
	Help: "Fan-out deliveries by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(liveConnections, deliveredTotal)
}

// Registry maps authenticated users to their live connections. One user
// may hold many connections (tabs, devices); a connection belongs to at
// most one user at a time. Purely in-memory: a restart loses every
// subscription and clients re-subscribe on reconnect.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]map[Conn]struct{}
	owner  map[Conn]string
	conns  map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: map[string]map[Conn]struct{}{},
		owner:  map[Conn]string{},
		conns:  map[Conn]struct{}{},
	}
}

// Connect registers a live connection before any subscribe arrives so
// broadcasts reach it.
func (r *Registry) Connect(conn Conn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
	liveConnections.Inc()
}

// Subscribe binds conn to userID. Re-subscribing the same pair is a
// no-op; subscribing a conn that belonged to another user moves it.
func (r *Registry) Subscribe(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[conn]; ok {
		if prev == userID {
			return
		}
		r.removeLocked(prev, conn)
	}
	set := r.byUser[userID]
	if set == nil {
		set = map[Conn]struct{}{}
		r.byUser[userID] = set
	}
	set[conn] = struct{}{}
	r.owner[conn] = userID
}

// Unsubscribe detaches conn from userID. Idempotent: unknown pairs are
// ignored.
func (r *Registry) Unsubscribe(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userID, conn)
}

// Disconnect forgets the connection entirely. It sweeps every user set
// defensively so a handle is never retained after its transport closed,
// even if the owner bookkeeping were ever wrong.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	_, known := r.conns[conn]
	delete(r.conns, conn)
	delete(r.owner, conn)
	for userID, set := range r.byUser {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	if known {
		liveConnections.Dec()
	}
}

func (r *Registry) removeLocked(userID string, conn Conn) {
	set := r.byUser[userID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
	if r.owner[conn] == userID {
		delete(r.owner, conn)
	}
}

// SendToUsers delivers frame to every connection of every listed user.
// An offline user is an expected outcome, not an error: there is no
// store-and-forward, clients re-fetch state on reconnect.
func (r *Registry) SendToUsers(userIDs []string, frame []byte) {
	for _, userID := range userIDs {
		r.mu.Lock()
		targets := make([]Conn, 0, len(r.byUser[userID]))
		for conn := range r.byUser[userID] {
			targets = append(targets, conn)
		}
		r.mu.Unlock()

		if len(targets) == 0 {
			log.Printf("fanout: no active connections for user %s", userID)
			deliveredTotal.WithLabelValues("miss").Inc()
			continue
		}
		for _, conn := range targets {
			r.push(conn, frame)
		}
	}
}

// Broadcast delivers frame to every connected handle regardless of
// subscription state.
func (r *Registry) Broadcast(frame []byte) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		r.push(conn, frame)
	}
}

func (r *Registry) push(conn Conn, frame []byte) {
	if err := conn.Send(frame); err != nil {
		log.Printf("fanout: dropping frame: %v", err)
		deliveredTotal.WithLabelValues("dropped").Inc()
		return
	}
	deliveredTotal.WithLabelValues("sent").Inc()
}

// Connections reports the number of live handles.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
