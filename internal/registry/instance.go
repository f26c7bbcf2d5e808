package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/protocol"
)

// Conn is the registry's handle on an editor connection. Sends enqueue on
// the connection's outbound lane and never block on the socket.
type Conn interface {
	SendCommand(cmd *protocol.Command) error
	Close() error
}

// Instance is one registered editor, keyed by its project identifier.
type Instance struct {
	ID           string
	ProjectName  string
	UnityVersion string
	Capabilities []string
	Status       string
	StatusDetail string
	RegisteredAt time.Time

	conn     Conn
	inflight *Ticket
	queue    []*Ticket

	// Guards stale grace-timer callbacks after a resume.
	reloadGen  int
	graceTimer *time.Timer
}

func (inst *Instance) hasCapability(command string) bool {
	if len(inst.Capabilities) == 0 {
		return true
	}
	for _, c := range inst.Capabilities {
		if c == command {
			return true
		}
	}
	return false
}

func (inst *Instance) snapshot(isDefault bool) protocol.InstanceInfo {
	caps := make([]string, len(inst.Capabilities))
	copy(caps, inst.Capabilities)
	return protocol.InstanceInfo{
		ID:           inst.ID,
		ProjectName:  inst.ProjectName,
		Version:      inst.UnityVersion,
		Status:       inst.Status,
		Capabilities: caps,
		IsDefault:    isDefault,
		QueueSize:    len(inst.queue),
	}
}

// Ticket is one dispatched request: created on the client path, completed on
// the editor path. Exactly one terminal Response is ever delivered.
type Ticket struct {
	ID        string
	Command   string
	Params    json.RawMessage
	TimeoutMS int64
	Deadline  time.Time

	queued bool

	once sync.Once
	done chan *protocol.Response
}

// NewTicket builds a ticket whose deadline starts now.
func NewTicket(id, command string, params json.RawMessage, timeout time.Duration) *Ticket {
	return &Ticket{
		ID:        id,
		Command:   command,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
		Deadline:  time.Now().Add(timeout),
		done:      make(chan *protocol.Response, 1),
	}
}

// Done yields the terminal response exactly once.
func (t *Ticket) Done() <-chan *protocol.Response {
	return t.done
}

// WasQueued reports whether the ticket spent time in an instance queue.
// Valid once the terminal response has been received.
func (t *Ticket) WasQueued() bool {
	return t.queued
}

func (t *Ticket) resolve(resp *protocol.Response) {
	t.once.Do(func() {
		t.done <- resp
	})
}

func (t *Ticket) expired() bool {
	return time.Now().After(t.Deadline)
}

func (t *Ticket) command() *protocol.Command {
	return &protocol.Command{
		Type:      protocol.TypeCommand,
		ID:        t.ID,
		Command:   t.Command,
		Params:    t.Params,
		TimeoutMS: t.TimeoutMS,
	}
}

// DispatchError is a routing rejection carrying a wire error code.
type DispatchError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
