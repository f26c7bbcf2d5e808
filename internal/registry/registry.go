// Package registry tracks editor instances and drives the per-instance
// dispatch state machine: READY, BUSY, RELOADING, gone. It owns the
// in-flight ticket and the bounded FIFO queue of every instance; sessions
// own the sockets.
//
// All mutation happens under one registry lock. Nothing under the lock
// blocks: delivering a command means handing it to the connection's
// outbound lane, completing a ticket means filling a buffered channel.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/protocol"
)

// Config holds the dispatch knobs the registry needs.
type Config struct {
	QueueEnabled  bool
	QueueCapacity int
	ReloadGrace   time.Duration
}

// DefaultConfig matches the relay defaults: queueing off, capacity 10 when
// enabled, 30 s reload grace.
func DefaultConfig() Config {
	return Config{
		QueueEnabled:  false,
		QueueCapacity: 10,
		ReloadGrace:   30 * time.Second,
	}
}

// Registry is the authoritative map of connected instances.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	instances map[string]*Instance
	defaultID string
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10
	}
	if cfg.ReloadGrace <= 0 {
		cfg.ReloadGrace = 30 * time.Second
	}
	return &Registry{
		cfg:       cfg,
		instances: make(map[string]*Instance),
	}
}

// RegisterOutcome reports how a REGISTER was absorbed.
type RegisterOutcome struct {
	// Resumed is true when the registration ended a reload window.
	Resumed bool
	// Displaced is the connection of a previous live registration with the
	// same identifier. The caller must close it outside the registry lock.
	Displaced Conn
}

// Register installs or replaces the instance record for reg.InstanceID.
//
// A record in RELOADING state is resumed: the surviving in-flight ticket is
// re-forwarded on the new connection if its deadline has not passed, and
// dropped silently otherwise. A record with a live connection is displaced;
// its in-flight and queued tickets fail with INSTANCE_DISCONNECTED.
func (r *Registry) Register(reg *protocol.Register, conn Conn) *RegisterOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := &RegisterOutcome{}
	now := time.Now()

	if prev, exists := r.instances[reg.InstanceID]; exists {
		if prev.Status == protocol.StatusReloading {
			r.resumeLocked(prev, reg, conn)
			outcome.Resumed = true
			metrics.RecordReload("resumed")
			return outcome
		}
		outcome.Displaced = prev.conn
		r.failTicketsLocked(prev, protocol.CodeInstanceDisconnected, "instance replaced by a new registration")
		prev.stopGraceLocked()
		logging.Op().Info("instance displaced", "instance", reg.InstanceID)
	}

	inst := &Instance{
		ID:           reg.InstanceID,
		ProjectName:  reg.ProjectName,
		UnityVersion: reg.UnityVersion,
		Capabilities: reg.Capabilities,
		Status:       protocol.StatusReady,
		RegisteredAt: now,
		conn:         conn,
	}
	r.instances[reg.InstanceID] = inst
	metrics.SetInstances(len(r.instances))

	logging.Op().Info("instance registered",
		"instance", inst.ID,
		"project", inst.ProjectName,
		"version", inst.UnityVersion,
		"capabilities", len(inst.Capabilities))
	return outcome
}

// resumeLocked re-binds a reloading instance to its fresh connection.
func (r *Registry) resumeLocked(inst *Instance, reg *protocol.Register, conn Conn) {
	inst.stopGraceLocked()
	inst.conn = conn
	inst.ProjectName = reg.ProjectName
	inst.UnityVersion = reg.UnityVersion
	inst.Capabilities = reg.Capabilities
	inst.StatusDetail = ""

	if t := inst.inflight; t != nil {
		if t.expired() {
			// The waiter has already timed out; the restarted editor never
			// saw the command, so there is nothing to discard later.
			inst.inflight = nil
			logging.Op().Info("dropped expired in-flight on resume", "instance", inst.ID, "request", t.ID)
		} else {
			inst.Status = protocol.StatusBusy
			if err := conn.SendCommand(t.command()); err != nil {
				logging.Op().Warn("re-forward failed on resume", "instance", inst.ID, "request", t.ID, "error", err)
			} else {
				logging.Op().Info("re-forwarded in-flight on resume", "instance", inst.ID, "request", t.ID)
			}
			return
		}
	}

	inst.Status = protocol.StatusReady
	r.drainLocked(inst)
	logging.Op().Info("instance resumed", "instance", inst.ID)
}

// Dispatch routes one ticket per the instance state machine. A nil error
// means the ticket was forwarded or enqueued and will receive its terminal
// response through Done. instanceID may be empty to target the default.
func (r *Registry) Dispatch(instanceID string, t *Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.resolveLocked(instanceID)
	if err != nil {
		return err
	}
	if !inst.hasCapability(t.Command) {
		return &DispatchError{
			Code:    protocol.CodeCapabilityNotSupported,
			Message: "instance " + inst.ID + " does not expose command " + t.Command,
		}
	}

	switch {
	case inst.Status == protocol.StatusReloading:
		return &DispatchError{
			Code:    protocol.CodeInstanceReloading,
			Message: "instance " + inst.ID + " is reloading",
		}
	case inst.Status == protocol.StatusReady && inst.inflight == nil:
		inst.inflight = t
		inst.Status = protocol.StatusBusy
		if err := inst.conn.SendCommand(t.command()); err != nil {
			inst.inflight = nil
			inst.Status = protocol.StatusReady
			return &DispatchError{
				Code:    protocol.CodeInstanceDisconnected,
				Message: "instance " + inst.ID + " connection is gone",
			}
		}
		return nil
	default:
		return r.enqueueLocked(inst, t)
	}
}

func (r *Registry) enqueueLocked(inst *Instance, t *Ticket) error {
	if !r.cfg.QueueEnabled {
		return &DispatchError{
			Code:    protocol.CodeInstanceBusy,
			Message: "instance " + inst.ID + " has a command in flight",
		}
	}
	if len(inst.queue) >= r.cfg.QueueCapacity {
		return &DispatchError{
			Code:    protocol.CodeQueueFull,
			Message: "instance " + inst.ID + " queue is full",
		}
	}
	t.queued = true
	inst.queue = append(inst.queue, t)
	metrics.SetQueueDepth(inst.ID, len(inst.queue))
	logging.Op().Debug("request queued", "instance", inst.ID, "request", t.ID, "depth", len(inst.queue))
	return nil
}

// Complete matches a COMMAND_RESULT against the instance's in-flight ticket.
// An unmatched result is logged and discarded. The returned response is nil
// exactly when the result was discarded.
func (r *Registry) Complete(instanceID string, result *protocol.CommandResult) *protocol.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists {
		logging.Op().Warn("result for unknown instance", "instance", instanceID, "request", result.ID)
		return nil
	}
	t := inst.inflight
	if t == nil || t.ID != result.ID {
		logging.Op().Warn("unmatched command result discarded", "instance", instanceID, "request", result.ID)
		return nil
	}

	inst.inflight = nil
	if inst.Status == protocol.StatusBusy {
		inst.Status = protocol.StatusReady
	}

	resp := &protocol.Response{
		Type:    protocol.TypeResponse,
		ID:      result.ID,
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Error,
	}
	if !result.Success && resp.Error == nil {
		resp.Error = &protocol.ErrorInfo{Code: protocol.CodeInternalError, Message: "editor reported failure without detail"}
	}

	if t.expired() {
		// The client already received TIMEOUT; the editor's work is done
		// but its outcome has no audience.
		logging.Op().Info("late result discarded", "instance", instanceID, "request", result.ID)
	}
	t.resolve(resp)

	r.drainLocked(inst)
	return resp
}

// drainLocked forwards the next live queued ticket if the instance is READY
// with nothing in flight. Tickets whose deadline already passed are skipped;
// their waiters have timed out on their own.
func (r *Registry) drainLocked(inst *Instance) {
	if inst.Status != protocol.StatusReady || inst.inflight != nil {
		return
	}
	for len(inst.queue) > 0 {
		t := inst.queue[0]
		inst.queue = inst.queue[1:]
		if t.expired() {
			logging.Op().Debug("expired queued request skipped", "instance", inst.ID, "request", t.ID)
			continue
		}
		inst.inflight = t
		inst.Status = protocol.StatusBusy
		if err := inst.conn.SendCommand(t.command()); err != nil {
			logging.Op().Warn("queued command forward failed", "instance", inst.ID, "request", t.ID, "error", err)
			inst.inflight = nil
			inst.Status = protocol.StatusReady
			t.resolve(protocol.NewErrorResponse(t.ID, protocol.CodeInstanceDisconnected, "instance "+inst.ID+" connection is gone"))
			continue
		}
		break
	}
	metrics.SetQueueDepth(inst.ID, len(inst.queue))
}

// NotifyStatus applies an editor-reported status change. "reloading" opens
// the grace window: the in-flight ticket and queue are held, not failed,
// until the instance re-registers or the grace expires.
func (r *Registry) NotifyStatus(instanceID, status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists {
		return
	}
	inst.StatusDetail = detail

	switch status {
	case protocol.StatusReloading:
		if inst.Status == protocol.StatusReloading {
			return
		}
		inst.Status = protocol.StatusReloading
		inst.reloadGen++
		gen := inst.reloadGen
		inst.graceTimer = time.AfterFunc(r.cfg.ReloadGrace, func() {
			r.expireReload(instanceID, gen)
		})
		metrics.RecordReload("started")
		logging.Op().Info("instance reloading", "instance", instanceID, "grace", r.cfg.ReloadGrace)
	case protocol.StatusReady:
		if inst.Status == protocol.StatusReloading {
			// Only a fresh REGISTER ends a reload window.
			return
		}
		if inst.inflight == nil {
			inst.Status = protocol.StatusReady
			r.drainLocked(inst)
		}
	case protocol.StatusBusy:
		if inst.Status != protocol.StatusReloading {
			inst.Status = protocol.StatusBusy
		}
	default:
		logging.Op().Warn("unknown status ignored", "instance", instanceID, "status", status)
	}
}

// expireReload fires when a reload window closes without a re-REGISTER.
func (r *Registry) expireReload(instanceID string, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists || inst.Status != protocol.StatusReloading || inst.reloadGen != gen {
		return
	}
	metrics.RecordReload("expired")
	logging.Op().Warn("reload grace expired", "instance", instanceID)
	r.removeLocked(inst, protocol.CodeInstanceDisconnected, "instance "+instanceID+" did not return from reload")
}

// MarkLost removes an instance after liveness loss. The conn argument guards
// against a stale session tearing down a successor registration.
func (r *Registry) MarkLost(instanceID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists || (conn != nil && inst.conn != conn) {
		return
	}
	logging.Op().Warn("instance lost", "instance", instanceID)
	r.removeLocked(inst, protocol.CodeInstanceDisconnected, "instance "+instanceID+" stopped answering probes")
}

// ConnClosed handles an editor socket dying. During a reload window the
// record survives; the grace timer decides its fate.
func (r *Registry) ConnClosed(instanceID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[instanceID]
	if !exists || (conn != nil && inst.conn != conn) {
		return
	}
	if inst.Status == protocol.StatusReloading {
		inst.conn = nil
		logging.Op().Debug("connection closed during reload", "instance", instanceID)
		return
	}
	logging.Op().Info("instance disconnected", "instance", instanceID)
	r.removeLocked(inst, protocol.CodeInstanceDisconnected, "instance "+instanceID+" connection closed")
}

func (r *Registry) removeLocked(inst *Instance, code protocol.ErrorCode, message string) {
	r.failTicketsLocked(inst, code, message)
	inst.stopGraceLocked()
	delete(r.instances, inst.ID)
	metrics.SetInstances(len(r.instances))
	metrics.SetQueueDepth(inst.ID, 0)
}

func (r *Registry) failTicketsLocked(inst *Instance, code protocol.ErrorCode, message string) {
	if t := inst.inflight; t != nil {
		inst.inflight = nil
		t.resolve(protocol.NewErrorResponse(t.ID, code, message))
	}
	for _, t := range inst.queue {
		t.resolve(protocol.NewErrorResponse(t.ID, code, message))
	}
	inst.queue = nil
}

func (inst *Instance) stopGraceLocked() {
	if inst.graceTimer != nil {
		inst.graceTimer.Stop()
		inst.graceTimer = nil
	}
	inst.reloadGen++
}

// SetDefault pins the default instance used by requests without an explicit
// target.
func (r *Registry) SetDefault(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[instanceID]; !exists {
		return &DispatchError{
			Code:    protocol.CodeInstanceNotFound,
			Message: "no instance registered as " + instanceID,
		}
	}
	r.defaultID = instanceID
	logging.Op().Info("default instance set", "instance", instanceID)
	return nil
}

// DefaultID returns the identifier requests without an explicit target
// resolve to, or "" when no instance is connected.
func (r *Registry) DefaultID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultIDLocked()
}

// defaultIDLocked prefers the last explicitly pinned instance while it is
// still registered, then the lexicographically first identifier.
func (r *Registry) defaultIDLocked() string {
	if r.defaultID != "" {
		if _, ok := r.instances[r.defaultID]; ok {
			return r.defaultID
		}
	}
	first := ""
	for id := range r.instances {
		if first == "" || id < first {
			first = id
		}
	}
	return first
}

func (r *Registry) resolveLocked(instanceID string) (*Instance, error) {
	id := instanceID
	if id == "" {
		id = r.defaultIDLocked()
	}
	inst, exists := r.instances[id]
	if !exists {
		msg := "no instance registered as " + id
		if id == "" {
			msg = "no instances connected"
		}
		return nil, &DispatchError{Code: protocol.CodeInstanceNotFound, Message: msg}
	}
	return inst, nil
}

// List returns a point-in-time snapshot sorted by identifier.
func (r *Registry) List() []protocol.InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	defaultID := r.defaultIDLocked()
	infos := make([]protocol.InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, inst.snapshot(inst.ID == defaultID))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Status reports the current state of one instance.
func (r *Registry) Status(instanceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, exists := r.instances[instanceID]
	if !exists {
		return "", false
	}
	return inst.Status, true
}

// Close fails every ticket and drops all instances. Connections are closed
// by their owning sessions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		r.failTicketsLocked(inst, protocol.CodeInstanceDisconnected, "relay shutting down")
		inst.stopGraceLocked()
	}
	r.instances = make(map[string]*Instance)
	metrics.SetInstances(0)
}
