package dimse

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// StoreHandler handles C-STORE requests.
type StoreHandler interface {
	HandleStore(ctx context.Context, ev *StoreEvent) Status
}

// FindHandler handles C-FIND requests.
type FindHandler interface {
	HandleFind(ctx context.Context, ev *FindEvent) FindResponses
}

// EchoHandler handles C-ECHO requests.
type EchoHandler interface {
	HandleEcho(ctx context.Context, ev *EchoEvent) Status
}

// ReleaseHandler handles association release. It must return promptly.
type ReleaseHandler interface {
	HandleRelease(ctx context.Context, ev *ReleaseEvent)
}

// Dispatcher routes lifecycle callbacks from the protocol engine to the
// registered handlers. Registering again for a command replaces the
// previous handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Command]interface{}
	logger   zerolog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Command]interface{}),
		logger:   logger.With().Str("component", "dimse").Logger(),
	}
}

// Register installs h for every command whose handler interface it implements.
func (d *Dispatcher) Register(h interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := h.(StoreHandler); ok {
		d.handlers[CStoreRQ] = h
	}
	if _, ok := h.(FindHandler); ok {
		d.handlers[CFindRQ] = h
	}
	if _, ok := h.(EchoHandler); ok {
		d.handlers[CEchoRQ] = h
	}
	if _, ok := h.(ReleaseHandler); ok {
		d.handlers[ARelease] = h
	}
}

// Unregister removes the handler for cmd.
func (d *Dispatcher) Unregister(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, cmd)
}

func (d *Dispatcher) handler(cmd Command) interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[cmd]
}

// Store dispatches a C-STORE request.
func (d *Dispatcher) Store(ctx context.Context, ev *StoreEvent) Status {
	h, ok := d.handler(CStoreRQ).(StoreHandler)
	if !ok {
		d.logger.Warn().Str("sop_class", ev.SOPClassUID).Msg("no C-STORE handler registered")
		return StatusSOPClassNotSupported
	}
	return h.HandleStore(ctx, ev)
}

// Find dispatches a C-FIND request.
func (d *Dispatcher) Find(ctx context.Context, ev *FindEvent) FindResponses {
	h, ok := d.handler(CFindRQ).(FindHandler)
	if !ok {
		d.logger.Warn().Str("level", string(ev.Level)).Msg("no C-FIND handler registered")
		return FinalResponse(StatusSOPClassNotSupported)
	}
	return h.HandleFind(ctx, ev)
}

// Echo dispatches a C-ECHO request. Without a handler, echo succeeds.
func (d *Dispatcher) Echo(ctx context.Context, ev *EchoEvent) Status {
	h, ok := d.handler(CEchoRQ).(EchoHandler)
	if !ok {
		return StatusSuccess
	}
	return h.HandleEcho(ctx, ev)
}

// Release dispatches an association release.
func (d *Dispatcher) Release(ctx context.Context, ev *ReleaseEvent) {
	h, ok := d.handler(ARelease).(ReleaseHandler)
	if !ok {
		return
	}
	h.HandleRelease(ctx, ev)
}

// FinalResponse returns a stream made of a single final status.
func FinalResponse(status Status) FindResponses {
	return &finalResponse{resp: FindResponse{Status: status}}
}

type finalResponse struct {
	resp FindResponse
	done bool
}

func (f *finalResponse) Next() bool {
	if f.done {
		return false
	}
	f.done = true
	return true
}

func (f *finalResponse) Response() FindResponse { return f.resp }
func (f *finalResponse) Close() error           { return nil }

// Drain consumes a response stream and returns every response, the final
// status included.
func Drain(r FindResponses) []FindResponse {
	defer r.Close()
	var out []FindResponse
	for r.Next() {
		out = append(out, r.Response())
	}
	return out
}
