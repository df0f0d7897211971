// Package sandbox implements the sandbox engine (C3, spec §4.3): it
// instantiates a plugin's WebAssembly module under wazero with a
// capability-restricted set of host imports, fuel metering, and
// bounds-checked linear-memory access.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	"github.com/connectias/pluginhost/internal/fuel"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/permissions"
	"github.com/connectias/pluginhost/internal/quota"
)

// executeEnvelope is the plugin_execute input: a single JSON buffer
// carrying the command and its arguments (spec: "input and output are
// JSON {command, args} / {status, result|error}").
type executeEnvelope struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// executeResponse is the plugin_execute output envelope.
type executeResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InstanceState enumerates a sandbox instance's lifecycle (spec §4.3):
// Created -> Initialized (init() returned 0) -> Executing <-> Idle ->
// Cleaned. Executing -> Cleaned also happens on explicit unload or a
// fatal trap.
type InstanceState string

const (
	StateCreated     InstanceState = "Created"
	StateInitialized InstanceState = "Initialized"
	StateExecuting   InstanceState = "Executing"
	StateIdle        InstanceState = "Idle"
	StateCleaned     InstanceState = "Cleaned"
)

const maxStackBytes = 1 * 1024 * 1024

// Instance is one running plugin's sandbox: its wazero module, fuel
// meter, permission/quota governance, and lifecycle state.
type Instance struct {
	mu    sync.Mutex
	id    plugin.ID
	state InstanceState

	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	allocFn  api.Function
	freeFn   api.Function
	infoFn   api.Function
	initFn   api.Function
	execFn   api.Function
	cleanFn  api.Function

	meter   *fuel.Meter
	perms   *permissions.Store
	quota   *quota.Tracker
	log     *logging.Logger
}

// Engine instantiates and governs sandbox instances. One Engine per
// host process; it owns the shared wazero.Runtime configuration.
type Engine struct {
	log *logging.Logger
}

// New constructs a sandbox Engine.
func New(log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{log: log}
}

// runtimeConfig builds the wazero configuration: the interpreter engine,
// with a module closed once its call context is done (this is what stops
// a timed-out Execute). It keeps wazero's default core feature set and
// sets no stack ceiling and no memory page limit; neither maxStackBytes
// nor ResourceLimits.MaxMemoryBytes is applied to the runtime. Fuel is
// not charged per instruction: the host-import guards charge it per
// host call.
func runtimeConfig() wazero.RuntimeConfig {
	return wazero.NewRuntimeConfigInterpreter().
		WithCloseOnContextDone(true)
}

// Load instantiates wasmBytes as a new sandbox instance for id, wires
// the capability host-import module, and configures its fuel/quota/
// permission governance. It does not call init(); callers invoke Init
// separately once construction succeeds (spec §4.3 state machine).
func (e *Engine) Load(ctx context.Context, id plugin.ID, wasmBytes []byte, limits plugin.ResourceLimits, meter *fuel.Meter, perms *permissions.Store, tracker *quota.Tracker) (*Instance, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig())

	inst := &Instance{
		id:      id,
		state:   StateCreated,
		runtime: runtime,
		meter:   meter,
		perms:   perms,
		quota:   tracker,
		log:     e.log,
	}

	hostModule, err := buildHostModule(ctx, runtime, inst)
	if err != nil {
		runtime.Close(ctx)
		return nil, herr.Internal("failed to build host import module", err)
	}
	if _, err := hostModule.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, herr.Internal("failed to instantiate host import module", err)
	}

	modConfig := wazero.NewModuleConfig().WithName(string(id))
	module, err := runtime.InstantiateWithConfig(ctx, wasmBytes, modConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, herr.ExecutionFailed(fmt.Errorf("instantiate guest module: %w", err))
	}

	inst.module = module
	inst.memory = module.Memory()
	inst.allocFn = module.ExportedFunction("alloc")
	inst.freeFn = module.ExportedFunction("free")
	inst.infoFn = module.ExportedFunction("plugin_get_info")
	inst.initFn = module.ExportedFunction("plugin_init")
	inst.execFn = module.ExportedFunction("plugin_execute")
	inst.cleanFn = module.ExportedFunction("plugin_cleanup")

	return inst, nil
}

// Info calls the guest's plugin_get_info export and returns its raw
// JSON-serialized PluginInfo payload. Returns ("", nil) if the guest
// does not export it.
func (i *Instance) Info(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.infoFn == nil {
		return "", nil
	}
	results, err := i.infoFn.Call(ctx)
	if err != nil {
		return "", herr.ExecutionFailed(err)
	}
	if len(results) < 1 {
		return "", nil
	}
	ptr, length := unpackPtrLen(results[0])
	out, ok := i.readMemory(ptr, length)
	if !ok {
		return "", herr.InvalidOffset()
	}
	return string(out), nil
}

// free releases a bump-allocated buffer via the guest's free export.
// A no-op when the guest does not export free (spec: "may be a no-op").
func (i *Instance) free(ctx context.Context, ptr uint32, length int) {
	if i.freeFn == nil {
		return
	}
	_, _ = i.freeFn.Call(ctx, uint64(ptr), uint64(length))
}

// Init stages contextData into the guest's linear memory and calls its
// init(context) export, transitioning Created -> Initialized only if it
// returns 0.
func (i *Instance) Init(ctx context.Context, contextData []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateCreated {
		return herr.Internal("init called outside Created state", nil)
	}
	if i.initFn == nil {
		i.state = StateInitialized
		return nil
	}
	ptr, err := i.writeMemory(ctx, contextData)
	if err != nil {
		i.state = StateCleaned
		return err
	}
	results, err := i.initFn.Call(ctx, uint64(ptr), uint64(len(contextData)))
	i.free(ctx, ptr, len(contextData))
	if err != nil {
		i.state = StateCleaned
		return herr.ExecutionFailed(err)
	}
	if len(results) > 0 && int32(results[0]) != 0 {
		i.state = StateCleaned
		return herr.ExecutionFailed(fmt.Errorf("init() returned non-zero status %d", int32(results[0])))
	}
	i.state = StateInitialized
	return nil
}

// Execute marshals command and args into the single JSON envelope the
// ABI expects, stages it into the guest's linear memory, calls
// plugin_execute(in_ptr, in_len) -> (ptr, len), and parses the
// {status, result|error} response envelope it returns, tracking
// Executing/Idle transitions and translating a trap into
// ExecutionFailed.
func (i *Instance) Execute(ctx context.Context, command string, args []byte) (string, error) {
	i.mu.Lock()
	if i.state != StateInitialized && i.state != StateIdle {
		i.mu.Unlock()
		return "", herr.Internal("execute called outside Initialized/Idle state", nil)
	}
	i.state = StateExecuting

	envelope := executeEnvelope{Command: command}
	if len(args) > 0 {
		envelope.Args = json.RawMessage(args)
	}
	in, err := json.Marshal(envelope)
	if err != nil {
		i.state = StateCleaned
		i.mu.Unlock()
		return "", herr.ExecutionFailed(err)
	}

	inPtr, err := i.writeMemory(ctx, in)
	if err != nil {
		i.state = StateCleaned
		i.mu.Unlock()
		return "", err
	}
	i.mu.Unlock()

	results, err := i.execFn.Call(ctx, uint64(inPtr), uint64(len(in)))

	i.mu.Lock()
	defer i.mu.Unlock()
	i.free(ctx, inPtr, len(in))
	if err != nil {
		i.state = StateCleaned
		if i.meter.IsExhausted() {
			return "", herr.ExhaustedState()
		}
		return "", herr.ExecutionFailed(err)
	}
	i.state = StateIdle

	if len(results) < 1 {
		return "", nil
	}
	outPtr, outLen := unpackPtrLen(results[0])
	raw, ok := i.readMemory(outPtr, outLen)
	if !ok {
		return "", herr.InvalidOffset()
	}
	return parseExecuteResponse(raw)
}

// parseExecuteResponse decodes a plugin_execute response envelope
// ({status, result|error}) into the bare result string Execute returns,
// or an ExecutionFailed error when the plugin reported one.
func parseExecuteResponse(raw []byte) (string, error) {
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", herr.ExecutionFailed(fmt.Errorf("malformed plugin_execute response: %w", err))
	}
	if resp.Status == "error" {
		msg := resp.Error
		if msg == "" {
			msg = "plugin reported an error"
		}
		return "", herr.ExecutionFailed(fmt.Errorf("%s", msg))
	}
	return decodeExecuteResult(resp.Result), nil
}

// decodeExecuteResult unwraps a plugin_execute response's result field:
// a JSON string decodes to its bare Go string (spec scenario 1: echoing
// {"msg":"hi"} returns the bare string "hi"), anything else round-trips
// as its raw JSON text.
func decodeExecuteResult(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	return string(result)
}

// Unload invokes the guest's cleanup() export (best-effort) and tears
// down the wazero runtime, transitioning to Cleaned unconditionally.
func (i *Instance) Unload(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateCleaned {
		return nil
	}
	if i.cleanFn != nil {
		if _, err := i.cleanFn.Call(ctx); err != nil {
			i.log.WithPlugin(i.id.String()).WithField("err", err).Warn("cleanup() export failed during unload")
		}
	}
	i.state = StateCleaned
	return i.runtime.Close(ctx)
}

// State reports the instance's current lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// readMemory validates ptr+len against the instance's linear memory
// bounds and copies the bytes into an owned buffer (spec §4.3: "every
// host-side read validates ptr + len <= memory.size()").
func (i *Instance) readMemory(ptr, length uint32) ([]byte, bool) {
	view, ok := i.memory.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

// writeMemory allocates length bytes via the guest's bump allocator and
// copies data in, returning the new pointer.
func (i *Instance) writeMemory(ctx context.Context, data []byte) (uint32, error) {
	if i.allocFn == nil {
		return 0, herr.Internal("guest module does not export alloc", nil)
	}
	results, err := i.allocFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, herr.ExecutionFailed(err)
	}
	ptr := uint32(results[0])
	if !i.memory.Write(ptr, data) {
		return 0, herr.InvalidOffset()
	}
	return ptr, nil
}

func unpackPtrLen(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}
