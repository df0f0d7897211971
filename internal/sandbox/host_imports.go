package sandbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/time/rate"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	"github.com/connectias/pluginhost/internal/fuel"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// hostModuleName is the import module name every plugin's WASM binary
// links its capability imports against.
const hostModuleName = "env"

// maxNetworkResponseBytes caps how much of a network.request response
// body the host will read back into the guest's linear memory.
const maxNetworkResponseBytes = 10 * 1024 * 1024

var sandboxHTTPClient = &http.Client{
	Timeout: 10 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	},
}

// networkRateLimiter is a process-wide token bucket guarding outbound
// network.request calls across every sandbox instance, distinct from
// the per-plugin quota tracker and the broker's own sliding-window
// limiter: it bounds how fast the host itself dials out, regardless of
// which plugin is asking.
var networkRateLimiter = rate.NewLimiter(rate.Limit(50), 100)

// buildHostModule wires every capability-gated host import (spec §4.3):
// storage.{put,get,delete,clear,size}, network.request, logger.{debug,
// info,warn,error}, system_info.{os,cpu,memory}. Every handler re-checks
// the calling plugin's permission on each dispatch (spec's zero-trust
// carry-over, SPEC_FULL.md §5.1), not only at load time, and charges the
// fuel meter for the category of work performed before executing it.
func buildHostModule(_ context.Context, runtime wazero.Runtime, inst *Instance) (wazero.HostModuleBuilder, error) {
	builder := runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
			return hostStoragePut(ctx, inst, keyPtr, keyLen, valPtr, valLen)
		}).Export("storage_put")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			return hostStorageGet(ctx, inst, keyPtr, keyLen)
		}).Export("storage_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			return hostStorageDelete(ctx, inst, keyPtr, keyLen)
		}).Export("storage_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return hostStorageClear(ctx, inst)
		}).Export("storage_clear")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return hostStorageSize(ctx, inst)
		}).Export("storage_size")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
			return hostNetworkRequest(ctx, inst, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen)
		}).Export("network_request")

	for _, level := range []string{"debug", "info", "warn", "error"} {
		level := level
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, msgPtr, msgLen uint32) {
				hostLog(inst, level, msgPtr, msgLen)
			}).Export("logger_" + level)
	}

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return hostSystemInfo(ctx, inst, "os")
		}).Export("system_info_os")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return hostSystemInfo(ctx, inst, "cpu")
		}).Export("system_info_cpu")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return hostSystemInfo(ctx, inst, "memory")
		}).Export("system_info_memory")

	return builder, nil
}

// guard runs the permission check, the resource-quota check, and a fuel
// charge before a host import is allowed to proceed. It is called at the
// top of every host function (the zero-trust re-check), not only when
// the sandbox instance is first constructed.
func (i *Instance) guard(required plugin.Capability, category fuel.Category) error {
	if err := i.perms.CheckRequired(i.id, []plugin.Capability{required}); err != nil {
		return err
	}
	if i.quota != nil {
		var err error
		if category == fuel.CategoryNetwork {
			err = i.quota.CheckAndEnforceNetwork(time.Now())
		} else {
			err = i.quota.CheckAndEnforce(time.Now())
		}
		if err != nil {
			return err
		}
	}
	if err := i.meter.Consume(category, 1); err != nil {
		return err
	}
	return nil
}

// statusDenied/statusOK are the i32-in-uint64 status codes host imports
// return to the guest when they do not return a (ptr,len) payload.
const (
	statusOK     = 0
	statusDenied = 1
)

func hostStoragePut(ctx context.Context, inst *Instance, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
	if err := inst.guard(plugin.CapStorageWrite, fuel.CategoryFile); err != nil {
		return statusDenied
	}
	key, ok := inst.readMemory(keyPtr, keyLen)
	if !ok {
		return statusDenied
	}
	val, ok := inst.readMemory(valPtr, valLen)
	if !ok {
		return statusDenied
	}
	delta := globalStorage.Put(inst.id, string(key), val)
	if inst.quota != nil {
		inst.quota.RecordStorageDelta(delta)
	}
	return statusOK
}

func hostStorageGet(ctx context.Context, inst *Instance, keyPtr, keyLen uint32) uint64 {
	if err := inst.guard(plugin.CapStorageRead, fuel.CategoryFile); err != nil {
		return 0
	}
	key, ok := inst.readMemory(keyPtr, keyLen)
	if !ok {
		return 0
	}
	val, found := globalStorage.Get(inst.id, string(key))
	if !found {
		return 0
	}
	ptr, err := inst.writeMemory(ctx, val)
	if err != nil {
		return 0
	}
	return packPtrLen(ptr, uint32(len(val)))
}

func hostStorageDelete(ctx context.Context, inst *Instance, keyPtr, keyLen uint32) uint64 {
	if err := inst.guard(plugin.CapStorageWrite, fuel.CategoryFile); err != nil {
		return statusDenied
	}
	key, ok := inst.readMemory(keyPtr, keyLen)
	if !ok {
		return statusDenied
	}
	delta := globalStorage.Delete(inst.id, string(key))
	if inst.quota != nil {
		inst.quota.RecordStorageDelta(delta)
	}
	return statusOK
}

func hostStorageClear(ctx context.Context, inst *Instance) uint64 {
	if err := inst.guard(plugin.CapStorageWrite, fuel.CategoryFile); err != nil {
		return statusDenied
	}
	delta := globalStorage.Clear(inst.id)
	if inst.quota != nil {
		inst.quota.RecordStorageDelta(delta)
	}
	return statusOK
}

func hostStorageSize(ctx context.Context, inst *Instance) uint64 {
	if err := inst.guard(plugin.CapStorageRead, fuel.CategoryFile); err != nil {
		return 0
	}
	return uint64(globalStorage.Size(inst.id))
}

// globalStorage backs every sandbox instance's storage.* imports. It is
// process-global (not per-Engine) so unit tests and the manager share one
// backend without threading it through every Load call; entries are
// keyed by plugin.ID so plugins never see each other's data.
var globalStorage = newStorageBackend()

func hostLog(inst *Instance, level string, msgPtr, msgLen uint32) {
	if err := inst.guard(plugin.CapSystemInfo, fuel.CategorySyscall); err != nil {
		return
	}
	msg, ok := inst.readMemory(msgPtr, msgLen)
	if !ok {
		return
	}
	entry := inst.log.WithPlugin(inst.id.String())
	switch level {
	case "debug":
		entry.Debug(string(msg))
	case "warn":
		entry.Warn(string(msg))
	case "error":
		entry.Error(string(msg))
	default:
		entry.Info(string(msg))
	}
}

func hostSystemInfo(ctx context.Context, inst *Instance, kind string) uint64 {
	if err := inst.guard(plugin.CapSystemInfo, fuel.CategorySyscall); err != nil {
		return 0
	}
	var payload string
	switch kind {
	case "os":
		payload = "linux"
	case "cpu":
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			payload = fmt.Sprintf("%.2f", percents[0])
		} else {
			payload = "0.00"
		}
	case "memory":
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			payload = fmt.Sprintf("%d", vm.Used)
		} else {
			payload = "0"
		}
	}
	ptr, err := inst.writeMemory(ctx, []byte(payload))
	if err != nil {
		return 0
	}
	return packPtrLen(ptr, uint32(len(payload)))
}

// hostNetworkRequest enforces the SSRF filter before issuing an HTTP
// request: only http/https schemes, no loopback/link-local/private/
// unspecified destination addresses (spec §4.3 "network.request...with
// SSRF filters").
func hostNetworkRequest(ctx context.Context, inst *Instance, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) uint64 {
	if err := inst.guard(plugin.CapNetworkHTTPS, fuel.CategoryNetwork); err != nil {
		return 0
	}

	methodBytes, ok := inst.readMemory(methodPtr, methodLen)
	if !ok {
		return 0
	}
	urlBytes, ok := inst.readMemory(urlPtr, urlLen)
	if !ok {
		return 0
	}
	var body []byte
	if bodyLen > 0 {
		body, ok = inst.readMemory(bodyPtr, bodyLen)
		if !ok {
			return 0
		}
	}

	if err := checkSSRF(string(urlBytes)); err != nil {
		inst.log.LogSecurityEvent(ctx, "ssrf_blocked", map[string]any{"plugin_id": inst.id.String(), "reason": err.Error()})
		return 0
	}

	if !networkRateLimiter.Allow() {
		inst.log.LogSecurityEvent(ctx, "network_rate_limited", map[string]any{"plugin_id": inst.id.String()})
		return 0
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(string(methodBytes)), string(urlBytes), strings.NewReader(string(body)))
	if err != nil {
		return 0
	}
	resp, err := sandboxHTTPClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxNetworkResponseBytes))
	if err != nil {
		return 0
	}

	ptr, err := inst.writeMemory(ctx, respBody)
	if err != nil {
		return 0
	}
	return packPtrLen(ptr, uint32(len(respBody)))
}

// checkSSRF rejects any URL whose scheme is not http/https or whose host
// resolves to a loopback, link-local, private, or unspecified address.
func checkSSRF(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return herr.SecurityViolation("malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return herr.SecurityViolation("only http/https schemes are permitted")
	}
	host := u.Hostname()
	if host == "" {
		return herr.SecurityViolation("missing host")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return herr.SecurityViolation("unresolvable host")
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
			return herr.SecurityViolation("destination address is not publicly routable")
		}
	}
	return nil
}
