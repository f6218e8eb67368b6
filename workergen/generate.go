// Package workergen assembles the self-contained worker program the
// Sandbox Host runs for each execute_in_sandbox call: a typed proxy for
// the provider's tools, a network-egress shim keyed to the provider's
// policy, and the user-supplied snippet embedded as executable statements.
package workergen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goadesign/toolgate/policy"
	"github.com/goadesign/toolgate/provider"
	"github.com/goadesign/toolgate/schema"
)

// Program is the generated worker program plus the environment descriptor
// the Sandbox Host uses to decide which capabilities to bind.
type Program struct {
	MainModule string            `json:"mainModule"`
	Modules    map[string]string `json:"modules"`
	Env        Env               `json:"env"`

	// GlobalOutbound is the fetch-proxy capability's loopback address
	// (spec.md §6's workerProgram.globalOutbound), set only when the
	// policy enables egress; the sandbox host binds the worker's
	// outbound channel to it, or leaves outbound null when empty.
	GlobalOutbound string `json:"globalOutbound,omitempty"`
}

// Env names the provider id, the RPC Bridge URL, and whether network
// egress is enabled for this execution.
//
// CPUMillis and MemoryMB are forwarded as advisory hints only: the worker
// runtime this program targets has no CPU-time or resident-memory cap of
// its own, so neither is independently enforced by the Sandbox Host or the
// Supervisor (documented per spec.md §9's open question on unenforceable
// caps). MaxSubrequests is the one limit actively enforced, by the
// fetch-proxy capability's per-worker token bucket (see sandbox.FetchProxy).
type Env struct {
	ProviderID     string `json:"PROVIDER_ID"`
	RPCURL         string `json:"RPC_URL"`
	NetworkEnabled bool   `json:"NETWORK_ENABLED"`
	AllowedHosts   string `json:"ALLOWED_HOSTS"`
	AllowLocalhost bool   `json:"ALLOW_LOCALHOST"`
	CPUMillis      int    `json:"CPU_MILLIS"`
	MemoryMB       int    `json:"MEMORY_MB"`
	MaxSubrequests int    `json:"MAX_SUBREQUESTS"`
}

// Generate assembles a Program for one execution. globalOutboundURL is the
// Sandbox Host's fetch-proxy listener address; it is only attached to the
// Program when the policy enables egress, matching §4.7's "bound iff
// NETWORK_ENABLED is true; otherwise outbound is null" rule.
func Generate(providerID string, tools []provider.ToolDescriptor, userCode string, pol policy.Policy, rpcURL string, globalOutboundURL string) Program {
	egress := pol.AllowsEgress()
	modules := map[string]string{
		"tools.js":   renderToolStubs(tools),
		"proxy.js":   renderProxy(tools),
		"logcap.js":  renderLogCapture(),
		"network.js": renderNetworkShim(),
		"entry.js":   renderEntryPoint(userCode),
	}
	prog := Program{
		MainModule: "entry.js",
		Modules:    modules,
		Env: Env{
			ProviderID:     providerID,
			RPCURL:         rpcURL,
			NetworkEnabled: egress,
			AllowedHosts:   strings.Join(pol.Outbound.AllowedHosts, ","),
			AllowLocalhost: pol.Outbound.AllowLocalhost,
			CPUMillis:      pol.Limits.CPUMillis,
			MemoryMB:       pol.Limits.MemoryMB,
			MaxSubrequests: pol.Limits.MaxSubrequests,
		},
	}
	if egress {
		prog.GlobalOutbound = globalOutboundURL
	}
	return prog
}

// escapeToolName makes name safe to embed inside a single-quoted JS string
// literal: no backslash, quote, newline, carriage return, or tab can
// terminate the literal early.
func escapeToolName(name string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return replacer.Replace(name)
}

func renderToolStubs(tools []provider.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString(indentLines(schema.ToTypedAPIText(tools), "// ") + "\n")
	b.WriteString("const __stubs = {};\n")
	for _, tool := range tools {
		escaped := escapeToolName(tool.Name)
		fmt.Fprintf(&b, "__stubs['%s'] = async function(input) {\n", escaped)
		fmt.Fprintf(&b, "  return await __callTool('%s', input ?? {});\n", escaped)
		b.WriteString("};\n")
	}
	b.WriteString("export { __stubs };\n")
	return b.String()
}

func renderProxy(tools []provider.ToolDescriptor) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = strconv.Quote(t.Name)
	}
	return `import { __stubs } from './tools.js';

const __invocationCount = { value: 0 };
const __calledTools = new Set();
const __availableNames = [` + strings.Join(names, ", ") + `];

const __toolsProxy = new Proxy(__stubs, {
  get(target, prop, receiver) {
    if (prop === 'then' || typeof prop === 'symbol') {
      return undefined;
    }
    if (!(prop in target)) {
      throw new Error('tool ' + String(prop) + ' not found; available: ' + __availableNames.join(', '));
    }
    __invocationCount.value += 1;
    __calledTools.add(prop);
    return Reflect.get(target, prop, receiver);
  },
});

export { __toolsProxy, __invocationCount, __calledTools };
`
}

func renderLogCapture() string {
	return `const __logBuffer = [];

function __resetLogCapture() {
  __logBuffer.length = 0;
}

function __captureLog(...args) {
  __logBuffer.push(args.map(String).join(' '));
}

export { __logBuffer, __resetLogCapture, __captureLog };
`
}

// renderNetworkShim always installs a globalThis.fetch override, even when
// egress is disabled: the sandbox host's own native fetch must never be
// reachable unshimmed, since that would bypass policy enforcement entirely
// rather than surfacing it as a catchable error to user code.
func renderNetworkShim() string {
	return `const __nativeFetch = globalThis.fetch ? globalThis.fetch.bind(globalThis) : undefined;

async function __blockedFetch() {
  throw new Error('network access blocked: egress is disabled for this provider');
}

async function __policyFetch(input, init) {
  const headers = new Headers(init && init.headers ? init.headers : undefined);
  headers.set('X-Allowed-Hosts', globalThis.__ENV.ALLOWED_HOSTS || '');
  headers.set('X-Allow-Localhost', globalThis.__ENV.ALLOW_LOCALHOST ? 'true' : 'false');
  headers.set('X-Worker-Id', globalThis.__ENV.PROVIDER_ID || '');
  headers.set('X-Max-Subrequests', String(globalThis.__ENV.MAX_SUBREQUESTS || 0));
  const response = await __nativeFetch(input, { ...init, headers });
  if (response.status === 403 || response.status === 429) {
    let body;
    try {
      body = await response.clone().json();
    } catch {
      body = null;
    }
    if (body && body.error) {
      throw new Error(body.error);
    }
  }
  return response;
}

globalThis.fetch = globalThis.__ENV && globalThis.__ENV.NETWORK_ENABLED ? __policyFetch : __blockedFetch;

export { __policyFetch, __blockedFetch };
`
}

func renderEntryPoint(userCode string) string {
	return `import './network.js';
import { __toolsProxy, __invocationCount, __calledTools } from './proxy.js';
import { __logBuffer, __resetLogCapture, __captureLog } from './logcap.js';

export default async function __main(request) {
  const { code, timeout } = request;
  __resetLogCapture();
  const start = Date.now();
  console.log = __captureLog;
  console.error = __captureLog;

  const tools = __toolsProxy;

  const userPromise = (async () => {
` + indentLines(userCode, "    ") + `
  })();

  const timeoutPromise = new Promise((_, reject) => {
    setTimeout(() => reject(new Error('execution timed out after ' + timeout + 'ms')), timeout);
  });

  try {
    const result = await Promise.race([userPromise, timeoutPromise]);
    return {
      success: true,
      output: __logBuffer.slice(),
      result,
      metrics: {
        tool_calls_made: __invocationCount.value,
        tools_called: Array.from(__calledTools),
        execution_time_ms: Date.now() - start,
      },
    };
  } catch (err) {
    return {
      success: false,
      error: err && err.message ? err.message : String(err),
      stack: err && err.stack ? err.stack : undefined,
      output: __logBuffer.slice(),
      metrics: {
        tool_calls_made: __invocationCount.value,
        tools_called: Array.from(__calledTools),
        execution_time_ms: Date.now() - start,
      },
    };
  }
}
`
}

func indentLines(code, indent string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
