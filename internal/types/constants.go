package types

// Metadata tags recognised on requests. The worker's behavior matrix is
// driven entirely by these.
const (
	TagRequestType   = "RequestType"
	TagRequestAction = "RequestAction"
	TagCodeVersion   = "CodeVersion"
	TagHandlerName   = "HandlerName"
	TagTimeoutMs     = "TimeoutMs"

	RequestTypeJavascript = "JS"
	RequestTypeWasm       = "WASM"

	RequestActionLoad    = "Load"
	RequestActionExecute = "Execute"

	// TagRequestID carries the caller's request id to the worker as
	// side-channel metadata.
	TagRequestID = "fence.request_id"
)

// DefaultExecutionTimeoutMs applies when no TimeoutMs tag is set.
const DefaultExecutionTimeoutMs = 5000

// CodeVersionCacheSize bounds the per-worker LRU of compilation
// contexts. Eviction silently invalidates later executes of the
// evicted version.
const CodeVersionCacheSize = 5

// MaxWasm32BitMemPages is the upper bound for the wasm memory pages
// tuning knob (64KiB pages, 4GiB total).
const MaxWasm32BitMemPages = 65536

// Metric labels reported per execution.
const (
	// MetricSandboxedCodeRunNs is the time taken to run code in the
	// sandbox measured from outside it, including transport overhead.
	MetricSandboxedCodeRunNs = "fence.metric.sandboxed_code_run_ns"

	// MetricCodeRunNs is the time taken inside the engine itself.
	MetricCodeRunNs = "fence.metric.code_run_ns"
)
