package dispatcher

import (
	"strconv"

	"github.com/fenceworks/fence/internal/ipc"
	"github.com/fenceworks/fence/internal/types"
)

// The converters translate caller-facing request objects into the wire
// request a worker consumes, folding the request fields into metadata
// tags.

func cloneTags(tags map[string]string) map[string]string {
	md := make(map[string]string, len(tags)+4)
	for k, v := range tags {
		md[k] = v
	}
	return md
}

func codeObjectRequest(code *types.CodeObject) *ipc.RunCodeRequest {
	md := cloneTags(code.Tags)
	md[types.TagRequestAction] = types.RequestActionLoad
	md[types.TagCodeVersion] = strconv.FormatUint(code.Version, 10)
	if code.JS != "" {
		md[types.TagRequestType] = types.RequestTypeJavascript
	} else {
		md[types.TagRequestType] = types.RequestTypeWasm
	}
	return &ipc.RunCodeRequest{
		Code:           code.JS,
		Wasm:           code.WasmBytes,
		WasmReturnType: code.WasmReturnType,
		Metadata:       md,
	}
}

func invocationMetadata(tags map[string]string, version uint64, handler string) map[string]string {
	md := cloneTags(tags)
	md[types.TagRequestAction] = types.RequestActionExecute
	md[types.TagCodeVersion] = strconv.FormatUint(version, 10)
	md[types.TagHandlerName] = handler
	if _, ok := md[types.TagRequestType]; !ok {
		// The worker corrects this from the cached context; JS is
		// only the default for load-on-execute.
		md[types.TagRequestType] = types.RequestTypeJavascript
	}
	return md
}

func invocationRequest(req *types.InvocationRequest) *ipc.RunCodeRequest {
	input := make([]string, len(req.Input))
	copy(input, req.Input)
	return &ipc.RunCodeRequest{
		Input:    input,
		Metadata: invocationMetadata(req.Tags, req.Version, req.HandlerName),
	}
}

func sharedInvocationRequest(req *types.InvocationRequestShared) *ipc.RunCodeRequest {
	input := make([]string, len(req.Input))
	for i, p := range req.Input {
		input[i] = *p
	}
	return &ipc.RunCodeRequest{
		Input:    input,
		Metadata: invocationMetadata(req.Tags, req.Version, req.HandlerName),
	}
}
