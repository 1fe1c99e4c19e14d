package bundlerrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erc4337/bundler/internal/bundlererr"
)

// handlerFunc is one method's implementation: decode params, do the work,
// return a result to be marshaled back as-is. A method-switch collapsed
// into a routes map for dispatch.
type handlerFunc func(ctx context.Context, params []json.RawMessage) (interface{}, error)

// Registry is the method name -> handler table.
type Registry struct {
	routes map[string]handlerFunc
}

// NewRegistry builds a Registry with every eth_/web3_/debug_bundler_ method
// wired to deps.
func NewRegistry(deps *Dependencies) *Registry {
	r := &Registry{routes: make(map[string]handlerFunc)}
	r.register(deps)
	return r
}

func (r *Registry) register(deps *Dependencies) {
	r.routes["web3_clientVersion"] = deps.web3ClientVersion
	r.routes["eth_chainId"] = deps.ethChainID
	r.routes["eth_supportedEntryPoints"] = deps.ethSupportedEntryPoints
	r.routes["eth_sendUserOperation"] = deps.ethSendUserOperation
	r.routes["eth_estimateUserOperationGas"] = deps.ethEstimateUserOperationGas
	r.routes["eth_getUserOperationByHash"] = deps.ethGetUserOperationByHash
	r.routes["eth_getUserOperationReceipt"] = deps.ethGetUserOperationReceipt

	if !deps.DebugEnabled {
		return
	}
	r.routes["debug_bundler_clearState"] = deps.debugClearState
	r.routes["debug_bundler_clearMempool"] = deps.debugClearMempool
	r.routes["debug_bundler_clearReputation"] = deps.debugClearReputation
	r.routes["debug_bundler_dumpMempool"] = deps.debugDumpMempool
	r.routes["debug_bundler_setReputation"] = deps.debugSetReputation
	r.routes["debug_bundler_dumpReputation"] = deps.debugDumpReputation
	r.routes["debug_bundler_setBundlingMode"] = deps.debugSetBundlingMode
	r.routes["debug_bundler_setBundleInterval"] = deps.debugSetBundleInterval
	r.routes["debug_bundler_sendBundleNow"] = deps.debugSendBundleNow
	r.routes["debug_bundler_getStakeStatus"] = deps.debugGetStakeStatus
}

// dispatch invokes the named method, mapping an unknown method to
// CodeMethodNotSupported the same way every other handler error maps
// through bundlererr.Error.
func (r *Registry) dispatch(ctx context.Context, method string, params []json.RawMessage) (interface{}, error) {
	h, ok := r.routes[method]
	if !ok {
		return nil, bundlererr.MethodNotSupported(method)
	}
	return h(ctx, params)
}

func decodeParam(params []json.RawMessage, i int, v interface{}) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %d", i)
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return bundlererr.InvalidFields("param %d: %v", i, err)
	}
	return nil
}
