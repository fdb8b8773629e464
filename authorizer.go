package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

// MethodAuthorizer returns an Authorizer admitting only requests whose method matches one
// of the glob patterns. Segments are separated by '/', so "tools/*" matches "tools/list"
// but "**" is needed to cross a separator.
//
// Tool calls are matched as "tools/call/<name>", whether they arrive as tools/call or as a
// direct call naming the tool, so single tools can be allowed with patterns such as
// "tools/call/query*". Pings are always admitted so bindings stay alive.
func MethodAuthorizer(patterns ...string) (Authorizer, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid method pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}

	return func(_ context.Context, msg JSONRPCMessage) error {
		if msg.Method == methodPing {
			return nil
		}

		key := requestKey(msg)
		for _, g := range compiled {
			if g.Match(key) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrPermissionDenied, key)
	}, nil
}

func requestKey(msg JSONRPCMessage) string {
	switch msg.Method {
	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
			return msg.Method
		}
		return MethodToolsCall + "/" + params.Name
	case methodInitialize, MethodToolsList, MethodPromptsList, MethodPromptsGet,
		MethodResourcesList, MethodResourcesRead:
		return msg.Method
	default:
		// The server treats unknown methods as direct tool calls.
		return MethodToolsCall + "/" + msg.Method
	}
}
