package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goadesign/toolgate/internal/telemetry"
)

// Session is the unified surface both transport variants implement. The
// Supervisor only ever sees a Session; it is unaware of stdio vs. HTTP.
type Session interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ListPrompts(ctx context.Context) ([]PromptDescriptor, error)
	CallTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Connect opens a Session for cfg, dispatching to the stdio or HTTP
// transport depending on which half of the tagged union is populated.
// Connect enforces the hard connect deadline described in §4.2 internally
// via ConnectStdio/ConnectHTTP. logger is only consulted by the HTTP
// transport, which is the one that carries an Authorization header a log
// emission could otherwise leak; a nil logger defaults to a no-op.
func Connect(ctx context.Context, cfg Config, logger telemetry.Logger) (Session, error) {
	switch {
	case cfg.IsCommand():
		return ConnectStdio(ctx, cfg)
	case cfg.IsURL():
		return ConnectHTTP(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("provider config must set either command or url")
	}
}
