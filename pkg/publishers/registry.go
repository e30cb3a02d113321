package publishers

import (
	"context"
	"fmt"
	"strings"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
)

// Builder creates a Publisher from a config entry.
type Builder func(ctx context.Context, cfg PublisherConfig, log logger.Logger) (Publisher, error)

// Builders maps a publisher type to its constructor.
type Builders map[string]Builder

// DefaultBuilders knows every mirror type this module ships.
func DefaultBuilders() Builders {
	return Builders{
		TypeHTTP:      newHTTPPublisher,
		TypeSQS:       newSQSPublisher,
		TypeSNS:       newSNSPublisher,
		TypeGCPPubSub: newGCPPubSubPublisher,
	}
}

// Build constructs the publisher for one config entry.
func (b Builders) Build(ctx context.Context, cfg PublisherConfig, log logger.Logger) (Publisher, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if typ == "" {
		return nil, fmt.Errorf("publisher %q has no type configured", cfg.ID)
	}
	builder := b[typ]
	if builder == nil {
		return nil, fmt.Errorf("no publisher registered for type %q", cfg.Type)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return builder(ctx, cfg, logger.Ensure(log))
}

// Fanout builds every entry in cfgs and wraps them in a Fanout. Publishers
// built before a failure are closed.
func (b Builders) Fanout(ctx context.Context, cfgs []PublisherConfig, log logger.Logger) (*Fanout, error) {
	pubs := make([]Publisher, 0, len(cfgs))
	for _, cfg := range cfgs {
		pub, err := b.Build(ctx, cfg, log)
		if err != nil {
			_ = NewFanout(pubs...).Close()
			return nil, fmt.Errorf("build publisher %q: %w", cfg.ID, err)
		}
		pubs = append(pubs, pub)
	}
	return NewFanout(pubs...), nil
}
