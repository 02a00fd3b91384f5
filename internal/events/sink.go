package events

import (
	"context"

	"dcmwrap/internal/config"
)

// Sink is the interface for delivering event records.
type Sink interface {
	// Send delivers one record.
	Send(ctx context.Context, rec *Record) error

	// Name returns the sink type name.
	Name() string
}

// Discard drops every record. Used when no delivery path is configured.
type Discard struct{}

func (Discard) Send(ctx context.Context, rec *Record) error { return nil }

func (Discard) Name() string { return "discard" }

// NewSinks builds the delivery pipeline from config. The journal, when
// enabled, is the primary sink: its failures surface to the caller.
// Webhooks and any extra sinks (socket, websocket) are best effort.
func NewSinks(cfg config.EventsConfig, extras ...Sink) (Sink, error) {
	var primary Sink
	var secondary []Sink

	if cfg.Journal.Enabled {
		journal, err := NewJournalSink(config.ExpandPath(cfg.Journal.Path), int64(cfg.Journal.MaxSizeMB)*1024*1024)
		if err != nil {
			return nil, err
		}
		primary = journal
	}

	if len(cfg.Webhooks) > 0 {
		hooks := NewWebhookSink(cfg.Webhooks)
		if hooks.EndpointCount() > 0 {
			secondary = append(secondary, hooks)
		}
	}

	secondary = append(secondary, extras...)

	if primary == nil {
		if len(secondary) == 0 {
			return Discard{}, nil
		}
		primary = secondary[0]
		secondary = secondary[1:]
	}

	if len(secondary) > 0 {
		return NewMulti(primary, secondary...), nil
	}
	return primary, nil
}

// CloseSink closes a sink if it holds resources.
func CloseSink(s Sink) error {
	if closer, ok := s.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
