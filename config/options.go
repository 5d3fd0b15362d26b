package config

import (
	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/table"
)

// Options returns the stream options for a publisher. Zero values keep the
// stream defaults.
func (p PublishConfig) Options() ([]stream.Option, error) {
	var opts []stream.Option
	if p.Format != "" {
		f, err := codec.ParseFormat(p.Format)
		if err != nil {
			return nil, invalid("publish.format: %v", err)
		}
		opts = append(opts, stream.WithFormat(f))
	}
	if p.Opcode != "" {
		op, err := event.ParseOpcode(p.Opcode)
		if err != nil {
			return nil, invalid("publish.opcode: %v", err)
		}
		opts = append(opts, stream.WithOpcode(op))
	}
	if p.BlockSize > 0 {
		opts = append(opts, stream.WithBlockSize(p.BlockSize))
	}
	if p.Rate > 0 {
		opts = append(opts, stream.WithRate(p.Rate))
	}
	if p.Pause > 0 {
		opts = append(opts, stream.WithPace(p.Pause.D()))
	}
	if p.DateFormat != "" {
		opts = append(opts, stream.WithDateFormat(p.DateFormat))
	}
	if p.QueueSize > 0 {
		opts = append(opts, stream.WithQueueSize(p.QueueSize))
	}
	return opts, nil
}

// Options returns the stream options for a subscriber. Zero values keep the
// stream defaults.
func (s SubscribeConfig) Options() ([]stream.Option, error) {
	var opts []stream.Option
	if s.Format != "" {
		f, err := codec.ParseFormat(s.Format)
		if err != nil {
			return nil, invalid("subscribe.format: %v", err)
		}
		opts = append(opts, stream.WithFormat(f))
	}
	if s.Mode != "" {
		opts = append(opts, stream.WithMode(s.Mode))
	}
	if s.PageSize > 0 {
		opts = append(opts, stream.WithPageSize(s.PageSize))
	}
	if s.Interval > 0 {
		opts = append(opts, stream.WithInterval(s.Interval.D()))
	}
	if s.TickInterval > 0 {
		opts = append(opts, stream.WithTickInterval(s.TickInterval.D()))
	}
	if s.Limit > 0 {
		opts = append(opts, stream.WithLimit(s.Limit))
	}

	policy, err := table.ParseDuplicatePolicy(s.Duplicates)
	if err != nil {
		return nil, invalid("subscribe.duplicates: %v", err)
	}
	mode, err := stream.ParseHorizonMode(s.HorizonMode)
	if err != nil {
		return nil, invalid("subscribe.horizon_mode: %v", err)
	}
	opts = append(opts, stream.WithDuplicatePolicy(policy), stream.WithHorizonMode(mode),
		stream.WithChangeLog(s.ChangeLog))

	if s.DateFormat != "" {
		opts = append(opts, stream.WithDateFormat(s.DateFormat))
	}
	if s.QueueSize > 0 {
		opts = append(opts, stream.WithQueueSize(s.QueueSize))
	}
	return opts, nil
}
