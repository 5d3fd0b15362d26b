package stream

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/schema"
)

var (
	statusLine    = regexp.MustCompile(`^\s*\w+\s*:\s*(\d+)\s*\n`)
	jsonSchemaMsg = regexp.MustCompile(`^\s*\{\s*["']?schema["']?\s*:`)
)

// ReadHandshake consumes the engine's opening messages on a subscribe channel:
// an optional "status: NNN" line, then the window schema as XML or JSON. A
// status of 400 or above fails the handshake.
func ReadHandshake(ctx context.Context, ch Channel, ep Endpoint) (*schema.Schema, error) {
	sawStatus := false
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return nil, &errors.ChannelError{Endpoint: ep.Path(), Op: "handshake", Err: err}
		}

		if !sawStatus {
			if m := statusLine.FindSubmatch(msg); m != nil {
				sawStatus = true
				code, _ := strconv.Atoi(string(m[1]))
				if code >= 400 {
					return nil, &errors.ChannelError{
						Endpoint: ep.Path(),
						Op:       "handshake",
						Err:      fmt.Errorf("%w: engine returned status %d", errors.ErrHandshakeFailed, code),
					}
				}
				continue
			}
		}

		trimmed := bytes.TrimSpace(msg)
		var s *schema.Schema
		switch {
		case bytes.HasPrefix(trimmed, []byte("<schema")):
			s, err = schema.ParseXML(trimmed)
		case jsonSchemaMsg.Match(trimmed):
			s, err = schema.ParseJSON(trimmed)
		default:
			preview := trimmed
			if len(preview) > 40 {
				preview = preview[:40]
			}
			return nil, &errors.ChannelError{
				Endpoint: ep.Path(),
				Op:       "handshake",
				Err:      fmt.Errorf("%w: unrecognized schema message %q", errors.ErrHandshakeFailed, preview),
			}
		}
		if err != nil {
			return nil, &errors.SchemaMismatchError{Reason: "engine schema for " + ep.Path(), Err: err}
		}
		return s, nil
	}
}

// WriteHandshake sends the messages ReadHandshake expects. Engine stubs and
// tests use it on the server side of a channel.
func WriteHandshake(ctx context.Context, ch Channel, status int, s *schema.Schema) error {
	if err := ch.Send(ctx, []byte(fmt.Sprintf("status: %d\n", status))); err != nil {
		return err
	}
	if status >= 400 {
		return nil
	}
	data, err := xml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "stream", "WriteHandshake", "marshal schema")
	}
	return ch.Send(ctx, data)
}
