// Package errors provides standardized error handling for espflow components.
//
// # Overview
//
// Errors fall into three classes: Transient (a channel or store was unavailable; the
// caller may reopen), Invalid (bad input, graph, schema or configuration; do not retry),
// and Fatal (unrecoverable, stop processing). Classification works with errors.Is,
// errors.As and wrapping chains.
//
// # Wrapping
//
// Wrap third-party errors with component context:
//
//	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
//	    return errors.WrapTransient(err, "WebsocketChannel", "Send", "write message")
//	}
//
// The message format is always "component.method: action failed: cause".
//
// # Domain errors
//
// The dataflow and streaming packages report structured errors that callers can
// inspect with errors.As:
//
//   - GraphValidationError: every violation from one validation pass
//   - SchemaMismatchError: a record that does not fit its schema, with row/column locator
//   - InvalidRoleError: an edge role the target window kind does not accept
//   - ChannelError: a transport failure; the publisher or subscription is terminal
//   - HorizonExpressionError: a malformed horizon predicate
//
// Validation, schema, role and expression errors classify as Invalid. Channel errors
// classify as Transient: the core never retries them, but a caller may resubscribe.
package errors
