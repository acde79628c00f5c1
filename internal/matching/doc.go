// Package matching decides which subscribers receive an event.
//
// Three filter dialects are supported:
//
//   - event patterns (EventBridge rules and SNS filter policies): a JSON
//     object mirroring the event's shape whose leaves are arrays of
//     allowed values or content filters (prefix, suffix, anything-but,
//     numeric, exists, equals-ignore-case)
//   - Event Grid subscription filters: event types, subject prefix and
//     suffix, and advanced filters on JSONPath keys
//   - plain JSONPath lookups, shared by the two above
//
// Events are parsed with ojg, so integers and floats compare by value.
package matching
