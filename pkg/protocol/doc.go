// Package protocol defines the contract between the dispatcher and the
// emulated service handlers.
//
// A request arrives on a provider listener, is parsed into a
// RequestContext, and is dispatched to the Handler registered for its
// (provider, service type, operation) triple. Handlers return a Response
// or an error; errors are rendered into the provider's error envelope by
// package apierror.
//
// # Registration
//
// Handlers are collected once at startup with a RegistryBuilder and frozen
// into an immutable Registry. There is no way to add or remove handlers
// after Build:
//
//	b := protocol.NewRegistryBuilder()
//	b.Register(resource.AWS, resource.ObjectStorage, "PutObject", protocol.HandlerFunc(putObject))
//	b.Register(resource.AWS, resource.ObjectStorage, "GetObject", protocol.HandlerFunc(getObject))
//	reg, err := b.Build()
//
//	h, ok := reg.Resolve(resource.AWS, resource.ObjectStorage, "PutObject")
//
// Register returns an error for nil handlers and duplicate triples; Build
// returns the first of those errors so that a misconfigured binary fails at
// startup rather than on the first request.
//
// # Wire formats
//
// Each operation is tagged with the Wire format its provider uses
// (JSON 1.0/1.1 with X-Amz-Target, the AWS query protocol, REST with XML
// bodies, or REST with JSON bodies). The wire format selects the error
// envelope and the content type of responses.
package protocol
