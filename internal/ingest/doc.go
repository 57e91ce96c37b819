// Package ingest turns upstream input into event.Messages and hands them to
// the dispatch registry.
//
// Input arrives as newline-delimited text (stdin or any io.Reader) or as
// JSON over HTTP. Every message passes the source Filter and is routed to
// exactly one destination by the Router.
package ingest
