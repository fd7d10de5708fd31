// Package core is the orchestration layer.  It owns the listening
// sockets and the set of live sessions, and wires them to the shared
// sink.
//
// Architecture layers (bottom → top):
//
//	sink  →  session  →  core  →  cmd (CLI)
//
// The tunnel package plugs in beside the TCP listener as an extra
// accept source; see Server.Attach.
package core
