// Package transport supplies the byte-stream connections the protocol
// package frames bytes over. DecodeFrame accumulates raw bytes itself
// (spec.md §4.3), so unlike the teacher's MsgReadWriter (which hides framing
// behind ReadMsg/WriteMsg on already-demarcated messages), a Transport here
// is a plain io.ReadWriteCloser: whatever bytes Read returns are appended to
// the protocol.Context's receive buffer as-is.
package transport

import "io"

// Transport is the connection contract protocol.Context consumes. Any
// io.ReadWriteCloser satisfies it, including *net.TCPConn and net.Pipe's
// halves.
type Transport = io.ReadWriteCloser
