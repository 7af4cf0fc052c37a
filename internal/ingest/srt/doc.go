// Package srt implements SRT (Secure Reliable Transport) ingest, including
// both listener-mode (Server) for accepting incoming publish connections and
// caller-mode (Dial) for pulling transport streams from remote listeners.
package srt
