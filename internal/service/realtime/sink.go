package realtime

// Sink is the write side of one client connection. Both transports hand
// the registry and gateway a Sink so neither needs to know whether bytes
// end up on a streaming HTTP response or a websocket.
//
// Implementations must serialize concurrent Write calls internally and
// must tolerate Close being called more than once. Transport errors
// surface synchronously from Write; a failed Write means the transport
// is unusable and the owner closes the connection. OnClose reports a
// transport-initiated close (client went away).
type Sink interface {
	Write(p []byte) error
	Close() error
	OnClose(fn func())
}
