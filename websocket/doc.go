// Package websocket implements the server side of the WebSocket protocol
// defined in RFC 6455 as a transport-independent state machine.
//
// The package provides:
//   - A frame codec (EncodeFrame, AppendFrame, EncodeClose, ParseHeader,
//     DecodeFrame) that decodes incrementally: DecodeFrame returns
//     ErrIncomplete until a whole frame is buffered.
//   - The opening handshake over raw bytes via Upgrader
//   - Engine, the per-connection protocol state machine
//   - Prepared messages for efficient broadcasting
//   - JSON helpers
//
// Engine Example:
//
//	engine := websocket.NewEngine(stream, events, &websocket.Upgrader{}, 1<<20)
//
//	buf := make([]byte, 4096)
//	for {
//	    n, err := conn.Read(buf)
//	    if n > 0 {
//	        engine.Receive(buf[:n])
//	    }
//	    if err != nil {
//	        engine.Terminate()
//	        return
//	    }
//	}
//
// The Stream supplied to the engine owns outbound buffering: frames built by
// the engine are handed to Stream.Enqueue and must be written in order.
// Events receives decoded messages; byte slices passed to it are borrowed
// and only valid during the call.
//
// Framing:
//
// Server frames are never masked. Frames received from clients must be
// masked; unmasked frames are a protocol error. Fragmented messages are
// reassembled before delivery and bounded by the engine's maximum message
// size; exceeding it closes the connection with status 1009.
//
// Text:
//
// Text payloads must be valid UTF-8. Outgoing text with invalid UTF-8 is
// rejected with ErrInvalidUTF8; incoming text with invalid UTF-8 closes the
// connection with status 1007.
//
// Origin Checking:
//
// Web browsers allow any site to open a WebSocket connection to any other site.
// The server must validate the Origin header to prevent attacks. The Upgrader
// calls the CheckOrigin function to validate the request origin. If CheckOrigin
// is nil, the Upgrader uses a safe default that rejects cross-origin requests.
package websocket
