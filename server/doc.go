// Package server runs WebSocket sessions over TCP or TLS and broadcasts
// frames to all of them.
//
// A Server owns a listener and a registry of Sessions. Each accepted
// connection becomes a Session that performs the TLS handshake (when
// configured), the HTTP upgrade and then exchanges frames through a
// websocket.Engine. Application code observes sessions through a Handler:
//
//	type chat struct{ server.BaseHandler }
//
//	func (chat) OnReceived(s *server.Session, op websocket.Opcode, data []byte) {
//	    if op == websocket.OpText {
//	        s.Server().MulticastText(data)
//	    }
//	}
//
//	srv := server.New(server.Config{
//	    Config: transport.Config{Address: ":8443"},
//	}, chat{}, server.WithTLSConfig(tlsConfig))
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// Sends never block: frames are queued per session and written in order by
// a background flush. Multicast encodes a frame once and queues the same
// bytes on every upgraded session.
package server
