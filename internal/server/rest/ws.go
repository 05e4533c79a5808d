package rest

// This file implements the WebSocket mirror of the live event stream at
// /events/stream/ws. The upgrade, framing, and read loop are implemented
// directly against RFC 6455 so the stream carries no extra dependency:
// browser operator UIs only need unfragmented server-to-client text frames.

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) accepted
// from clients. Frames exceeding this limit cause the read loop to drop the
// connection rather than allocating unbounded memory; stream clients never
// send frames anywhere near this size.
const maxFrameSize = 64 * 1024 // 64 KiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// wsWriteTimeout bounds each frame write; a stalled client is dropped.
const wsWriteTimeout = 10 * time.Second

// handleStreamWS responds to GET /events/stream/ws: the same live feed as
// the SSE endpoint, delivered as one JSON event per text frame.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing Sec-WebSocket-Key")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server does not support hijacking")
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		s.logger.Error("ws: hijack failed", slog.Any("error", err))
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		s.logger.Error("ws: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		s.logger.Error("ws: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	sub := s.streamer.Subscribe(r.Context())
	defer sub.Cancel()

	s.logger.Info("ws: subscriber connected",
		slog.String("subscription_id", sub.ID()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer s.logger.Info("ws: subscriber disconnected",
		slog.String("subscription_id", sub.ID()),
	)

	// closed guards against double-close when the reader or writer exits
	// first.
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}
	defer closeOnce()

	// Reader goroutine: discards client frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("ws: read loop panic recovered",
					slog.Any("recover", rec),
					slog.String("subscription_id", sub.ID()),
				)
			}
		}()
		readLoop(conn, s.logger, sub.ID())
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				s.logger.Warn("ws: set write deadline failed",
					slog.String("subscription_id", sub.ID()), slog.Any("error", err))
				return
			}
			if err := writeTextFrame(conn, msg.Data); err != nil {
				s.logger.Warn("ws: write frame failed",
					slog.String("subscription_id", sub.ID()), slog.Any("error", err))
				return
			}
		}
	}
}

// --- helpers ---

// isWebSocketUpgrade returns true when the request carries the WebSocket
// upgrade headers as specified in RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single, unfragmented WebSocket text
// frame (FIN=1, opcode=0x1) and writes it to conn.
//
// Server-to-client frames must NOT be masked (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop reads and discards incoming WebSocket frames from conn until the
// connection is closed or a close frame is received. It exists to detect
// client disconnection and to prevent the receive buffer from filling up.
func readLoop(conn net.Conn, logger *slog.Logger, subID string) {
	buf := bufio.NewReader(conn)
	for {
		// Read the 2-byte frame header.
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		// Extended payload length.
		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			// Guard against int64 overflow: values > math.MaxInt64 would
			// wrap negative and panic a make(). Clients never legitimately
			// send frames this large.
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}
		if length > maxFrameSize {
			return
		}

		// Read and discard the 4-byte masking key if present.
		if masked {
			var maskKey [4]byte
			if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
				return
			}
		}

		// Discard the payload without allocating a full buffer.
		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		// Close frame (opcode 8) is a graceful client disconnect.
		if opcode == 0x08 {
			logger.Debug("ws: received close frame", slog.String("subscription_id", subID))
			return
		}
	}
}
