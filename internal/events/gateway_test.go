package events

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// wsClient is a bare-bones client for exercising the gateway: it performs the
// upgrade handshake and reads unmasked server frames.
type wsClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialWS(t *testing.T, serverURL string) *wsClient {
	t.Helper()
	addr := strings.TrimPrefix(serverURL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	request := "GET /api/events/ws HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := io.WriteString(conn, request); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake status: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("handshake failed: %s", strings.TrimSpace(status))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read handshake headers: %v", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return &wsClient{conn: conn, reader: reader}
}

func (c *wsClient) readText(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		frame, err := readFrame(c.reader)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.opcode == opcodeText {
			return frame.payload
		}
	}
}

func (c *wsClient) close() {
	c.conn.Close()
}

func TestGatewayBroadcastsQueueEvents(t *testing.T) {
	queue := NewMemoryQueue(8)
	gateway := NewGateway(GatewayConfig{
		Queue:  queue,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer gateway.Close()

	server := httptest.NewServer(gateway)
	defer server.Close()

	client := dialWS(t, server.URL)
	defer client.close()

	waitUntil(t, time.Second, func() bool { return gateway.ClientCount() == 1 })

	payload, _ := json.Marshal([]string{"a.mp4"})
	if err := queue.Publish(context.Background(), Event{Type: EventTypeVideos, Payload: payload, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	raw := client.readText(t, 2*time.Second)
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if event.Type != EventTypeVideos {
		t.Fatalf("unexpected event type %q", event.Type)
	}
}

func TestGatewayDropsDisconnectedClients(t *testing.T) {
	queue := NewMemoryQueue(8)
	gateway := NewGateway(GatewayConfig{
		Queue:  queue,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer gateway.Close()

	server := httptest.NewServer(gateway)
	defer server.Close()

	client := dialWS(t, server.URL)
	waitUntil(t, time.Second, func() bool { return gateway.ClientCount() == 1 })

	client.close()
	waitUntil(t, 2*time.Second, func() bool { return gateway.ClientCount() == 0 })
}

func TestGatewayRejectsPlainHTTP(t *testing.T) {
	queue := NewMemoryQueue(8)
	gateway := NewGateway(GatewayConfig{
		Queue:  queue,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer gateway.Close()

	recorder := httptest.NewRecorder()
	gateway.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/events/ws", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain HTTP request, got %d", recorder.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
