package lsp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 256 << 20

// errMalformed marks a frame that was read completely but is not a valid
// JSON-RPC message. The stream stays in sync after it.
var errMalformed = errors.New("malformed message")

// errEncode marks outbound params or results that cannot be marshalled.
var errEncode = errors.New("encode message")

// Message represents a JSON-RPC 2.0 message (request, response, or notification).
// ID is kept raw so server-initiated requests can be answered with the exact
// id they carried, whether numeric or string.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`     // absent for notifications
	Method  string          `json:"method,omitempty"` // present for requests/notifications
	Params  json.RawMessage `json:"params,omitempty"` // request/notification params
	Result  json.RawMessage `json:"result,omitempty"` // response result
	Error   *RPCError       `json:"error,omitempty"`  // response error
}

// IsNotification reports a message with a method and no id.
func (m *Message) IsNotification() bool { return m.Method != "" && !m.hasID() }

// IsRequest reports a server-initiated request.
func (m *Message) IsRequest() bool { return m.Method != "" && m.hasID() }

func (m *Message) hasID() bool { return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null")) }

// NumericID returns the id of a response to one of our requests.
func (m *Message) NumericID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	n, err := strconv.ParseInt(string(m.ID), 10, 64)
	return n, err == nil
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Conn wraps an io.ReadWriteCloser (typically stdin/stdout of the engine)
// and implements JSON-RPC 2.0 with Content-Length header framing.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // protects writes
}

// NewConn creates a new JSON-RPC connection over the given stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// Request sends a JSON-RPC request with the given id.
func (c *Conn) Request(id int64, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	})
}

// Notify sends a JSON-RPC notification (no ID, no response expected).
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(Message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Respond answers a server-initiated request. A nil result is sent as null.
func (c *Conn) Respond(id json.RawMessage, result any, rpcErr *RPCError) error {
	msg := Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("%w: result: %w", errEncode, err)
		}
		msg.Result = raw
	}
	return c.write(msg)
}

// ReadMessage reads one JSON-RPC message from the connection.
// Blocks until a full message is available or the connection is closed.
// A frame that does not decode is reported wrapping errMalformed.
func (c *Conn) ReadMessage() (*Message, error) {
	data, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	return &msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: params: %w", errEncode, err)
	}
	return raw, nil
}

// write frames msg with a Content-Length header.
func (c *Conn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	header := "Content-Length: " + strconv.Itoa(len(data)) + "\r\n\r\n"
	if _, err := io.WriteString(c.rwc, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.rwc.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readFrame reads one Content-Length-framed body from the connection.
func (c *Conn) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if contentLength < 0 {
				continue // stray blank line between frames
			}
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue // e.g. Content-Type
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("parse Content-Length %q", value)
		}
		if n > maxMessageSize {
			return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
		}
		contentLength = n
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body (%d bytes): %w", contentLength, err)
	}
	return body, nil
}
