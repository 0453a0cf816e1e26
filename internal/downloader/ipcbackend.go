package downloader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isoboot/updateengine/internal/enginerr"
)

// rpcRequest and rpcResponse are the wire shapes of the IPC backend's
// newline-delimited JSON-RPC protocol: one request, one matching response,
// each terminated by '\n'. There is no batching and no notifications —
// every call is a synchronous round trip, mirroring the teacher's gRPC
// client's one-method-one-round-trip shape in
// internal/controllerclient/client.go, generalized from protobuf messages
// over a TCP grpc.ClientConn to JSON objects over a Unix socket.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type enqueueParams struct {
	Items []Item  `json:"items"`
	Opts  Options `json:"opts"`
}

type enqueueResult struct {
	Handle Handle `json:"handle"`
}

type handleParams struct {
	Handle Handle `json:"handle"`
}

// IPCBackend is a thin client over a Unix-domain JSON-RPC socket to an
// out-of-process download manager. It implements the same Backend
// interface as HTTPBackend so the engine can select either without
// changing its call sites, per spec.md §4.6's two-backend requirement.
type IPCBackend struct {
	SocketPath string
	DialTimeout time.Duration // defaults to 5s when zero

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// NewIPCBackend constructs an IPCBackend. The socket connection is
// established lazily on the first call, mirroring the teacher client's
// "connection is established lazily on first RPC call" comment.
func NewIPCBackend(socketPath string) *IPCBackend {
	return &IPCBackend{SocketPath: socketPath}
}

func (b *IPCBackend) Enqueue(items []Item, opts Options) (Handle, error) {
	if err := checkDuplicateDest(items); err != nil {
		return "", err
	}
	var res enqueueResult
	if err := b.call("Enqueue", enqueueParams{Items: items, Opts: opts}, &res); err != nil {
		return "", err
	}
	return res.Handle, nil
}

func (b *IPCBackend) Pause(h Handle) error {
	return b.call("Pause", handleParams{Handle: h}, nil)
}

func (b *IPCBackend) Resume(h Handle) error {
	return b.call("Resume", handleParams{Handle: h}, nil)
}

func (b *IPCBackend) Cancel(h Handle) error {
	return b.call("Cancel", handleParams{Handle: h}, nil)
}

func (b *IPCBackend) Progress(h Handle) (Progress, error) {
	var res Progress
	if err := b.call("Progress", handleParams{Handle: h}, &res); err != nil {
		return Progress{}, err
	}
	return res, nil
}

// Close releases the underlying socket connection, if one is open.
func (b *IPCBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.reader = nil
	return err
}

// call sends one request and blocks for its matching response. A broken
// connection is dropped and a fresh one dialed on the next call, so a
// download-manager restart doesn't wedge the client permanently.
func (b *IPCBackend) call(method string, params, result interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "encoding IPC request params", err)
	}

	if err := b.ensureConnLocked(); err != nil {
		return err
	}

	id := atomic.AddUint64(&b.nextID, 1)
	req := rpcRequest{ID: id, Method: method, Params: paramsJSON}

	line, err := json.Marshal(req)
	if err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "encoding IPC request", err)
	}
	line = append(line, '\n')

	if _, err := b.conn.Write(line); err != nil {
		b.dropConnLocked()
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("writing IPC request %s", method), err)
	}

	respLine, err := b.reader.ReadBytes('\n')
	if err != nil {
		b.dropConnLocked()
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("reading IPC response for %s", method), err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "decoding IPC response", err)
	}
	if resp.ID != id {
		return enginerr.New(enginerr.KindStructural, fmt.Sprintf("IPC response id %d does not match request id %d", resp.ID, id))
	}
	if resp.Error != "" {
		return enginerr.New(enginerr.KindTransient, fmt.Sprintf("download manager: %s", resp.Error))
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return enginerr.Wrap(enginerr.KindStructural, "decoding IPC result", err)
	}
	return nil
}

func (b *IPCBackend) ensureConnLocked() error {
	if b.conn != nil {
		return nil
	}
	timeout := b.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("unix", b.SocketPath, timeout)
	if err != nil {
		return enginerr.Wrap(enginerr.KindTransient, fmt.Sprintf("dialing download manager socket %s", b.SocketPath), err)
	}
	b.conn = conn
	b.reader = bufio.NewReader(conn)
	return nil
}

func (b *IPCBackend) dropConnLocked() {
	if b.conn != nil {
		b.conn.Close() //nolint:errcheck // already broken, nothing to recover
	}
	b.conn = nil
	b.reader = nil
}
