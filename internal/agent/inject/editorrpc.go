package inject

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// rpcRequest is one line-delimited JSON request on the editor's
// control socket.
type rpcRequest struct {
	Method   string `json:"method"`
	BufferID string `json:"buffer_id"`
	Text     string `json:"text"`
}

type rpcResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// sendEditorRPC submits text into an editor-embedded terminal over
// its unix control socket.
func (in *Injector) sendEditorRPC(ctx context.Context, socketPath, bufferID, text string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial editor socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(deliverTimeout))
	}

	payload, err := json.Marshal(rpcRequest{
		Method:   "insert_and_submit",
		BufferID: bufferID,
		Text:     text,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write rpc request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("editor rejected command: %s", resp.Error)
	}
	return nil
}
