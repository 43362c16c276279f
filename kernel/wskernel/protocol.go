package wskernel

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// The wire protocol is a single websocket connection carrying JSON
// envelopes. Requests carry a fresh ID; every kernel-originated message
// about an execution carries that ID in Parent. Messages with an empty
// Parent are connection-scoped (status, lifecycle).
type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Parent  string          `json:"parent,omitempty"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

const (
	msgExecuteRequest  = "execute_request"
	msgExecuteReply    = "execute_reply"
	msgStream          = "stream"
	msgExecuteResult   = "execute_result"
	msgError           = "error"
	msgStatus          = "status"
	msgShutdownRequest = "shutdown_request"
)

type executeContent struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent,omitempty"`
}

type replyContent struct {
	Status string `json:"status"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type resultContent struct {
	Text string `json:"text"`
}

type errorContent struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

type statusContent struct {
	State string `json:"execution_state"`
}

func newMsgID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "msg-unknown"
	}
	return hex.EncodeToString(buf[:])
}
