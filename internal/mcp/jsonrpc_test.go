package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestRequestMarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  Outbound
		want string
	}{
		{
			name: "request with params",
			msg:  NewRequest(1, "tools/call", map[string]any{"name": "x"}),
			want: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`,
		},
		{
			name: "request without params",
			msg:  NewRequest(2, "tools/list", nil),
			want: `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		},
		{
			name: "notification",
			msg:  NewNotification("notifications/initialized", nil),
			want: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		},
		{
			name: "error response keeps string id",
			msg:  NewErrorResponse(json.RawMessage(`"abc"`), CodeMethodNotFound, "nope"),
			want: `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"nope"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("marshal = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestNewResult(t *testing.T) {
	resp, err := NewResult(json.RawMessage(`7`), struct{}{})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	data, _ := json.Marshal(resp)
	if want := `{"jsonrpc":"2.0","id":7,"result":{}}`; string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: -32600, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestDecodeMessages(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantCount    int
		wantResponse bool
		wantNotify   bool
		wantRequest  bool
		wantErr      bool
	}{
		{name: "response", input: `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, wantCount: 1, wantResponse: true},
		{name: "error response", input: `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`, wantCount: 1, wantResponse: true},
		{name: "notification", input: `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, wantCount: 1, wantNotify: true},
		{name: "null id is a notification", input: `{"jsonrpc":"2.0","id":null,"method":"notifications/progress"}`, wantCount: 1, wantNotify: true},
		{name: "server request", input: `{"jsonrpc":"2.0","id":"s1","method":"ping"}`, wantCount: 1, wantRequest: true},
		{name: "batch", input: `[{"jsonrpc":"2.0","id":1,"result":{}},{"jsonrpc":"2.0","id":2,"result":{}}]`, wantCount: 2, wantResponse: true},
		{name: "surrounding whitespace", input: "  {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n", wantCount: 1, wantResponse: true},
		{name: "empty", input: "  ", wantErr: true},
		{name: "not json", input: `hello world`, wantErr: true},
		{name: "wrong version", input: `{"jsonrpc":"1.0","id":1,"result":{}}`, wantErr: true},
		{name: "no id or method", input: `{"jsonrpc":"2.0","result":{}}`, wantErr: true},
		{name: "null in batch", input: `[null]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := DecodeMessages([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeMessages(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMessages: %v", err)
			}
			if len(msgs) != tt.wantCount {
				t.Fatalf("got %d messages, want %d", len(msgs), tt.wantCount)
			}
			m := msgs[0]
			if m.IsResponse() != tt.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", m.IsResponse(), tt.wantResponse)
			}
			if m.IsNotification() != tt.wantNotify {
				t.Errorf("IsNotification() = %v, want %v", m.IsNotification(), tt.wantNotify)
			}
			if m.IsRequest() != tt.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", m.IsRequest(), tt.wantRequest)
			}
		})
	}
}

func TestMessageIntID(t *testing.T) {
	tests := []struct {
		id     string
		want   int64
		wantOK bool
	}{
		{`17`, 17, true},
		{`"17"`, 0, false},
		{`null`, 0, false},
		{``, 0, false},
		{`1.5`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			m := &Message{ID: json.RawMessage(tt.id)}
			got, ok := m.IntID()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("IntID() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
