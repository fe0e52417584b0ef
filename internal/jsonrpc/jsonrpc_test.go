package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequest_FreshIDs(t *testing.T) {
	a := NewRequest("tools/list", nil)
	b := NewRequest("tools/list", nil)

	if a.ID == "" || b.ID == "" {
		t.Fatal("NewRequest produced an empty id")
	}
	if a.ID == b.ID {
		t.Errorf("two requests share id %q", a.ID)
	}
	if a.JSONRPC != Version {
		t.Errorf("jsonrpc = %q, want %q", a.JSONRPC, Version)
	}
}

func TestRequest_ParamsOmittedWhenNil(t *testing.T) {
	data, err := json.Marshal(NewRequest("ping", nil))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["params"]; ok {
		t.Error("nil params were serialized")
	}
}

func TestResponse_Matches(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		id   string
		want bool
	}{
		{"string id", `{"jsonrpc":"2.0","id":"abc","result":{}}`, "abc", true},
		{"numeric id", `{"jsonrpc":"2.0","id":7,"result":{}}`, "7", true},
		{"mismatch", `{"jsonrpc":"2.0","id":"abc","result":{}}`, "def", false},
		{"absent id", `{"jsonrpc":"2.0","result":{}}`, "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatal(err)
			}
			if got := resp.Matches(tt.id); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestResponse_Complete(t *testing.T) {
	var with Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`), &with); err != nil {
		t.Fatal(err)
	}
	// result:null decodes to a nil RawMessage... the wire shape we
	// care about is a present, non-null result.
	var ok Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), &ok); err != nil {
		t.Fatal(err)
	}
	if !ok.Complete() {
		t.Error("response with result reported incomplete")
	}

	var bare Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), &bare); err != nil {
		t.Fatal(err)
	}
	if bare.Complete() {
		t.Error("response with neither result nor error reported complete")
	}
}

func TestIDString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{float64(12), "12"},
		{float64(1.5), "1.5"},
	}
	for _, tt := range tests {
		if got := IDString(tt.in); got != tt.want {
			t.Errorf("IDString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorText(t *testing.T) {
	if got := ErrorText(map[string]any{"message": "boom", "code": -32000.0}); got != "boom" {
		t.Errorf("ErrorText = %q, want boom", got)
	}

	got := ErrorText(map[string]any{"code": -32000.0})
	if got == "" || got == "boom" {
		t.Errorf("ErrorText fallback = %q, want JSON serialization", got)
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: -32601, Message: "method not found"}
	want := "jsonrpc error -32601: method not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
