package session

import (
	"bytes"
	"compress/flate"
	"io"
	"testing"

	"github.com/ministruth/monitor/internal/wire"
)

func TestDeflateCompressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("binary-update-payload"), 100)

	compressed, err := deflateCompress(raw)
	if err != nil {
		t.Fatalf("deflateCompress: %v", err)
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("decompressed output does not match original")
	}
}

func TestWireMessageTypeLabels(t *testing.T) {
	cases := []struct {
		data wire.Payload
		want string
	}{
		{wire.Info{}, "info"},
		{wire.StatusRsp{}, "status_rsp"},
		{wire.CommandRsp{}, "command_rsp"},
		{wire.ShellOutput{}, "shell_output"},
		{wire.ShellError{}, "shell_error"},
		{struct{ wire.Payload }{}, "unknown"},
	}
	for _, tc := range cases {
		if got := wireMessageType(tc.data); got != tc.want {
			t.Errorf("wireMessageType(%T) = %q, want %q", tc.data, got, tc.want)
		}
	}
}
