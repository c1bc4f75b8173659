package telnet

import (
	"bytes"
	"testing"
)

func TestProcessPlainTextRoundTrips(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"simple sentence", "You see a room.\r\n"},
		{"empty", ""},
		{"no special bytes", "hello world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]string{"testclient"})
			res := p.Process([]byte(tt.input))
			if string(res.Text) != tt.input {
				t.Errorf("got %q, want %q", res.Text, tt.input)
			}
			if len(res.GMCP) != 0 {
				t.Errorf("expected no GMCP messages, got %d", len(res.GMCP))
			}
			if len(res.Sends) != 0 {
				t.Errorf("expected no outbound sends, got %d", len(res.Sends))
			}
		})
	}
}

func TestProcessUnescapesDoubledIAC(t *testing.T) {
	p := NewParser([]string{"testclient"})
	input := []byte{'A', ' ', 'B', ' ', 'C', ' ', 0xFF, 0xFF, ' ', 'D'}
	res := p.Process(input)

	want := []byte{'A', ' ', 'B', ' ', 'C', ' ', 0xFF, ' ', 'D'}
	if !bytes.Equal(res.Text, want) {
		t.Errorf("got %v, want %v", res.Text, want)
	}
}

func TestProcessSplitAcrossChunks(t *testing.T) {
	p := NewParser([]string{"testclient"})

	// Split an IAC WILL GMCP sequence across two Process calls.
	r1 := p.Process([]byte{'h', 'i', CmdIAC})
	r2 := p.Process([]byte{CmdWILL, OptGMCP, 'b', 'y', 'e'})

	if string(r1.Text) != "hi" {
		t.Errorf("first chunk text = %q, want %q", r1.Text, "hi")
	}
	if string(r2.Text) != "bye" {
		t.Errorf("second chunk text = %q, want %q", r2.Text, "bye")
	}
	if len(r2.Sends) == 0 {
		t.Errorf("expected negotiation reply after split IAC WILL GMCP")
	}
}

func TestGMCPExtraction(t *testing.T) {
	p := NewParser([]string{"testclient"})

	payload := []byte(`Char.Vitals {"hp":100}`)
	input := []byte{CmdIAC, CmdSB, OptGMCP}
	input = append(input, payload...)
	input = append(input, CmdIAC, CmdSE)

	res := p.Process(input)
	if len(res.Text) != 0 {
		t.Errorf("expected no text from a pure GMCP subneg, got %q", res.Text)
	}
	if len(res.GMCP) != 1 {
		t.Fatalf("expected 1 GMCP message, got %d", len(res.GMCP))
	}
	if res.GMCP[0].Package != "Char.Vitals" {
		t.Errorf("package = %q, want Char.Vitals", res.GMCP[0].Package)
	}
	if res.GMCP[0].Data != `{"hp":100}` {
		t.Errorf("data = %q, want {\"hp\":100}", res.GMCP[0].Data)
	}
}

func TestGMCPSubnegWithEscapedIAC(t *testing.T) {
	p := NewParser([]string{"testclient"})

	input := []byte{CmdIAC, CmdSB, OptGMCP}
	input = append(input, []byte("Pkg ")...)
	input = append(input, 0xFF, 0xFF) // escaped IAC inside payload
	input = append(input, CmdIAC, CmdSE)

	res := p.Process(input)
	if len(res.GMCP) != 1 {
		t.Fatalf("expected 1 GMCP message, got %d", len(res.GMCP))
	}
	if !bytes.Equal([]byte(res.GMCP[0].Data), []byte{0xFF}) {
		t.Errorf("data = %v, want single 0xFF byte", []byte(res.GMCP[0].Data))
	}
}

func TestTTYPERotatesThenRepeatsLast(t *testing.T) {
	p := NewParser([]string{"mudclient", "XTERM-256color", "MTTS 141"})

	send := func() Outbound {
		input := []byte{CmdIAC, CmdSB, OptTTYPE, 1, CmdIAC, CmdSE}
		res := p.Process(input)
		if len(res.Sends) != 1 {
			t.Fatalf("expected exactly one outbound reply per SB TTYPE REQUEST, got %d", len(res.Sends))
		}
		return res.Sends[0]
	}

	want := []string{"mudclient", "XTERM-256color", "MTTS 141", "MTTS 141", "MTTS 141"}
	for i, w := range want {
		got := send()
		expected := ttypeIS(w)
		if !bytes.Equal(got.Bytes, expected.Bytes) {
			t.Errorf("response %d = %v, want TTYPE IS %q", i, got.Bytes, w)
		}
	}
}

func TestEchoNegotiationTracksPasswordMode(t *testing.T) {
	p := NewParser([]string{"testclient"})

	p.Process([]byte{CmdIAC, CmdWILL, OptEcho})
	if !p.PasswordMode() {
		t.Error("expected PasswordMode true after WILL ECHO")
	}

	p.Process([]byte{CmdIAC, CmdWONT, OptEcho})
	if p.PasswordMode() {
		t.Error("expected PasswordMode false after WONT ECHO")
	}
}

func TestSGAWillIsDeclined(t *testing.T) {
	p := NewParser([]string{"testclient"})
	res := p.Process([]byte{CmdIAC, CmdWILL, OptSGA})
	if len(res.Sends) != 1 || !bytes.Equal(res.Sends[0].Bytes, wont(OptSGA).Bytes) {
		t.Errorf("expected WONT SGA reply, got %v", res.Sends)
	}
}

func TestNAWSDoSendsCurrentWindowSize(t *testing.T) {
	p := NewParser([]string{"testclient"})
	p.SetWindowSize(132, 43)

	res := p.Process([]byte{CmdIAC, CmdDO, OptNAWS})
	if len(res.Sends) != 1 {
		t.Fatalf("expected one NAWS subneg reply, got %d", len(res.Sends))
	}
	want := subnegotiation(OptNAWS, nawsPayload(132, 43))
	if !bytes.Equal(res.Sends[0].Bytes, want.Bytes) {
		t.Errorf("got %v, want %v", res.Sends[0].Bytes, want.Bytes)
	}
}

func TestUnknownOptionIsRefused(t *testing.T) {
	const unknownOpt byte = 200

	p := NewParser([]string{"testclient"})

	res := p.Process([]byte{CmdIAC, CmdDO, unknownOpt})
	if len(res.Sends) != 1 || !bytes.Equal(res.Sends[0].Bytes, wont(unknownOpt).Bytes) {
		t.Errorf("DO unknownOpt: expected WONT reply, got %v", res.Sends)
	}

	res = p.Process([]byte{CmdIAC, CmdWILL, unknownOpt})
	if len(res.Sends) != 1 || !bytes.Equal(res.Sends[0].Bytes, dont(unknownOpt).Bytes) {
		t.Errorf("WILL unknownOpt: expected DONT reply, got %v", res.Sends)
	}
}

func TestCharsetAcceptSetsNegotiatedFlag(t *testing.T) {
	p := NewParser([]string{"testclient"})
	if p.CharsetNegotiated() {
		t.Fatal("expected CharsetNegotiated false before negotiation")
	}

	input := []byte{CmdIAC, CmdSB, OptCharset, 1}
	input = append(input, CmdIAC, CmdSE)
	res := p.Process(input)

	if !p.CharsetNegotiated() {
		t.Error("expected CharsetNegotiated true after CHARSET REQUEST")
	}
	if len(res.Sends) != 1 {
		t.Errorf("expected one CHARSET ACCEPTED reply, got %d", len(res.Sends))
	}
}

func TestEscapeIACDoublesIACBytes(t *testing.T) {
	in := []byte{'a', 0xFF, 'b'}
	want := []byte{'a', 0xFF, 0xFF, 'b'}
	if got := EscapeIAC(in); !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
