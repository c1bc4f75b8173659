// Package telnet implements a per-session RFC 854 telnet parser:
// option negotiation, GMCP subnegotiation extraction, and IAC
// escaping, modeled on the libmudtelnet state machine but driven by a
// fixed negotiation policy rather than a generic compatibility table.
package telnet

import "bytes"

// Telnet command bytes.
const (
	CmdSE   byte = 240
	CmdNOP  byte = 241
	CmdGA   byte = 249
	CmdSB   byte = 250
	CmdWILL byte = 251
	CmdWONT byte = 252
	CmdDO   byte = 253
	CmdDONT byte = 254
	CmdIAC  byte = 255
)

// Telnet option bytes referenced by the negotiation policy.
const (
	OptEcho       byte = 1
	OptSGA        byte = 3
	OptTTYPE      byte = 24
	OptNAWS       byte = 31
	OptNewEnviron byte = 39
	OptCharset    byte = 42
	OptMSDP       byte = 69
	OptMCCP2      byte = 86
	OptMXP        byte = 91
	OptGMCP       byte = 201
)

// state is the parser's position in the IAC state machine.
type state int

const (
	stateText state = iota
	stateIAC
	stateNegotiation
	stateSubneg
	stateSubnegIAC
)

// negCommand records which of WILL/WONT/DO/DONT preceded the option
// byte currently awaited in stateNegotiation, so handleNegotiation
// knows which row of the policy table applies.
type negKind int

const (
	negNone negKind = iota
	negWill
	negWont
	negDo
	negDont
	negSB
)

// GMCPMessage is one extracted GMCP subnegotiation, split into its
// package name and raw data string. Parsing data to JSON is left to
// the caller (dispatcher), per the "{raw: data} on parse error" rule.
type GMCPMessage struct {
	Package string
	Data    string
}

// Outbound is a byte sequence the parser wants written back to the
// MUD as a direct consequence of processing input — negotiation
// replies, TTYPE/NAWS/CHARSET subnegotiation responses. The caller is
// responsible for actually writing these to the telnet socket.
type Outbound struct {
	Bytes []byte
}

// Result is what one call to Process yields.
type Result struct {
	Text  []byte
	GMCP  []GMCPMessage
	Sends []Outbound
}

// Parser holds the mutable, single-session telnet negotiation state.
// It is not safe for concurrent use; each Session owns exactly one,
// touched only from that session's telnet read loop.
type Parser struct {
	st state

	pendingNeg negKind
	subOption  byte
	subBuf     []byte

	// ttypeQueue rotates through client-identity strings on each SB
	// TTYPE REQUEST; when exhausted the last value repeats forever,
	// matching conventional MTTS client behavior.
	ttypeQueue []string
	ttypeIdx   int

	// passwordMode mirrors the teacher's EchoState tracking: true
	// while the MUD has turned local echo off (WILL ECHO), i.e. while
	// the client is typing a password.
	passwordMode bool

	// charsetNegotiated flips once the MUD sends a CHARSET REQUEST
	// subnegotiation and the parser answers it with ACCEPTED UTF-8;
	// Session reads this to decide outbound
	// client-text encoding (spec's Open Question on Latin-1 vs UTF-8).
	charsetNegotiated bool

	// windowWidth/windowHeight back NAWS replies; set via
	// SetWindowSize before any NAWS DO is expected, defaults match
	// spec.md (80x24).
	windowWidth, windowHeight int
}

// NewParser creates a Parser with the client identity strings used to
// answer TTYPE negotiation, in rotation order.
func NewParser(ttypeNames []string) *Parser {
	p := &Parser{
		ttypeQueue:  append([]string(nil), ttypeNames...),
		windowWidth: 80, windowHeight: 24,
	}
	if len(p.ttypeQueue) == 0 {
		p.ttypeQueue = []string{"unknown"}
	}
	return p
}

// SetWindowSize records the latest NAWS-reported window size, used
// when the MUD asks us (DO NAWS) to report it.
func (p *Parser) SetWindowSize(width, height int) {
	p.windowWidth, p.windowHeight = width, height
}

// PasswordMode reports whether the MUD currently has local echo
// suppressed (WILL ECHO), i.e. the next client input line is a
// password and should not be logged.
func (p *Parser) PasswordMode() bool { return p.passwordMode }

// CharsetNegotiated reports whether the parser has answered a CHARSET
// REQUEST from the MUD by accepting UTF-8.
func (p *Parser) CharsetNegotiated() bool { return p.charsetNegotiated }

// Process consumes a chunk of raw bytes from the MUD, returning the
// clean (IAC-stripped) text, any extracted GMCP messages, and any
// bytes that must be written back to the MUD as negotiation replies.
// State persists across calls so a split IAC sequence is handled
// correctly regardless of chunk boundaries. Process never errors; a
// malformed sequence is dropped and the parser returns to its text
// state.
func (p *Parser) Process(data []byte) Result {
	var res Result
	var text bytes.Buffer

	for _, b := range data {
		switch p.st {
		case stateText:
			if b == CmdIAC {
				p.st = stateIAC
			} else {
				text.WriteByte(b)
			}

		case stateIAC:
			switch {
			case b == CmdIAC:
				text.WriteByte(CmdIAC)
				p.st = stateText
			case b == CmdWILL:
				p.pendingNeg = negWill
				p.st = stateNegotiation
			case b == CmdWONT:
				p.pendingNeg = negWont
				p.st = stateNegotiation
			case b == CmdDO:
				p.pendingNeg = negDo
				p.st = stateNegotiation
			case b == CmdDONT:
				p.pendingNeg = negDont
				p.st = stateNegotiation
			case b == CmdSB:
				p.pendingNeg = negSB
				p.st = stateNegotiation
			default:
				// 2-byte commands (NOP, GA, EOR, ...): stripped, no
				// state carried.
				p.st = stateText
			}

		case stateNegotiation:
			switch p.pendingNeg {
			case negSB:
				p.subOption = b
				p.subBuf = p.subBuf[:0]
				p.st = stateSubneg
			default:
				sends := p.handleNegotiation(p.pendingNeg, b)
				res.Sends = append(res.Sends, sends...)
				p.st = stateText
			}

		case stateSubneg:
			if b == CmdIAC {
				p.st = stateSubnegIAC
			} else {
				p.subBuf = append(p.subBuf, b)
			}

		case stateSubnegIAC:
			switch b {
			case CmdSE:
				gmcp, sends := p.handleSubnegotiation(p.subOption, p.subBuf)
				if gmcp != nil {
					res.GMCP = append(res.GMCP, *gmcp)
				}
				res.Sends = append(res.Sends, sends...)
				p.st = stateText
			case CmdIAC:
				p.subBuf = append(p.subBuf, CmdIAC)
				p.st = stateSubneg
			default:
				// Malformed: subnegotiation didn't terminate with
				// IAC SE. Tolerate by dropping back to text per the
				// "parser never errors" rule.
				p.st = stateText
			}
		}
	}

	res.Text = text.Bytes()
	return res
}

// handleNegotiation implements the fixed policy table: for each
// option we care about, decide the mirrored response and any side
// effects (password mode, NAWS reply, CHARSET accept prep). Options
// we don't recognize are refused (WONT/DONT), matching "other" rows.
func (p *Parser) handleNegotiation(kind negKind, opt byte) []Outbound {
	switch opt {
	case OptGMCP:
		switch kind {
		case negDo:
			return []Outbound{will(OptGMCP), p.gmcpHello()}
		case negWill:
			return []Outbound{do(OptGMCP), p.gmcpHello()}
		}

	case OptTTYPE:
		if kind == negDo {
			return []Outbound{will(OptTTYPE)}
		}

	case OptMSDP:
		if kind == negWill {
			return append([]Outbound{do(OptMSDP)}, p.msdpHello()...)
		}

	case OptMXP:
		switch kind {
		case negDo:
			return []Outbound{will(OptMXP)}
		case negWill:
			return []Outbound{do(OptMXP)}
		}

	case OptNewEnviron:
		if kind == negDo {
			return []Outbound{will(OptNewEnviron)}
		}

	case OptEcho:
		switch kind {
		case negWill:
			p.passwordMode = true
		case negWont:
			p.passwordMode = false
		}
		return nil

	case OptSGA:
		if kind == negWill {
			return []Outbound{wont(OptSGA)}
		}

	case OptNAWS:
		switch kind {
		case negDo:
			return []Outbound{subnegotiation(OptNAWS, nawsPayload(p.windowWidth, p.windowHeight))}
		case negWill:
			return []Outbound{wont(OptNAWS)}
		}

	case OptCharset:
		if kind == negDo {
			return []Outbound{will(OptCharset)}
		}

	case OptMCCP2:
		// Policy choice (spec.md §9 Open Question): decline MCCP2 to
		// keep the stream uncompressed. See DESIGN.md.
		if kind == negWill {
			return []Outbound{dont(OptMCCP2)}
		}
	}

	// Unhandled option: refuse per the "other" rows of the policy
	// table.
	switch kind {
	case negDo:
		return []Outbound{wont(opt)}
	case negWill:
		return []Outbound{dont(opt)}
	}
	return nil
}

// handleSubnegotiation processes a completed SB ... IAC SE payload.
// Returns an extracted GMCP message when applicable, plus any reply
// bytes (TTYPE IS, NEW-ENV IPADDRESS, CHARSET ACCEPTED).
func (p *Parser) handleSubnegotiation(opt byte, buf []byte) (*GMCPMessage, []Outbound) {
	switch opt {
	case OptGMCP:
		raw := string(buf)
		pkg, data := raw, ""
		if idx := indexByte(raw, ' '); idx >= 0 {
			pkg, data = raw[:idx], raw[idx+1:]
		}
		return &GMCPMessage{Package: pkg, Data: data}, nil

	case OptTTYPE:
		if len(buf) > 0 && buf[0] == 1 { // SEND
			name := p.nextTTYPE()
			return nil, []Outbound{ttypeIS(name)}
		}

	case OptNewEnviron:
		if len(buf) > 0 && buf[0] == 1 { // SEND
			return nil, []Outbound{newEnvironIPAddress()}
		}

	case OptCharset:
		if len(buf) > 0 && buf[0] == 1 { // REQUEST
			p.charsetNegotiated = true
			return nil, []Outbound{charsetAccept("UTF-8")}
		}
	}
	return nil, nil
}

// nextTTYPE pops the next client-identity string, repeating the last
// one forever once the queue is exhausted (P5, conventional MTTS
// behavior).
func (p *Parser) nextTTYPE() string {
	if p.ttypeIdx >= len(p.ttypeQueue) {
		return p.ttypeQueue[len(p.ttypeQueue)-1]
	}
	v := p.ttypeQueue[p.ttypeIdx]
	p.ttypeIdx++
	return v
}

func (p *Parser) gmcpHello() Outbound {
	payload := "Core.Hello {\"client\":\"" + p.ttypeQueue[0] + "\",\"version\":\"1.0\"}"
	return subnegotiation(OptGMCP, []byte(payload))
}

func (p *Parser) msdpHello() []Outbound {
	vars := []string{
		"CLIENT_ID", p.ttypeQueue[0],
		"CLIENT_VERSION", "1.0",
		"XTERM_256_COLORS", "1",
		"MXP", "1",
		"UTF_8", "1",
	}
	var buf bytes.Buffer
	for i := 0; i+1 < len(vars); i += 2 {
		buf.WriteByte(1) // MSDP_VAR
		buf.WriteString(vars[i])
		buf.WriteByte(2) // MSDP_VAL
		buf.WriteString(vars[i+1])
	}
	return []Outbound{subnegotiation(OptMSDP, buf.Bytes())}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// --- outbound helpers ---

func will(opt byte) Outbound { return Outbound{Bytes: []byte{CmdIAC, CmdWILL, opt}} }
func wont(opt byte) Outbound { return Outbound{Bytes: []byte{CmdIAC, CmdWONT, opt}} }
func do(opt byte) Outbound   { return Outbound{Bytes: []byte{CmdIAC, CmdDO, opt}} }
func dont(opt byte) Outbound { return Outbound{Bytes: []byte{CmdIAC, CmdDONT, opt}} }

// EscapeIAC doubles every 0xFF byte in data so it survives telnet
// framing unmodified, per RFC 854.
func EscapeIAC(data []byte) []byte {
	if bytes.IndexByte(data, CmdIAC) < 0 {
		return data
	}
	var out bytes.Buffer
	for _, b := range data {
		out.WriteByte(b)
		if b == CmdIAC {
			out.WriteByte(CmdIAC)
		}
	}
	return out.Bytes()
}

func subnegotiation(opt byte, payload []byte) Outbound {
	var buf bytes.Buffer
	buf.Write([]byte{CmdIAC, CmdSB, opt})
	buf.Write(EscapeIAC(payload))
	buf.Write([]byte{CmdIAC, CmdSE})
	return Outbound{Bytes: buf.Bytes()}
}

func ttypeIS(name string) Outbound {
	payload := append([]byte{0}, []byte(name)...) // CmdIS = 0
	return subnegotiation(OptTTYPE, payload)
}

func newEnvironIPAddress() Outbound {
	payload := append([]byte{0}, []byte("IPADDRESS")...) // CmdIS
	return subnegotiation(OptNewEnviron, payload)
}

func charsetAccept(name string) Outbound {
	payload := append([]byte{2}, []byte(name)...) // ACCEPTED = 2
	return subnegotiation(OptCharset, payload)
}

func nawsPayload(width, height int) []byte {
	return []byte{
		byte(width >> 8), byte(width),
		byte(height >> 8), byte(height),
	}
}
