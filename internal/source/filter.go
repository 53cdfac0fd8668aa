package source

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/inlineesp/internal/codec"
)

// Frame offsets used by the filter programs.
const (
	offEtherType = 12
	offProtocol  = codec.EthernetLen + 9
	offSrcIP     = codec.EthernetLen + 12
	offDstIP     = codec.EthernetLen + 16
)

// Filter is a compiled prefilter run against raw Ethernet frames.
type Filter struct {
	expr string
	vm   *bpf.VM
	raw  []bpf.RawInstruction
}

// CompileFilter compiles a conjunction of primitives joined by "and":
//
//	ip | esp | tcp | udp | host A | src host A | dst host A
//
// An empty expression yields a nil filter that accepts everything.
func CompileFilter(expr string, snapLen int) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if snapLen <= 0 {
		snapLen = 65535
	}

	var prog program
	prog.emit(bpf.LoadAbsolute{Off: offEtherType, Size: 2})
	prog.rejectUnless(uint32(codec.EtherTypeIPv4))

	for _, term := range splitTerms(expr) {
		if err := prog.primitive(term); err != nil {
			return nil, fmt.Errorf("bpf filter %q: %w", expr, err)
		}
	}

	insns := prog.link(uint32(snapLen))
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %q: %w", expr, err)
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("bpf filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, vm: vm, raw: raw}, nil
}

// Match reports whether the frame passes. A nil filter matches everything.
func (f *Filter) Match(frame []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// Raw returns the assembled program, suitable for a kernel socket filter.
func (f *Filter) Raw() []bpf.RawInstruction {
	if f == nil {
		return nil
	}
	return f.raw
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

func splitTerms(expr string) [][]string {
	var terms [][]string
	var cur []string
	for _, tok := range strings.Fields(strings.ToLower(expr)) {
		if tok == "and" || tok == "&&" {
			terms = append(terms, cur)
			cur = nil
			continue
		}
		cur = append(cur, tok)
	}
	return append(terms, cur)
}

// program collects instructions whose failing branches jump to a shared
// reject block; link resolves the skips.
type program struct {
	insns   []bpf.Instruction
	rejects []int
}

func (p *program) emit(i bpf.Instruction) { p.insns = append(p.insns, i) }

func (p *program) rejectUnless(v uint32) {
	p.rejects = append(p.rejects, len(p.insns))
	p.emit(bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: v})
}

func (p *program) primitive(words []string) error {
	switch {
	case len(words) == 1 && words[0] == "ip":
		return nil
	case len(words) == 1:
		proto, ok := map[string]uint32{
			"esp": uint32(codec.ProtoESP),
			"tcp": uint32(codec.ProtoTCP),
			"udp": uint32(codec.ProtoUDP),
		}[words[0]]
		if !ok {
			return fmt.Errorf("unknown primitive %q", words[0])
		}
		p.emit(bpf.LoadAbsolute{Off: offProtocol, Size: 1})
		p.rejectUnless(proto)
		return nil
	case len(words) == 2 && words[0] == "host":
		addr, err := parseIPv4(words[1])
		if err != nil {
			return err
		}
		p.emit(bpf.LoadAbsolute{Off: offSrcIP, Size: 4})
		p.emit(bpf.JumpIf{Cond: bpf.JumpEqual, Val: addr, SkipTrue: 2})
		p.emit(bpf.LoadAbsolute{Off: offDstIP, Size: 4})
		p.rejectUnless(addr)
		return nil
	case len(words) == 3 && words[1] == "host" && (words[0] == "src" || words[0] == "dst"):
		addr, err := parseIPv4(words[2])
		if err != nil {
			return err
		}
		off := uint32(offSrcIP)
		if words[0] == "dst" {
			off = offDstIP
		}
		p.emit(bpf.LoadAbsolute{Off: off, Size: 4})
		p.rejectUnless(addr)
		return nil
	}
	return fmt.Errorf("unsupported expression %q", strings.Join(words, " "))
}

// link appends the accept and reject returns and points every reject jump at
// the latter.
func (p *program) link(snapLen uint32) []bpf.Instruction {
	accept := len(p.insns)
	p.emit(bpf.RetConstant{Val: snapLen})
	p.emit(bpf.RetConstant{Val: 0})
	reject := accept + 1
	for _, at := range p.rejects {
		j := p.insns[at].(bpf.JumpIf)
		j.SkipTrue = uint8(reject - at - 1)
		p.insns[at] = j
	}
	return p.insns
}

func parseIPv4(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("invalid ipv4 address %q", s)
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
