package spf

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Record parsing errors. Every parse error also matches ErrRecordSyntax.
var (
	ErrRecordSyntax     = errors.New("spf: malformed SPF record")
	ErrInvalidMechanism = errors.New("spf: invalid mechanism")
	ErrInvalidCIDR      = errors.New("spf: invalid CIDR length")
	ErrInvalidIP        = errors.New("spf: invalid IP address")
)

// Record is a parsed SPF policy, e.g. "v=spf1 +mx a:colo.example.com/28 -all".
type Record struct {
	Version    string
	Directives []Directive

	Redirect    string // redirect= modifier
	Explanation string // exp= modifier

	// Other holds unknown modifiers, which are ignored by evaluation.
	Other []Modifier
}

// Directive is a mechanism with its qualifier.
type Directive struct {
	Qualifier string // "", "+", "-", "~" or "?"
	Mechanism string // lower case

	// DomainSpec is the target of include, exists, a, mx and ptr. Empty
	// means the domain being evaluated.
	DomainSpec string

	// Prefix is the network of ip4 and ip6.
	Prefix netip.Prefix

	// IP4Len and IP6Len are the dual-cidr-length of a and mx.
	IP4Len int
	IP6Len int
}

// String formats d as it would appear in a record.
func (d Directive) String() string {
	s := d.Qualifier + d.Mechanism
	switch d.Mechanism {
	case "ip4", "ip6":
		return s + ":" + d.Prefix.String()
	}
	if d.DomainSpec != "" {
		s += ":" + d.DomainSpec
	}
	if d.Mechanism == "a" || d.Mechanism == "mx" {
		if d.IP4Len != 32 {
			s += "/" + strconv.Itoa(d.IP4Len)
		}
		if d.IP6Len != 128 {
			s += "//" + strconv.Itoa(d.IP6Len)
		}
	}
	return s
}

// Modifier is an unknown name=value term.
type Modifier struct {
	Key   string
	Value string
}

// ParseRecord parses an SPF TXT record. isSPF reports whether s starts with
// "v=spf1" followed by whitespace or the end of the string; other TXT
// strings return isSPF false and no error. Terms are separated by runs of
// spaces or tabs.
func ParseRecord(s string) (record *Record, isSPF bool, err error) {
	const version = "v=spf1"
	if len(s) < len(version) || !strings.EqualFold(s[:len(version)], version) {
		return nil, false, nil
	}
	rest := s[len(version):]
	if rest != "" && !isWSP(rune(rest[0])) {
		return nil, false, nil
	}

	r := &Record{Version: "spf1"}
	for _, term := range strings.FieldsFunc(rest, isWSP) {
		if err := r.addTerm(term); err != nil {
			return nil, true, fmt.Errorf("%w: %q: %w", ErrRecordSyntax, term, err)
		}
	}
	return r, true, nil
}

func isWSP(c rune) bool {
	return c == ' ' || c == '\t'
}

func (r *Record) addTerm(term string) error {
	if i := strings.IndexAny(term, "=:/"); i >= 0 && term[i] == '=' {
		return r.addModifier(term[:i], term[i+1:])
	}
	d, err := parseDirective(term)
	if err != nil {
		return err
	}
	r.Directives = append(r.Directives, d)
	return nil
}

func (r *Record) addModifier(name, value string) error {
	if !isModifierName(name) {
		return fmt.Errorf("invalid modifier name %q", name)
	}
	var target *string
	switch strings.ToLower(name) {
	case "redirect":
		target = &r.Redirect
	case "exp":
		target = &r.Explanation
	default:
		if err := checkMacroString(value, true); err != nil {
			return err
		}
		r.Other = append(r.Other, Modifier{Key: name, Value: value})
		return nil
	}
	if *target != "" {
		return fmt.Errorf("duplicate %s modifier", strings.ToLower(name))
	}
	if err := checkDomainSpec(value, true); err != nil {
		return err
	}
	*target = value
	return nil
}

func parseDirective(term string) (Directive, error) {
	d := Directive{IP4Len: 32, IP6Len: 128}
	if strings.ContainsRune("+-~?", rune(term[0])) {
		d.Qualifier, term = term[:1], term[1:]
	}

	// term is name[:arg][/cidr]
	name, rest := term, ""
	if i := strings.IndexAny(term, ":/"); i >= 0 {
		name, rest = term[:i], term[i:]
	}
	arg, hasArg := strings.CutPrefix(rest, ":")
	cidr := ""
	// "/" is a valid macro delimiter, so the cidr starts after the last macro.
	start := strings.LastIndexByte(rest, '}') + 1
	if i := strings.IndexByte(rest[start:], '/'); i >= 0 {
		i += start
		cidr = rest[i:]
		if hasArg {
			arg = rest[1:i]
		}
	}
	d.Mechanism = strings.ToLower(name)

	var err error
	switch d.Mechanism {
	case "all":
		if hasArg || cidr != "" {
			return d, errors.New("all takes no arguments")
		}
	case "include", "exists":
		if !hasArg || cidr != "" {
			return d, fmt.Errorf("%s requires a domain and no cidr length", d.Mechanism)
		}
		d.DomainSpec, err = arg, checkDomainSpec(arg, false)
	case "ptr":
		if cidr != "" {
			return d, errors.New("ptr takes no cidr length")
		}
		if hasArg {
			d.DomainSpec, err = arg, checkDomainSpec(arg, false)
		}
	case "a", "mx":
		if hasArg {
			if err := checkDomainSpec(arg, false); err != nil {
				return d, err
			}
			d.DomainSpec = arg
		}
		if cidr != "" {
			d.IP4Len, d.IP6Len, err = parseDualCIDR(cidr)
		}
	case "ip4", "ip6":
		if !hasArg {
			return d, fmt.Errorf("%w: %s requires an address", ErrInvalidIP, d.Mechanism)
		}
		d.Prefix, err = parseNetwork(d.Mechanism, arg, cidr)
	default:
		return d, fmt.Errorf("%w: %q", ErrInvalidMechanism, name)
	}
	return d, err
}

func parseNetwork(mechanism, addr, cidr string) (netip.Prefix, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil || ip.Zone() != "" || mechanism == "ip4" && !ip.Is4() || mechanism == "ip6" && !ip.Is6() {
		return netip.Prefix{}, fmt.Errorf("%w: %s:%s", ErrInvalidIP, mechanism, addr)
	}
	bits := ip.BitLen()
	if cidr != "" {
		if bits, err = parseCIDRLen(cidr[1:], bits); err != nil {
			return netip.Prefix{}, err
		}
	}
	return netip.PrefixFrom(ip, bits), nil
}

// parseDualCIDR parses "/n", "//m" or "/n//m".
func parseDualCIDR(s string) (ip4, ip6 int, err error) {
	ip4, ip6 = 32, 128
	v4, v6, hasV6 := strings.Cut(s, "//")
	if v4 != "" {
		if ip4, err = parseCIDRLen(strings.TrimPrefix(v4, "/"), 32); err != nil {
			return 0, 0, err
		}
	}
	if hasV6 {
		if ip6, err = parseCIDRLen(v6, 128); err != nil {
			return 0, 0, err
		}
	}
	return ip4, ip6, nil
}

// parseCIDRLen parses a decimal prefix length without leading zeros.
func parseCIDRLen(s string, limit int) (int, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" || len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > limit {
		return 0, fmt.Errorf("%w: %q exceeds %d", ErrInvalidCIDR, s, limit)
	}
	return n, nil
}

func isModifierName(s string) bool {
	for i, c := range s {
		alpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		if !alpha && (i == 0 || !(c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.')) {
			return false
		}
	}
	return s != ""
}

// checkDomainSpec validates a macro-string that must end in a macro or a
// valid top label (RFC 7208 section 7.1).
func checkDomainSpec(s string, allowSlash bool) error {
	if err := checkMacroString(s, allowSlash); err != nil {
		return err
	}
	for _, suffix := range []string{"%%", "%_", "%-", "}"} {
		if strings.HasSuffix(s, suffix) {
			return nil
		}
	}

	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	top := labels[len(labels)-1]
	if top == "" {
		return errors.New("empty top label")
	}
	if top[0] == '-' || top[len(top)-1] == '-' {
		return fmt.Errorf("top label %q starts or ends with a dash", top)
	}
	digits := 0
	for _, c := range top {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-':
		default:
			return fmt.Errorf("invalid character %q in top label", c)
		}
	}
	if digits == len(top) {
		return fmt.Errorf("top label %q is numeric", top)
	}
	return nil
}

// checkMacroString validates literals and macro expansions without
// expanding them.
func checkMacroString(s string, allowSlash bool) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			if c <= ' ' || c >= 0x7f || c == '/' && !allowSlash {
				return fmt.Errorf("invalid character %q", c)
			}
			continue
		}
		if i+1 == len(s) {
			return errors.New("trailing %")
		}
		i++
		switch s[i] {
		case '%', '_', '-':
			continue
		case '{':
		default:
			return fmt.Errorf("invalid escape %%%c", s[i])
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return errors.New("unterminated macro")
		}
		if err := checkMacro(s[i+1 : i+end]); err != nil {
			return err
		}
		i += end
	}
	return nil
}

// checkMacro validates the body of %{...}: a letter, an optional non-zero
// label count, an optional "r" and delimiters.
func checkMacro(m string) error {
	if m == "" || !strings.ContainsRune("slodiphcrtv", rune(m[0]|0x20)) {
		return fmt.Errorf("invalid macro %%{%s}", m)
	}
	rest := m[1:]
	digits := len(rest) - len(strings.TrimLeft(rest, "0123456789"))
	if digits > 0 {
		if n, err := strconv.Atoi(rest[:digits]); err != nil || n == 0 {
			return fmt.Errorf("invalid label count in macro %%{%s}", m)
		}
		rest = rest[digits:]
	}
	if rest != "" && rest[0]|0x20 == 'r' {
		rest = rest[1:]
	}
	if strings.Trim(rest, ".-+,/_=") != "" {
		return fmt.Errorf("invalid delimiter in macro %%{%s}", m)
	}
	return nil
}
