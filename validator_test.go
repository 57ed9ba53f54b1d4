package mailguard

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dmarc"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/spf"
)

const testMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <m1@example.com>\r\n" +
	"\r\n" +
	"Hello Bob.\r\n"

func testResolver(t *testing.T) (dns.MockResolver, []byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer := &dkim.Signer{
		Domain:                 "example.com",
		Selector:               "sel",
		PrivateKey:             priv,
		Headers:                []string{"From", "To", "Subject", "Message-ID"},
		HeaderCanonicalization: dkim.CanonRelaxed,
		BodyCanonicalization:   dkim.CanonRelaxed,
	}
	header, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":                {"v=spf1 ip4:192.0.2.0/24 -all"},
			"other.example.":              {"v=spf1 ip4:198.51.100.7 -all"},
			"_dmarc.example.com.":         {"v=DMARC1; p=reject; rua=mailto:dmarc@example.com"},
			"sel._domainkey.example.com.": {"v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)},
		},
		Queries: &dns.QueryLog{},
	}
	return resolver, []byte(header + testMessage)
}

func TestValidate(t *testing.T) {
	resolver, signed := testResolver(t)

	tests := []struct {
		name        string
		strict      bool
		msg         Message
		ip          string
		wantSPF     spf.Status
		wantDKIM    dkim.Status
		wantDMARC   dmarc.Status
		wantOverall Overall
	}{
		{
			name:        "spf aligned pass",
			msg:         Message{ID: "1", From: "alice@example.com", Raw: []byte(testMessage)},
			ip:          "192.0.2.10",
			wantSPF:     spf.StatusPass,
			wantDKIM:    dkim.StatusNone,
			wantDMARC:   dmarc.StatusPass,
			wantOverall: OverallPass,
		},
		{
			name:        "nothing passes",
			msg:         Message{ID: "2", From: "alice@example.com", Raw: []byte(testMessage)},
			ip:          "203.0.113.5",
			wantSPF:     spf.StatusFail,
			wantDKIM:    dkim.StatusNone,
			wantDMARC:   dmarc.StatusFail,
			wantOverall: OverallFail,
		},
		{
			name:        "dkim aligned pass",
			msg:         Message{ID: "3", From: "alice@example.com", Raw: signed},
			ip:          "203.0.113.5",
			wantSPF:     spf.StatusFail,
			wantDKIM:    dkim.StatusPass,
			wantDMARC:   dmarc.StatusPass,
			wantOverall: OverallPass,
		},
		{
			name:        "unaligned spf pass",
			msg:         Message{ID: "4", From: "alice@example.com", MailFrom: "bounce@other.example", Raw: []byte(testMessage)},
			ip:          "198.51.100.7",
			wantSPF:     spf.StatusPass,
			wantDKIM:    dkim.StatusNone,
			wantDMARC:   dmarc.StatusFail,
			wantOverall: OverallPass,
		},
		{
			name:        "unaligned spf pass strict",
			strict:      true,
			msg:         Message{ID: "5", From: "alice@example.com", MailFrom: "bounce@other.example", Raw: []byte(testMessage)},
			ip:          "198.51.100.7",
			wantSPF:     spf.StatusPass,
			wantDKIM:    dkim.StatusNone,
			wantDMARC:   dmarc.StatusFail,
			wantOverall: OverallFail,
		},
		{
			name:        "from read from headers",
			msg:         Message{Raw: []byte(testMessage)},
			ip:          "192.0.2.10",
			wantSPF:     spf.StatusPass,
			wantDKIM:    dkim.StatusNone,
			wantDMARC:   dmarc.StatusPass,
			wantOverall: OverallPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(resolver, Config{Enabled: true, StrictMode: tt.strict})
			got := v.Validate(context.Background(), tt.msg, net.ParseIP(tt.ip))

			if got.SPF.Status != tt.wantSPF {
				t.Errorf("SPF = %s, want %s (%s)", got.SPF.Status, tt.wantSPF, got.SPF.Details)
			}
			if got.DKIM.Status != tt.wantDKIM {
				t.Errorf("DKIM = %s, want %s (%s)", got.DKIM.Status, tt.wantDKIM, got.DKIM.Details)
			}
			if got.DMARC.Status != tt.wantDMARC {
				t.Errorf("DMARC = %s, want %s (%s)", got.DMARC.Status, tt.wantDMARC, got.DMARC.Details)
			}
			if got.Overall != tt.wantOverall {
				t.Errorf("Overall = %s, want %s", got.Overall, tt.wantOverall)
			}
			if got.FromDomain() != "example.com" {
				t.Errorf("FromDomain() = %q, want example.com", got.FromDomain())
			}
			if got.MessageID == "" {
				t.Error("MessageID is empty")
			}
			if got.StartedAt.IsZero() || got.FinishedAt.Before(got.StartedAt) {
				t.Errorf("bad timing: started %v, finished %v", got.StartedAt, got.FinishedAt)
			}
		})
	}
}

func TestValidateDMARCDetails(t *testing.T) {
	resolver, signed := testResolver(t)
	v := New(resolver, Config{Enabled: true})

	got := v.Validate(context.Background(), Message{ID: "x", From: "alice@example.com", Raw: signed}, net.ParseIP("203.0.113.5"))
	if got.DKIM.Domain != "example.com" || got.DKIM.Selector != "sel" {
		t.Errorf("DKIM domain/selector = %q/%q", got.DKIM.Domain, got.DKIM.Selector)
	}
	if !got.DMARC.AlignedDKIM || got.DMARC.AlignedSPF {
		t.Errorf("alignment spf=%v dkim=%v, want dkim only", got.DMARC.AlignedSPF, got.DMARC.AlignedDKIM)
	}
	if got.DMARC.Policy != dmarc.PolicyReject || got.DMARC.Disposition != dmarc.PolicyNone {
		t.Errorf("policy/disposition = %s/%s, want reject/none", got.DMARC.Policy, got.DMARC.Disposition)
	}
	if got.DMARC.PolicyMap["rua"] != "mailto:dmarc@example.com" {
		t.Errorf("PolicyMap = %v", got.DMARC.PolicyMap)
	}
	if got.SPF.Record != "v=spf1 ip4:192.0.2.0/24 -all" {
		t.Errorf("SPF.Record = %q", got.SPF.Record)
	}
}

func TestValidateDisabled(t *testing.T) {
	resolver, _ := testResolver(t)
	v := New(resolver, Config{Enabled: false})

	got := v.Validate(context.Background(), Message{ID: "1", From: "alice@example.com"}, net.ParseIP("192.0.2.10"))
	if got.Overall != OverallDisabled {
		t.Fatalf("Overall = %s, want %s", got.Overall, OverallDisabled)
	}
	if n := resolver.Queries.Len(); n != 0 {
		t.Errorf("disabled validator made %d DNS queries", n)
	}
}

// panicResolver fails every TXT lookup with a panic.
type panicResolver struct {
	dns.MockResolver
}

func (panicResolver) LookupTXT(context.Context, string) (dns.Result[string], error) {
	panic("resolver exploded")
}

func TestValidateErrors(t *testing.T) {
	resolver, _ := testResolver(t)

	t.Run("panic", func(t *testing.T) {
		v := New(panicResolver{}, Config{Enabled: true})
		got := v.Validate(context.Background(), Message{ID: "1", From: "alice@example.com"}, net.ParseIP("192.0.2.10"))
		if got.Overall != OverallError {
			t.Fatalf("Overall = %s, want %s", got.Overall, OverallError)
		}
		if !strings.Contains(got.Error, "resolver exploded") {
			t.Errorf("Error = %q", got.Error)
		}
		if got.FinishedAt.IsZero() {
			t.Error("FinishedAt not set")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		v := New(resolver, Config{Enabled: true})
		got := v.Validate(ctx, Message{ID: "1", From: "alice@example.com", Raw: []byte(testMessage)}, net.ParseIP("192.0.2.10"))
		if got.Overall != OverallError {
			t.Fatalf("Overall = %s, want %s", got.Overall, OverallError)
		}
		if !strings.Contains(got.Error, "context canceled") {
			t.Errorf("Error = %q", got.Error)
		}
	})

	t.Run("no from", func(t *testing.T) {
		v := New(resolver, Config{Enabled: true})
		got := v.Validate(context.Background(), Message{ID: "1", Raw: []byte("Subject: x\r\n\r\nbody\r\n")}, net.ParseIP("192.0.2.10"))
		if got.Overall != OverallError || got.Error != ErrNoFromAddress.Error() {
			t.Errorf("got %s %q, want ERROR %q", got.Overall, got.Error, ErrNoFromAddress)
		}
	})
}

func TestValidateSink(t *testing.T) {
	resolver, _ := testResolver(t)

	var (
		mu    sync.Mutex
		saved []Verdict
	)
	sink := SinkFunc(func(ctx context.Context, v Verdict) error {
		if ctx.Err() != nil {
			t.Errorf("sink called with done context")
		}
		mu.Lock()
		saved = append(saved, v)
		mu.Unlock()
		return nil
	})
	v := New(resolver, Config{Enabled: true}, WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msgs := []struct {
		ctx context.Context
		msg Message
	}{
		{context.Background(), Message{ID: "a", From: "alice@example.com", Raw: []byte(testMessage)}},
		{ctx, Message{ID: "b", From: "alice@example.com", Raw: []byte(testMessage)}},
	}
	for _, m := range msgs {
		got := v.Validate(m.ctx, m.msg, net.ParseIP("192.0.2.10"))
		if got.DMARC.PolicyMap != nil {
			got.DMARC.PolicyMap["p"] = "changed"
		}
	}

	if len(saved) != 2 {
		t.Fatalf("sink got %d verdicts, want 2", len(saved))
	}
	if saved[0].MessageID != "a" || saved[0].Overall != OverallPass {
		t.Errorf("first verdict = %s %s", saved[0].MessageID, saved[0].Overall)
	}
	if saved[0].DMARC.PolicyMap["p"] != "reject" {
		t.Errorf("stored policy map shares state with returned verdict: %v", saved[0].DMARC.PolicyMap)
	}
	if saved[1].Overall != OverallError {
		t.Errorf("second verdict = %s, want ERROR", saved[1].Overall)
	}
}

func TestAuthenticationResults(t *testing.T) {
	resolver, signed := testResolver(t)
	v := New(resolver, Config{Enabled: true})

	got := v.Validate(context.Background(), Message{ID: "1", From: "alice@example.com", Raw: signed}, net.ParseIP("192.0.2.10"))
	header := got.AuthenticationResults("mx.example.net")
	for _, want := range []string{"mx.example.net", "spf=pass", "dkim=pass", "dmarc=pass", "example.com"} {
		if !strings.Contains(header, want) {
			t.Errorf("header %q does not contain %q", header, want)
		}
	}

	disabled := Verdict{Overall: OverallDisabled}
	if h := disabled.AuthenticationResults("mx.example.net"); strings.Contains(h, "spf=") {
		t.Errorf("disabled verdict header %q reports spf", h)
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		spf    spf.Status
		dkim   dkim.Status
		dmarc  dmarc.Status
		strict bool
		want   Overall
	}{
		{spf.StatusFail, dkim.StatusFail, dmarc.StatusPass, true, OverallPass},
		{spf.StatusPass, dkim.StatusNone, dmarc.StatusFail, true, OverallFail},
		{spf.StatusPass, dkim.StatusNone, dmarc.StatusFail, false, OverallPass},
		{spf.StatusFail, dkim.StatusPass, dmarc.StatusNone, true, OverallPass},
		{spf.StatusSoftfail, dkim.StatusNone, dmarc.StatusNone, false, OverallFail},
		{spf.StatusTemperror, dkim.StatusTemperror, dmarc.StatusTemperror, true, OverallFail},
	}
	for _, tt := range tests {
		v := Verdict{
			SPF:   SPFOutcome{Status: tt.spf},
			DKIM:  DKIMOutcome{Status: tt.dkim},
			DMARC: DMARCOutcome{Status: tt.dmarc},
		}
		if got := overall(v, tt.strict); got != tt.want {
			t.Errorf("overall(%s, %s, %s, strict=%v) = %s, want %s", tt.spf, tt.dkim, tt.dmarc, tt.strict, got, tt.want)
		}
	}
}
