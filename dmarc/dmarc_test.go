package dmarc

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/spf"
)

func TestParseRecordErrors(t *testing.T) {
	tests := []struct {
		record  string
		isDMARC bool
	}{
		{"", false},
		{"v=", false},
		{"v=DMARC12", false},
		{"v=DMARC1", false},
		{"v=dmarc1; p=none", false},
		{"v=DMARC1 p=none", false},
		{"v=spf1 -all", false},
		{"v=DMARC1;", true},
		{"v=DMARC1; sp=invalid", true},
		{"v=DMARC1; sp=reject; p=reject", true},
		{"v=DMARC1; adkim=r; p=none", true},
		{"v=DMARC1; p=none; p=none", true},
		{"v=DMARC1; p=none; P=reject", true},
		{"v=DMARC1;;", true},
		{"v=DMARC1; p=none; bogus;", true},
		{"v=DMARC1; adkim=x", true},
		{"v=DMARC1; aspf=123", true},
		{"v=DMARC1; ri=", true},
		{"v=DMARC1; ri=-1", true},
		{"v=DMARC1; ri=99999999999999999999999999999999999999", true},
		{"v=DMARC1; ri=123bad", true},
		{"v=DMARC1; fo=", true},
		{"v=DMARC1; fo=01", true},
		{"v=DMARC1; fo=bad", true},
		{"v=DMARC1; rf=", true},
		{"v=DMARC1; rf=bad-trailing-dash-", true},
		{"v=DMARC1; rf=bad.non-alphadigitdash", true},
		{"v=DMARC1; p=badvalue; rua=mailto:agg@example.com", true},
		{"v=DMARC1; rua=mailto:agg@example.com", true},
		{"v=DMARC1; p=reject; sp=invalid; rua=mailto:agg@example.com", true},
		{"v=DMARC1; pct=50", true},
		{"v=DMARC1; sp=", true},
		{"v=DMARC1; pct=110", true},
		{"v=DMARC1; pct=bogus", true},
		{"v=DMARC1; pct=", true},
		{"v=DMARC1; rua=", true},
		{"v=DMARC1; rua=bogus", true},
		{"v=DMARC1; rua=mailto:agg@example.com!", true},
		{"v=DMARC1; rua=mailto:agg@example.com!10p", true},
		{"v=DMARC1; rua=mailto:agg@example.com!99999999999999999999999999999", true},
	}
	for _, tt := range tests {
		record, isDMARC, err := ParseRecord(tt.record)
		if err == nil || !errors.Is(err, ErrSyntax) {
			t.Errorf("ParseRecord(%q) = %+v, %v; want syntax error", tt.record, record, err)
		}
		if isDMARC != tt.isDMARC {
			t.Errorf("ParseRecord(%q): isDMARC = %v, want %v", tt.record, isDMARC, tt.isDMARC)
		}
	}
}

func TestParseRecord(t *testing.T) {
	// with returns DefaultRecord with fn applied.
	with := func(fn func(r *Record)) Record {
		r := DefaultRecord
		fn(&r)
		return r
	}

	tests := []struct {
		record string
		want   Record
	}{
		{"v=DMARC1; p=none;", with(func(r *Record) { r.Policy = PolicyNone })},
		{"v=DMARC1; P=REJECT; ADKIM=S", with(func(r *Record) {
			r.Policy = PolicyReject
			r.ADKIM = AlignStrict
		})},
		{"v=DMARC1 ; p = quarantine ; aspf = s ; unknown=value", with(func(r *Record) {
			r.Policy = PolicyQuarantine
			r.ASPF = AlignStrict
		})},
		{"v=DMARC1; p=quarantine; rua=mailto:agg@example.com,mailto:dmarc@thirdparty.example!10m; pct=25", with(func(r *Record) {
			r.Policy = PolicyQuarantine
			r.AggregateReportAddresses = []URI{
				{Address: "mailto:agg@example.com"},
				{Address: "mailto:dmarc@thirdparty.example", MaxSize: 10, Unit: "m"},
			}
			r.Percentage = 25
		})},
		{
			"V = DMARC1 ; P = reject ;\tSP=none; unknown \t=\t future-value \t ; adkim=s; aspf=s; " +
				"rua=mailto:agg@example.com  ,\t\tmailto:dmarc@thirdparty.example!10m; " +
				"RUF=mailto:fail@example.com  ,\t\tmailto:dmarc@thirdparty.example!0G; " +
				"RI = 123; FO = 0:1:d:s ; RF= afrf : other; Pct = 0",
			Record{
				Version:         "DMARC1",
				Policy:          PolicyReject,
				SubdomainPolicy: PolicyNone,
				ADKIM:           AlignStrict,
				ASPF:            AlignStrict,
				AggregateReportAddresses: []URI{
					{Address: "mailto:agg@example.com"},
					{Address: "mailto:dmarc@thirdparty.example", MaxSize: 10, Unit: "m"},
				},
				FailureReportAddresses: []URI{
					{Address: "mailto:fail@example.com"},
					{Address: "mailto:dmarc@thirdparty.example", MaxSize: 0, Unit: "g"},
				},
				AggregateReportingInterval: 123,
				FailureReportingOptions:    []string{"0", "1", "d", "s"},
				ReportingFormat:            []string{"afrf", "other"},
				Percentage:                 0,
			},
		},
	}
	for _, tt := range tests {
		record, isDMARC, err := ParseRecord(tt.record)
		if err != nil || !isDMARC {
			t.Errorf("ParseRecord(%q): isDMARC %v, err %v", tt.record, isDMARC, err)
			continue
		}
		if !reflect.DeepEqual(*record, tt.want) {
			t.Errorf("ParseRecord(%q):\ngot  %+v\nwant %+v", tt.record, *record, tt.want)
		}
	}
}

func TestParseRecordFallback(t *testing.T) {
	rua := []URI{{Address: "mailto:agg@example.com"}}
	for _, s := range []string{
		"v=DMARC1; rua=mailto:agg@example.com",
		"v=DMARC1; p=reject; sp=invalid; rua=mailto:agg@example.com",
	} {
		record, isDMARC, err := ParseRecordFallback(s)
		if err != nil || !isDMARC {
			t.Errorf("ParseRecordFallback(%q): isDMARC %v, err %v", s, isDMARC, err)
			continue
		}
		if record.Policy != PolicyNone || record.SubdomainPolicy != PolicyEmpty || !reflect.DeepEqual(record.AggregateReportAddresses, rua) {
			t.Errorf("ParseRecordFallback(%q) = %+v, want p=none with rua", s, record)
		}
	}

	for _, s := range []string{
		"v=DMARC1; pct=50",
		"v=DMARC1; p=reject; sp=invalid",
		"v=DMARC1; p=badvalue; rua=mailto:agg@example.com",
	} {
		if _, _, err := ParseRecordFallback(s); !errors.Is(err, ErrSyntax) {
			t.Errorf("ParseRecordFallback(%q): err %v, want syntax error", s, err)
		}
	}

	record, _, err := ParseRecordFallback("v=DMARC1; p=quarantine; rua=mailto:agg@example.com")
	if err != nil || record.Policy != PolicyQuarantine {
		t.Errorf("explicit policy: got %+v, %v", record, err)
	}
}

func TestEffectivePolicy(t *testing.T) {
	r := &Record{Policy: PolicyReject, SubdomainPolicy: PolicyNone}
	if got := r.EffectivePolicy(false); got != PolicyReject {
		t.Errorf("domain: got %v, want reject", got)
	}
	if got := r.EffectivePolicy(true); got != PolicyNone {
		t.Errorf("subdomain: got %v, want none", got)
	}
	r.SubdomainPolicy = PolicyEmpty
	if got := r.EffectivePolicy(true); got != PolicyReject {
		t.Errorf("subdomain without sp: got %v, want reject", got)
	}
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"v=DMARC1; p=none", map[string]string{"v": "DMARC1", "p": "none"}},
		{" V = DMARC1 ;P=Reject; ", map[string]string{"v": "DMARC1", "p": "Reject"}},
		{"v=DMARC1; bogus; p=none; p=reject", map[string]string{"v": "DMARC1", "p": "none"}},
		{"rua=mailto:a@example.com,mailto:b@example.com!10m", map[string]string{"rua": "mailto:a@example.com,mailto:b@example.com!10m"}},
		{"", map[string]string{}},
	}
	for _, tt := range tests {
		if got := ParseTags(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseTags(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAlignment(t *testing.T) {
	orgs := map[string]string{
		"example.com":          "example.com",
		"Mail.Example.COM.":    "example.com",
		"deep.sub.example.com": "example.com",
		"sub.example.co.uk":    "example.co.uk",
		"localhost":            "localhost",
		"":                     "",
	}
	for domain, want := range orgs {
		if got := OrganizationalDomain(domain); got != want {
			t.Errorf("OrganizationalDomain(%q) = %q, want %q", domain, got, want)
		}
	}

	tests := []struct {
		a, b string
		mode Align
		want bool
	}{
		{"example.com", "example.com", AlignStrict, true},
		{"Example.COM", "example.com.", AlignStrict, true},
		{"sub.example.com", "example.com", AlignStrict, false},
		{"sub.example.com", "example.com", AlignRelaxed, true},
		{"a.example.com", "b.example.com", AlignRelaxed, true},
		{"example.com", "other.com", AlignRelaxed, false},
		{"example.co.uk", "other.co.uk", AlignRelaxed, false},
	}
	for _, tt := range tests {
		if got := DomainsAligned(tt.a, tt.b, tt.mode); got != tt.want {
			t.Errorf("DomainsAligned(%q, %q, %s) = %v, want %v", tt.a, tt.b, tt.mode, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.simple.example.":    {"v=DMARC1; p=none;"},
			"_dmarc.mixed.example.":     {"other record", "v=DMARC1; p=quarantine"},
			"_dmarc.multiple.example.":  {"v=DMARC1; p=none;", "v=DMARC1; p=reject"},
			"_dmarc.malformed.example.": {"v=DMARC1; p=none; bogus;"},
			"_dmarc.example.com.":       {"v=DMARC1; p=reject"},
		},
		Fail:      []string{"txt _dmarc.temperror.example."},
		Authentic: []string{"txt _dmarc.simple.example."},
	}

	tests := []struct {
		domain     string
		wantStatus Status
		wantDomain string
		wantPolicy Policy
		wantTXT    string
		wantErr    error
		authentic  bool
	}{
		{"simple.example", StatusNone, "simple.example", PolicyNone, "v=DMARC1; p=none;", nil, true},
		{"Simple.Example.", StatusNone, "simple.example", PolicyNone, "v=DMARC1; p=none;", nil, true},
		{"mixed.example", StatusNone, "mixed.example", PolicyQuarantine, "v=DMARC1; p=quarantine", nil, false},
		{"mail.example.com", StatusNone, "example.com", PolicyReject, "v=DMARC1; p=reject", nil, false},
		{"absent.example", StatusNone, "absent.example", "", "", ErrNoRecord, false},
		{"multiple.example", StatusNone, "multiple.example", "", "", ErrMultipleRecords, false},
		{"malformed.example", StatusPermerror, "malformed.example", "", "v=DMARC1; p=none; bogus;", ErrSyntax, false},
		{"temperror.example", StatusTemperror, "temperror.example", "", "", ErrDNS, false},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			status, domain, record, txt, authentic, err := Lookup(context.Background(), resolver, tt.domain)
			if status != tt.wantStatus || domain != tt.wantDomain || txt != tt.wantTXT {
				t.Errorf("got %v %q %q, want %v %q %q", status, domain, txt, tt.wantStatus, tt.wantDomain, tt.wantTXT)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if authentic != tt.authentic {
				t.Errorf("authentic = %v, want %v", authentic, tt.authentic)
			}
			switch {
			case tt.wantPolicy == "" && record != nil:
				t.Errorf("unexpected record %+v", record)
			case tt.wantPolicy != "" && (record == nil || record.Policy != tt.wantPolicy):
				t.Errorf("record = %+v, want policy %s", record, tt.wantPolicy)
			}
		})
	}
}

func TestLookupExternalReportsAccepted(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com._report._dmarc.simple.example.":    {"v=DMARC1"},
			"example.com._report._dmarc.simple2.example.":   {"v=DMARC1;"},
			"example.com._report._dmarc.one.example.":       {"v=DMARC1; p=none;", "other"},
			"example.com._report._dmarc.multiple.example.":  {"v=DMARC1; p=none;", "v=DMARC1"},
			"example.com._report._dmarc.malformed.example.": {"v=DMARC1; p=none; bogus;"},
			"example.com._report._dmarc.other.example.":     {"unrelated"},
		},
		Fail: []string{"txt example.com._report._dmarc.temperror.example."},
	}

	tests := []struct {
		dmarcDomain string
		extDomain   string
		want        bool
		wantStatus  Status
		wantErr     error
	}{
		{"example.com", "simple.example", true, StatusNone, nil},
		{"example.com", "simple2.example", true, StatusNone, nil},
		{"example.com", "one.example", true, StatusNone, nil},
		{"example.com", "multiple.example", true, StatusNone, nil},
		{"other.com", "simple.example", false, StatusNone, ErrNoRecord},
		{"example.com", "absent.example", false, StatusNone, ErrNoRecord},
		{"example.com", "other.example", false, StatusNone, ErrNoRecord},
		{"example.com", "malformed.example", false, StatusPermerror, ErrSyntax},
		{"example.com", "temperror.example", false, StatusTemperror, ErrDNS},
	}
	for _, tt := range tests {
		accepts, status, err := LookupExternalReportsAccepted(context.Background(), resolver, tt.dmarcDomain, tt.extDomain)
		if accepts != tt.want || status != tt.wantStatus || !errors.Is(err, tt.wantErr) {
			t.Errorf("%s at %s: got %v %v %v, want %v %v %v",
				tt.dmarcDomain, tt.extDomain, accepts, status, err, tt.want, tt.wantStatus, tt.wantErr)
		}
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.reject.example.":    {"v=DMARC1; p=reject"},
			"_dmarc.none.example.":      {"v=DMARC1; p=none"},
			"_dmarc.strict.example.":    {"v=DMARC1; p=reject; adkim=s; aspf=s"},
			"_dmarc.subpolicy.example.": {"v=DMARC1; p=reject; sp=quarantine"},
			"_dmarc.pct0.example.":      {"v=DMARC1; p=reject; pct=0"},
			"_dmarc.example.com.":       {"v=DMARC1; p=reject"},
		},
		Fail: []string{"txt _dmarc.temperror.example."},
	}, nil)

	pass := func(domain string) []dkim.Result {
		return []dkim.Result{{Status: dkim.StatusPass, Signature: &dkim.Signature{Domain: domain}}}
	}
	fail := func(domain string) []dkim.Result {
		return []dkim.Result{{Status: dkim.StatusFail, Signature: &dkim.Signature{Domain: domain}}}
	}
	temperror := []dkim.Result{{Status: dkim.StatusTemperror}}

	tests := []struct {
		name            string
		from            string
		spf             spf.Result
		dkim            []dkim.Result
		wantStatus      Status
		wantDisposition Policy
		wantSPF         bool
		wantDKIM        bool
	}{
		{"no authentication", "reject.example", spf.Result{Status: spf.StatusNone}, nil, StatusFail, PolicyReject, false, false},
		{"dkim aligned", "reject.example", spf.Result{Status: spf.StatusFail, Domain: "reject.example"}, pass("reject.example"), StatusPass, PolicyNone, false, true},
		{"spf aligned", "reject.example", spf.Result{Status: spf.StatusPass, Domain: "reject.example"}, fail("reject.example"), StatusPass, PolicyNone, true, false},
		{"both fail", "reject.example", spf.Result{Status: spf.StatusFail, Domain: "reject.example"}, fail("reject.example"), StatusFail, PolicyReject, false, false},
		{"spf relaxed", "reject.example", spf.Result{Status: spf.StatusPass, Domain: "bounce.reject.example"}, nil, StatusPass, PolicyNone, true, false},
		{"dkim relaxed", "reject.example", spf.Result{}, pass("mail.reject.example"), StatusPass, PolicyNone, false, true},
		{"spf unrelated domain", "reject.example", spf.Result{Status: spf.StatusPass, Domain: "other.example"}, nil, StatusFail, PolicyReject, false, false},
		{"spf strict", "strict.example", spf.Result{Status: spf.StatusPass, Domain: "bounce.strict.example"}, nil, StatusFail, PolicyReject, false, false},
		{"dkim strict", "strict.example", spf.Result{}, pass("mail.strict.example"), StatusFail, PolicyReject, false, false},
		{"policy none", "none.example", spf.Result{Status: spf.StatusFail, Domain: "none.example"}, nil, StatusFail, PolicyNone, false, false},
		{"subdomain policy", "mail.subpolicy.example", spf.Result{Status: spf.StatusFail}, nil, StatusFail, PolicyQuarantine, false, false},
		{"pct does not sample", "pct0.example", spf.Result{Status: spf.StatusFail}, nil, StatusFail, PolicyReject, false, false},
		{"no record", "absent.example", spf.Result{Status: spf.StatusPass, Domain: "absent.example"}, nil, StatusNone, PolicyNone, false, false},
		{"dns failure", "temperror.example", spf.Result{}, nil, StatusTemperror, PolicyNone, false, false},
		{"spf temperror", "reject.example", spf.Result{Status: spf.StatusTemperror, Domain: "reject.example"}, nil, StatusTemperror, PolicyNone, false, false},
		{"dkim temperror", "reject.example", spf.Result{Status: spf.StatusFail}, temperror, StatusTemperror, PolicyNone, false, false},
		{"temperror with aligned pass", "reject.example", spf.Result{Status: spf.StatusTemperror}, pass("reject.example"), StatusPass, PolicyNone, false, true},
		{"dkim by public suffix", "example.com", spf.Result{}, pass("com"), StatusFail, PolicyReject, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(context.Background(), "Sender <user@"+tt.from+">", tt.spf, dkim.Summary{Results: tt.dkim})
			if res.Status != tt.wantStatus || res.Disposition != tt.wantDisposition {
				t.Errorf("got %v/%v, want %v/%v", res.Status, res.Disposition, tt.wantStatus, tt.wantDisposition)
			}
			if res.AlignedSPFPass != tt.wantSPF || res.AlignedDKIMPass != tt.wantDKIM {
				t.Errorf("aligned spf/dkim = %v/%v, want %v/%v", res.AlignedSPFPass, res.AlignedDKIMPass, tt.wantSPF, tt.wantDKIM)
			}
		})
	}
}

func TestEvaluatorRecordDetails(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.":       {"v=DMARC1; p=quarantine; sp=reject; rua=mailto:agg@example.com"},
			"_dmarc.malformed.example.": {"v=DMARC1; pct=50"},
			"_dmarc.ruaonly.example.":   {"v=DMARC1; rua=mailto:agg@ruaonly.example"},
		},
	}
	ctx := context.Background()

	res := NewEvaluator(resolver, nil).Evaluate(ctx, "alice@mail.example.com",
		spf.Result{Status: spf.StatusSoftfail, Domain: "mail.example.com"}, dkim.Summary{})
	if res.Domain != "example.com" || res.Policy != PolicyReject {
		t.Errorf("got domain %q policy %v, want example.com reject", res.Domain, res.Policy)
	}
	want := map[string]string{"v": "DMARC1", "p": "quarantine", "sp": "reject", "rua": "mailto:agg@example.com"}
	if !reflect.DeepEqual(res.Tags, want) {
		t.Errorf("tags = %v, want %v", res.Tags, want)
	}

	for _, permerror := range []bool{false, true} {
		e := &Evaluator{Resolver: resolver, MalformedAsPermerror: permerror}
		res := e.Evaluate(ctx, "bob@malformed.example", spf.Result{Status: spf.StatusPass, Domain: "malformed.example"}, dkim.Summary{})
		wantStatus := StatusNone
		if permerror {
			wantStatus = StatusPermerror
		}
		if res.Status != wantStatus || res.Disposition != PolicyNone {
			t.Errorf("malformed, permerror=%v: got %v/%v", permerror, res.Status, res.Disposition)
		}
		if res.Tags["pct"] != "50" {
			t.Errorf("malformed tags = %v", res.Tags)
		}
	}

	tests := []struct {
		permerror, fallback bool
		wantStatus          Status
		wantDisposition     Policy
	}{
		{false, false, StatusNone, PolicyNone},
		{true, false, StatusPermerror, PolicyNone},
		{false, true, StatusFail, PolicyNone},
		{true, true, StatusFail, PolicyNone},
	}
	for _, tt := range tests {
		e := &Evaluator{Resolver: resolver, MalformedAsPermerror: tt.permerror, RUAFallback: tt.fallback}
		res := e.Evaluate(ctx, "carol@ruaonly.example", spf.Result{Status: spf.StatusFail, Domain: "ruaonly.example"}, dkim.Summary{})
		if res.Status != tt.wantStatus || res.Disposition != tt.wantDisposition {
			t.Errorf("missing p=, permerror=%v fallback=%v: got %v/%v, want %v/%v",
				tt.permerror, tt.fallback, res.Status, res.Disposition, tt.wantStatus, tt.wantDisposition)
		}
	}

	if res := NewEvaluator(resolver, nil).Evaluate(ctx, "", spf.Result{}, dkim.Summary{}); res.Status != StatusNone {
		t.Errorf("empty from: got %v, want none", res.Status)
	}
}
