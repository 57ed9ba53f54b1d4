package dkim

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/synqronlabs/mailguard/dns"
)

func crlfText(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var testMessage = crlfText(`From: Alerts <alerts@example.com>
To: postmaster@example.org
Subject: Weekly digest
Date: Sat, 17 Oct 2026 09:00:00 +0000
Message-ID: <digest-42@example.com>
MIME-Version: 1.0
Content-Type: text/plain; charset=utf-8

Three new reports are ready.

Regards,
  the reporting robot
`)

func rsaRecord(t *testing.T, key *rsa.PrivateKey, extra string) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	return "v=DKIM1; k=rsa; " + extra + "p=" + base64.StdEncoding.EncodeToString(der)
}

func ed25519Record(pub ed25519.PublicKey, extra string) string {
	return "v=DKIM1; k=ed25519; " + extra + "p=" + base64.StdEncoding.EncodeToString(pub)
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return key
}

func sign(t *testing.T, s *Signer, message string) string {
	t.Helper()
	header, err := s.Sign([]byte(message))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return header + message
}

func verifyOne(t *testing.T, v *Verifier, message string) Result {
	t.Helper()
	results, err := v.Verify(context.Background(), []byte(message))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Verify() returned %d results, want 1", len(results))
	}
	return results[0]
}

func TestVerifyPublishedMessages(t *testing.T) {
	// A message signed by Postfix with simple/simple.
	postfix := crlfText(`Return-Path: <mechiel@ueber.net>
X-Original-To: mechiel@ueber.net
Delivered-To: mechiel@ueber.net
Received: from [IPV6:2a02:a210:4a3:b80:ca31:30ee:74a7:56e0] (unknown [IPv6:2a02:a210:4a3:b80:ca31:30ee:74a7:56e0])
	by koriander.ueber.net (Postfix) with ESMTPSA id E119EDEB0B
	for <mechiel@ueber.net>; Fri, 10 Dec 2021 20:09:08 +0100 (CET)
DKIM-Signature: v=1; a=rsa-sha256; c=simple/simple; d=ueber.net;
	s=koriander; t=1639163348;
	bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=;
	h=Date:To:From:Subject:From;
	b=rpWruWprs2TB7/MnulA2n2WtfUIfrrnAvRoSrip1ruX5ORN4AOYPPMmk/gGBDdc6O
	 grRpSsNzR9BrWcooYfbNfSbl04nPKMp0acsZGfpvkj0+mqk5b8lqZs3vncG1fHlQc7
	 0KXfnAHyEs7bjyKGbrw2XG1p/EDoBjIjUsdpdCAtamMGv3A3irof81oSqvwvi2KQks
	 17aB1YAL9Xzkq9ipo1aWvDf2W6h6qH94YyNocyZSVJ+SlVm3InNaF8APkV85wOm19U
	 9OW81eeuQbvSPcQZJVOmrWzp7XKHaXH0MYE3+hdH/2VtpCnPbh5Zj9SaIgVbaN6NPG
	 Ua0E07rwC86sg==
Message-ID: <427999f6-114f-e59c-631e-ab2a5f6bfe4c@ueber.net>
Date: Fri, 10 Dec 2021 20:09:08 +0100
MIME-Version: 1.0
User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:91.0) Gecko/20100101
 Thunderbird/91.4.0
Content-Language: nl
To: mechiel@ueber.net
From: Mechiel Lukkien <mechiel@ueber.net>
Subject: test
Content-Type: text/plain; charset=UTF-8; format=flowed
Content-Transfer-Encoding: 7bit

test
`)

	// RFC 8463 section A.3: the same message signed with Ed25519 and RSA.
	rfc8463 := crlfText(`DKIM-Signature: v=1; a=ed25519-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=brisbane; t=1528637909; h=from : to :
 subject : date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=/gCrinpcQOoIfuHNQIbq4pgh9kyIK3AQUdt9OdqQehSwhEIug4D11Bus
 Fa3bT3FY5OsU7ZbnKELq+eXdp1Q1Dw==
DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=test; t=1528637909; h=from : to : subject :
 date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=F45dVWDfMbQDGHJFlXUNB2HKfbCeLRyhDXgFpEL8GwpsRe0IeIixNTe3
 DhCVlUrSjV4BwcVcOF6+FF3Zo9Rpo1tFOeS9mPYQTnGdaSGsgeefOsk2Jz
 dA+L10TeYt9BgDfQNZtKdN1WO//KgIqXP7OdEFE4LjFYNcUxZQ4FADY+8=
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game.  Are you hungry yet?

Joe.

`)

	resolver := dns.MockResolver{TXT: map[string][]string{
		"koriander._domainkey.ueber.net.":           {"v=DKIM1; k=rsa; s=email; p=MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAy3Z9ffZe8gUTJrdGuKj6IwEembmKYpp0jMa8uhudErcI4gFVUaFiiRWxc4jP/XR9NAEv3XwHm+CVcHu+L/n6VWt6g59U7vHXQicMfKGmEp2VplsgojNy/Y5X9HdVYM0azsI47NcJCDW9UVfeOHdOSgFME4F8dNtUKC4KTB2d1pqj/yixz+V8Sv8xkEyPfSRHcNXIw0LvelqJ1MRfN3hO/3uQSVrPYYk4SyV0b6wfnkQs28fpiIpGQvzlGI5WkrdOQT5k4YHaEvZDLNdwiMeVZOEL7dDoFs2mQsovm+tH0StUAZTnr61NLVFfD5V6Ip1V9zVtspPHvYSuOWwyArFZ9QIDAQAB"},
		"brisbane._domainkey.football.example.com.": {"v=DKIM1; k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="},
		"test._domainkey.football.example.com.":     {"v=DKIM1; k=rsa; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQDkHlOQoBTzWRiGs5V6NpP3idY6Wk08a5qhdR6wy5bdOKb2jLQiY/J16JYi0Qvx/byYzCNb3W91y3FutACDfzwQ/BC/e/8uBsCR+yz1Lxj+PL6lHvqMKrM3rG4hstT5QjvHO9PzoxZyVYLzBfO2EeC3Ip3G+2kryOTIKT+l/K4w3QIDAQAB"},
	}}

	tests := []struct {
		name    string
		message string
		want    int
	}{
		{"postfix rsa simple", postfix, 1},
		{"rfc 8463 ed25519 and rsa", rfc8463, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Verifier{Resolver: resolver}
			results, err := v.Verify(context.Background(), []byte(tt.message))
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if len(results) != tt.want {
				t.Fatalf("got %d results, want %d", len(results), tt.want)
			}
			for i, r := range results {
				if r.Status != StatusPass {
					t.Errorf("result %d: status %s, err %v", i, r.Status, r.Err)
				}
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	rsaKey := newRSAKey(t)
	edPub, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	resolver := dns.MockResolver{TXT: map[string][]string{
		"rsa._domainkey.example.com.": {rsaRecord(t, rsaKey, "")},
		"ed._domainkey.example.com.":  {ed25519Record(edPub, "")},
	}}

	tests := []struct {
		name   string
		signer Signer
		alg    string
	}{
		{"rsa relaxed", Signer{Selector: "rsa", PrivateKey: rsaKey}, "rsa-sha256"},
		{"rsa simple", Signer{Selector: "rsa", PrivateKey: rsaKey, HeaderCanonicalization: CanonSimple, BodyCanonicalization: CanonSimple}, "rsa-sha256"},
		{"rsa sha1", Signer{Selector: "rsa", PrivateKey: rsaKey, Hash: "sha1"}, "rsa-sha1"},
		{"ed25519", Signer{Selector: "ed", PrivateKey: edKey}, "ed25519-sha256"},
		{"ed25519 oversigned", Signer{Selector: "ed", PrivateKey: edKey, OversignHeaders: true}, "ed25519-sha256"},
		{"identity and expiry", Signer{Selector: "ed", PrivateKey: edKey, Identity: "reports@mail.example.com", Expiration: time.Hour}, "ed25519-sha256"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.signer.Domain = "example.com"
			signed := sign(t, &tt.signer, testMessage)

			res := verifyOne(t, &Verifier{Resolver: resolver}, signed)
			if res.Status != StatusPass {
				t.Fatalf("Status = %s, err %v", res.Status, res.Err)
			}
			if res.Signature.Algorithm != tt.alg {
				t.Errorf("Algorithm = %s, want %s", res.Signature.Algorithm, tt.alg)
			}

			tampered := strings.Replace(signed, "Weekly digest", "Daily digest", 1)
			if res := verifyOne(t, &Verifier{Resolver: resolver}, tampered); res.Status != StatusFail {
				t.Errorf("tampered header: Status = %s, want fail", res.Status)
			}
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	rsaKey := newRSAKey(t)
	edPub, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	edSigned := sign(t, &Signer{Domain: "example.com", Selector: "sel", PrivateKey: edKey}, testMessage)
	rsaSigned := sign(t, &Signer{Domain: "example.com", Selector: "sel", PrivateKey: rsaKey}, testMessage)
	name := "sel._domainkey.example.com."

	tests := []struct {
		name     string
		message  string
		records  []string
		verifier Verifier
		want     Status
		wantErr  error
	}{
		{"body changed", strings.Replace(edSigned, "Three new", "Four new", 1), []string{ed25519Record(edPub, "")}, Verifier{}, StatusFail, ErrBodyHashMismatch},
		{"revoked key", edSigned, []string{"v=DKIM1; k=ed25519; p="}, Verifier{}, StatusInvalid, ErrKeyRevoked},
		{"hash not allowed", edSigned, []string{ed25519Record(edPub, "h=sha1; ")}, Verifier{}, StatusInvalid, ErrHashAlgNotAllowed},
		{"key type mismatch", edSigned, []string{rsaRecord(t, rsaKey, "")}, Verifier{}, StatusInvalid, ErrSigAlgMismatch},
		{"service not email", edSigned, []string{ed25519Record(edPub, "s=tlsrpt; ")}, Verifier{}, StatusInvalid, ErrKeyNotForEmail},
		{"weak key", rsaSigned, []string{rsaRecord(t, rsaKey, "")}, Verifier{MinRSAKeyBits: 4096}, StatusInvalid, ErrWeakKey},
		{"two records", edSigned, []string{ed25519Record(edPub, ""), ed25519Record(edPub, "")}, Verifier{}, StatusTemperror, ErrMultipleRecords},
		{"broken record", edSigned, []string{"v=DKIM1; p=%%%"}, Verifier{}, StatusInvalid, ErrSyntax},
		{"unrelated txt only", edSigned, []string{"google-site-verification=abc"}, Verifier{}, StatusInvalid, ErrNoRecord},
		{"policy", edSigned, []string{ed25519Record(edPub, "")}, Verifier{Policy: func(*Signature) error { return errors.New("no") }}, StatusInvalid, ErrPolicy},
		{"testing key downgrades fail", strings.Replace(edSigned, "Three new", "Four new", 1), []string{ed25519Record(edPub, "t=y; ")}, Verifier{}, StatusNone, nil},
		{"testing key ignored", strings.Replace(edSigned, "Three new", "Four new", 1), []string{ed25519Record(edPub, "t=y; ")}, Verifier{IgnoreTestMode: true}, StatusFail, ErrBodyHashMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.verifier
			v.Resolver = dns.MockResolver{TXT: map[string][]string{name: tt.records}}
			res := verifyOne(t, &v, tt.message)
			if res.Status != tt.want {
				t.Fatalf("Status = %s, want %s (err %v)", res.Status, tt.want, res.Err)
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signed := sign(t, &Signer{Domain: "example.com", Selector: "sel", PrivateKey: key, Expiration: time.Minute}, testMessage)
	v := &Verifier{Resolver: dns.MockResolver{TXT: map[string][]string{
		"sel._domainkey.example.com.": {ed25519Record(pub, "")},
	}}}

	if res := verifyOne(t, v, signed); res.Status != StatusPass {
		t.Fatalf("fresh signature: Status = %s, err %v", res.Status, res.Err)
	}

	timeNow = func() time.Time { return time.Now().Add(time.Hour) }
	t.Cleanup(func() { timeNow = time.Now })
	res := verifyOne(t, v, signed)
	if res.Status != StatusInvalid || !errors.Is(res.Err, ErrSigExpired) {
		t.Errorf("expired signature: Status = %s, err %v", res.Status, res.Err)
	}
}

func TestVerifyRecordAuthentic(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signed := sign(t, &Signer{Domain: "example.com", Selector: "sel", PrivateKey: key}, testMessage)
	txt := map[string][]string{"sel._domainkey.example.com.": {ed25519Record(pub, "")}}

	for _, authentic := range []bool{true, false} {
		v := &Verifier{Resolver: dns.MockResolver{TXT: txt, AllAuthentic: authentic}}
		res := verifyOne(t, v, signed)
		if res.Status != StatusPass || res.RecordAuthentic != authentic {
			t.Errorf("AllAuthentic=%v: Status = %s, RecordAuthentic = %v", authentic, res.Status, res.RecordAuthentic)
		}
	}
}

func TestCheckSignature(t *testing.T) {
	valid := func() *Signature {
		s := NewSignature()
		s.Algorithm = "rsa-sha256"
		s.Domain = "example.com"
		s.Selector = "sel"
		s.SignedHeaders = []string{"From", "Subject"}
		return s
	}

	tests := []struct {
		name    string
		modify  func(*Signature)
		wantErr error
	}{
		{"valid", func(*Signature) {}, nil},
		{"from not signed", func(s *Signature) { s.SignedHeaders = []string{"Subject"} }, ErrFromRequired},
		{"public suffix", func(s *Signature) { s.Domain = "co.uk" }, ErrTLD},
		{"unknown hash", func(s *Signature) { s.Algorithm = "rsa-md5" }, ErrHashAlgorithmUnknown},
		{"unknown canonicalization", func(s *Signature) { s.Canonicalization = "relaxed/fancy" }, ErrCanonicalizationUnknown},
		{"unknown query method", func(s *Signature) { s.QueryMethods = []string{"http/well-known"} }, ErrQueryMethod},
		{"body length", func(s *Signature) { s.Length = 10 }, ErrPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.modify(s)
			err := checkSignature(s)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("checkSignature() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("checkSignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	bh := base64.StdEncoding.EncodeToString(make([]byte, 32))
	base := "DKIM-Signature: v=1; a=rsa-sha256; d=Example.COM; s=sel;\r\n\tc=relaxed/relaxed; h=From : To:Subject; bh=" + bh + ";\r\n\tb=dGVz\r\n\t dA==; t=100; x=200"

	sig, unsigned, err := ParseSignature(base + "\r\n")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if sig.Domain != "example.com" || sig.Selector != "sel" || string(sig.Signature) != "test" {
		t.Errorf("parsed %+v", sig)
	}
	if !slices.Equal(sig.SignedHeaders, []string{"From", "To", "Subject"}) {
		t.Errorf("SignedHeaders = %q", sig.SignedHeaders)
	}
	if sig.HeaderCanon() != CanonRelaxed || sig.BodyCanon() != CanonRelaxed || sig.SignTime != 100 || sig.ExpireTime != 200 {
		t.Errorf("canon %s/%s t=%d x=%d", sig.HeaderCanon(), sig.BodyCanon(), sig.SignTime, sig.ExpireTime)
	}
	wantUnsigned := strings.Replace(base, "b=dGVz\r\n\t dA==;", "b=;", 1)
	if string(unsigned) != wantUnsigned {
		t.Errorf("unsigned = %q, want %q", unsigned, wantUnsigned)
	}

	errTests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"not a signature", "Subject: v=1", ErrHeaderMalformed},
		{"missing selector", strings.Replace(base, " s=sel;", "", 1), ErrMissingTag},
		{"duplicate tag", base + "; d=other.example", ErrDuplicateTag},
		{"bad version", strings.Replace(base, "v=1", "v=2", 1), ErrInvalidVersion},
		{"short body hash", strings.Replace(base, bh, "dGVzdA==", 1), ErrHeaderMalformed},
		{"expires before signing", strings.Replace(base, "x=200", "x=50", 1), ErrSigExpired},
		{"identity outside domain", base + "; i=user@other.example", ErrDomainIdentityMismatch},
		{"bad timestamp", strings.Replace(base, "t=100", "t=soon", 1), ErrHeaderMalformed},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseSignature(tt.header); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseSignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignatureHeaderRoundTrip(t *testing.T) {
	s := NewSignature()
	s.Algorithm = "ed25519-sha256"
	s.Domain = "example.com"
	s.Selector = "sel"
	s.Canonicalization = "relaxed/simple"
	s.SignedHeaders = slices.Repeat([]string{"From", "Subject", "Message-ID"}, 4)
	s.BodyHash = make([]byte, 32)
	s.Signature = make([]byte, 64)
	s.SignTime = 1700000000

	header, err := s.Header(true)
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) > maxLineLen {
			t.Errorf("line longer than %d: %q", maxLineLen, line)
		}
	}
	got, _, err := ParseSignature(header)
	if err != nil {
		t.Fatalf("ParseSignature(Header()) error = %v", err)
	}
	if !slices.Equal(got.SignedHeaders, s.SignedHeaders) || got.BodyCanon() != CanonSimple || got.SignTime != s.SignTime {
		t.Errorf("round trip = %+v", got)
	}

	if _, err := (&Signature{}).Header(false); !errors.Is(err, ErrMissingTag) {
		t.Errorf("empty Header() error = %v", err)
	}
}

func TestParseRecord(t *testing.T) {
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	edRecord := ed25519Record(edPub, "")

	tests := []struct {
		name      string
		txt       string
		wantDKIM  bool
		wantErr   bool
		wantFlags []string
	}{
		{"ed25519", edRecord, true, false, nil},
		{"flags and services", "t=y:s; s=email; " + edRecord[len("v=DKIM1; "):], true, false, []string{"y", "s"}},
		{"revoked", "v=DKIM1; p=", true, false, nil},
		{"spf", "v=spf1 -all", false, true, nil},
		{"unrelated", "google-site-verification=abc", false, true, nil},
		{"missing key", "v=DKIM1; k=rsa", true, true, nil},
		{"bad base64", "v=DKIM1; p=***", true, true, nil},
		{"bad rsa key", "v=DKIM1; p=dGVzdA==", true, true, nil},
		{"unknown key type", "v=DKIM1; k=dsa; p=dGVzdA==", true, true, nil},
		{"duplicate tag", "v=DKIM1; p=; p=", true, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, isDKIM, err := ParseRecord(tt.txt)
			if isDKIM != tt.wantDKIM || (err != nil) != tt.wantErr {
				t.Fatalf("ParseRecord() = dkim %v, err %v; want dkim %v, err %v", isDKIM, err, tt.wantDKIM, tt.wantErr)
			}
			if err == nil && !slices.Equal(r.Flags, tt.wantFlags) {
				t.Errorf("Flags = %q, want %q", r.Flags, tt.wantFlags)
			}
		})
	}

	r, _, _ := ParseRecord("v=DKIM1; h=sha256; s=email:tlsrpt; n=a=20note; p=")
	if !r.HashAllowed("SHA256") || r.HashAllowed("sha1") || !r.ServiceAllowed("email") || r.Notes != "a note" || r.PublicKey != nil {
		t.Errorf("record = %+v", r)
	}
}

func TestBodyHash(t *testing.T) {
	tests := []struct {
		name  string
		canon Canonicalization
		body  string
		want  string
	}{
		{"simple empty", CanonSimple, "", "\r\n"},
		{"simple trailing lines", CanonSimple, "a \r\n\r\n\r\n", "a \r\n"},
		{"simple no final crlf", CanonSimple, "a\r\nb", "a\r\nb\r\n"},
		{"simple inner empty line", CanonSimple, "a\r\n\r\nb\r\n", "a\r\n\r\nb\r\n"},
		{"relaxed empty", CanonRelaxed, "", ""},
		{"relaxed only blank lines", CanonRelaxed, "\r\n \r\n", ""},
		{"relaxed whitespace", CanonRelaxed, " a\t\t b  \r\nc\t\r\n", " a b\r\nc\r\n"},
		{"relaxed trailing blank line", CanonRelaxed, "a\r\n  ", "a\r\n"},
		{"relaxed no final crlf", CanonRelaxed, "a", "a\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeBodyHash(sha256.New(), tt.canon, []byte(tt.body))
			want := sha256.Sum256([]byte(tt.want))
			if string(got) != string(want[:]) {
				t.Errorf("body hash of %q does not match %q", tt.body, tt.want)
			}
		})
	}
}

func TestRelaxHeader(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Subject: hello\r\n", "subject:hello"},
		{"SUBJECT \t:  a\t b  \r\n", "subject:a b"},
		{"To: one,\r\n\ttwo\r\n", "to:one, two"},
	}
	for _, tt := range tests {
		got, err := relaxHeader([]byte(tt.in))
		if err != nil || string(got) != tt.want {
			t.Errorf("relaxHeader(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := relaxHeader([]byte("no colon")); !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("relaxHeader(no colon) error = %v", err)
	}
}

func TestParseMessageHeaders(t *testing.T) {
	headers, offset, err := parseMessageHeaders([]byte("A: 1\r\nB: 2\r\n 3\r\n\r\nbody"))
	if err != nil {
		t.Fatalf("parseMessageHeaders() error = %v", err)
	}
	if len(headers) != 2 || string(headers[1].raw) != "B: 2\r\n 3\r\n" || headers[1].lkey != "b" || offset != 18 {
		t.Errorf("headers = %+v, offset %d", headers, offset)
	}

	for _, bad := range []string{" folded first\r\n\r\n", "no colon\r\n\r\n", "A: unterminated", "Bad Name: x\r\n\r\n"} {
		if _, _, err := parseMessageHeaders([]byte(bad)); !errors.Is(err, ErrHeaderMalformed) {
			t.Errorf("parseMessageHeaders(%q) error = %v", bad, err)
		}
	}
}

func TestSignerHeaders(t *testing.T) {
	present := map[string]int{"from": 1, "subject": 1, "received": 2}
	tests := []struct {
		name   string
		signer Signer
		want   []string
	}{
		{"defaults skip absent", Signer{}, []string{"From", "Subject"}},
		{"from added", Signer{Headers: []string{"Subject"}}, []string{"From", "Subject"}},
		{"duplicates collapsed", Signer{Headers: []string{"subject", "Subject", "from"}}, []string{"From", "subject"}},
		{"oversigned", Signer{Headers: []string{"Received"}, OversignHeaders: true}, []string{"From", "Received", "From", "Received", "Received"}},
	}
	for _, tt := range tests {
		if got := tt.signer.signedHeaders(present); !slices.Equal(got, tt.want) {
			t.Errorf("%s: signedHeaders() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSignErrors(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		signer  Signer
		message string
		wantErr error
	}{
		{"no from", Signer{PrivateKey: edKey}, "To: a@example.org\r\n\r\nbody", ErrFromRequired},
		{"two from", Signer{PrivateKey: edKey}, "From: a@example.com\r\nFrom: b@example.com\r\n\r\nbody", ErrFromRequired},
		{"malformed", Signer{PrivateKey: edKey}, "From a@example.com\r\n\r\n", ErrHeaderMalformed},
		{"ecdsa key", Signer{PrivateKey: ecKey}, testMessage, ErrSigAlgorithmUnknown},
		{"unknown hash", Signer{PrivateKey: newRSAKey(t), Hash: "md5"}, testMessage, ErrHashAlgorithmUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.signer.Domain, tt.signer.Selector = "example.com", "sel"
			if _, err := tt.signer.Sign([]byte(tt.message)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Sign() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
