package bpsec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

func testBundle(t *testing.T, payload []byte) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.NewBuilder().
		Source(bpv7.MustParseEID("dtn://src/")).
		Destination(bpv7.MustParseEID("dtn://dst/")).
		CreationTimestampNow(0).
		Lifetime(time.Hour).
		Payload(0, payload).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBIBSignAndVerifyRoundTrip(t *testing.T) {
	b := testBundle(t, []byte("hello dtn"))
	source := bpv7.MustParseEID("dtn://security/")
	key := bytes.Repeat([]byte{0x42}, 32)

	asb := NewBIB([]uint64{1}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBIBBlock(0, asb))
	bib, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockIntegrity)

	if err := SignTargets(&b, asb, bib.BlockNumber, key); err != nil {
		t.Fatalf("SignTargets: %v", err)
	}
	if err := SyncASB(bib, asb); err != nil {
		t.Fatal(err)
	}
	if err := VerifyTargets(&b, asb, bib.BlockNumber, key); err != nil {
		t.Fatalf("VerifyTargets: %v", err)
	}
}

func TestBIBVerifyFailsOnTamperedPayload(t *testing.T) {
	b := testBundle(t, []byte("hello dtn"))
	source := bpv7.MustParseEID("dtn://security/")
	key := bytes.Repeat([]byte{0x7}, 32)

	asb := NewBIB([]uint64{1}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBIBBlock(0, asb))
	bib, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockIntegrity)

	if err := SignTargets(&b, asb, bib.BlockNumber, key); err != nil {
		t.Fatal(err)
	}

	payload, _ := b.PayloadBlock()
	payload.Data = []byte("tampered!")

	err := VerifyTargets(&b, asb, bib.BlockNumber, key)
	if err == nil || !errors.Is(err, bpv7.ErrIntegrityCheckFailed) {
		t.Fatalf("expected ErrIntegrityCheckFailed, got %v", err)
	}
}

func TestBCBEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("confidential bundle contents")
	b := testBundle(t, plaintext)
	source := bpv7.MustParseEID("dtn://security/")
	key := bytes.Repeat([]byte{0x11}, 32)

	asb := NewBCB(1, source, AES256GCM, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBCBBlock(0, asb))
	bcb, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockConfidentiality)

	if err := EncryptTarget(&b, asb, bcb.BlockNumber, key); err != nil {
		t.Fatalf("EncryptTarget: %v", err)
	}
	if err := SyncASB(bcb, asb); err != nil {
		t.Fatal(err)
	}

	payload, _ := b.PayloadBlock()
	if bytes.Equal(payload.Data, plaintext) {
		t.Fatal("payload was not encrypted")
	}

	if err := DecryptTarget(&b, asb, bcb.BlockNumber, key); err != nil {
		t.Fatalf("DecryptTarget: %v", err)
	}
	payload, _ = b.PayloadBlock()
	if !bytes.Equal(payload.Data, plaintext) {
		t.Fatalf("decrypted payload mismatch: got %q", payload.Data)
	}
}

func TestBCBDecryptFailsOnWrongKey(t *testing.T) {
	b := testBundle(t, []byte("secret"))
	source := bpv7.MustParseEID("dtn://security/")
	key := bytes.Repeat([]byte{0x22}, 32)
	wrongKey := bytes.Repeat([]byte{0x23}, 32)

	asb := NewBCB(1, source, AES256GCM, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBCBBlock(0, asb))
	bcb, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockConfidentiality)

	if err := EncryptTarget(&b, asb, bcb.BlockNumber, key); err != nil {
		t.Fatal(err)
	}
	if err := DecryptTarget(&b, asb, bcb.BlockNumber, wrongKey); err == nil {
		t.Fatal("expected decryption to fail with the wrong key")
	}
}

func TestKeyWrapRoundTrip(t *testing.T) {
	kek := bytes.Repeat([]byte{0x01}, 16)
	plaintext := bytes.Repeat([]byte{0xAA}, 32)

	wrapped, err := WrapKey(kek, plaintext)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if len(wrapped) != len(plaintext)+8 {
		t.Fatalf("expected wrapped length %d, got %d", len(plaintext)+8, len(wrapped))
	}

	unwrapped, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(unwrapped, plaintext) {
		t.Fatal("unwrapped key does not match original plaintext")
	}
}

func TestUnwrapKeyRejectsTamperedInput(t *testing.T) {
	kek := bytes.Repeat([]byte{0x02}, 16)
	plaintext := bytes.Repeat([]byte{0xBB}, 16)

	wrapped, err := WrapKey(kek, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	wrapped[len(wrapped)-1] ^= 0xFF

	if _, err := UnwrapKey(kek, wrapped); err == nil {
		t.Fatal("expected unwrap to fail on tampered input")
	}
}

type staticProvider struct {
	keys map[uint64]Key
}

func (p *staticProvider) LookupKey(kid string, contextID uint64, op Operation) (Key, bool, error) {
	k, ok := p.keys[contextID]
	return k, ok, nil
}

func (p *staticProvider) Derive(params DeriveParams) (Key, error) {
	return Key{}, ErrKeyNotFound
}

func TestEngineVerifiesAndDecrypts(t *testing.T) {
	plaintext := []byte("payload for the engine")
	b := testBundle(t, plaintext)
	source := bpv7.MustParseEID("dtn://security/")
	bibKey := bytes.Repeat([]byte{0x30}, 32)
	bcbKey := bytes.Repeat([]byte{0x40}, 32)

	bcbASB := NewBCB(1, source, AES256GCM, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBCBBlock(0, bcbASB))
	bcb, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockConfidentiality)
	if err := EncryptTarget(&b, bcbASB, bcb.BlockNumber, bcbKey); err != nil {
		t.Fatal(err)
	}
	if err := SyncASB(bcb, bcbASB); err != nil {
		t.Fatal(err)
	}

	bibASB := NewBIB([]uint64{bcb.BlockNumber}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBIBBlock(0, bibASB))
	bib, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockIntegrity)
	if err := SignTargets(&b, bibASB, bib.BlockNumber, bibKey); err != nil {
		t.Fatal(err)
	}
	if err := SyncASB(bib, bibASB); err != nil {
		t.Fatal(err)
	}

	provider := &staticProvider{keys: map[uint64]Key{
		ContextBIBHMACSHA2: {Bytes: bibKey},
		ContextBCBAESGCM:   {Bytes: bcbKey},
	}}
	engine := NewEngine(provider)

	outcome, err := engine.ProcessInbound(&b)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if len(outcome.VerifiedBibs) != 1 {
		t.Fatalf("expected one verified BIB, got %v", outcome.VerifiedBibs)
	}
	if len(outcome.Decrypted) != 1 || outcome.Decrypted[0] != 1 {
		t.Fatalf("expected payload block decrypted, got %v", outcome.Decrypted)
	}

	payload, _ := b.PayloadBlock()
	if !bytes.Equal(payload.Data, plaintext) {
		t.Fatalf("payload not restored: got %q", payload.Data)
	}
}

func TestEngineReportsMissingKeyWithoutFailing(t *testing.T) {
	b := testBundle(t, []byte("opaque"))
	source := bpv7.MustParseEID("dtn://security/")
	key := bytes.Repeat([]byte{0x55}, 32)

	asb := NewBCB(1, source, AES256GCM, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBCBBlock(0, asb))
	bcb, _ := b.ExtensionBlock(bpv7.ExtBlockTypeBlockConfidentiality)
	if err := EncryptTarget(&b, asb, bcb.BlockNumber, key); err != nil {
		t.Fatal(err)
	}
	if err := SyncASB(bcb, asb); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(&staticProvider{keys: map[uint64]Key{}})
	outcome, err := engine.ProcessInbound(&b)
	if err != nil {
		t.Fatalf("ProcessInbound should not fail on a missing key: %v", err)
	}
	if len(outcome.StillEncrypted) != 1 {
		t.Fatalf("expected the payload to remain encrypted, got %v", outcome.StillEncrypted)
	}
}

func TestCheckCoEncryptionRejectsUnencryptedBIB(t *testing.T) {
	b := testBundle(t, []byte("x"))
	source := bpv7.MustParseEID("dtn://security/")

	bcbASB := NewBCB(1, source, AES256GCM, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBCBBlock(0, bcbASB))

	bibASB := NewBIB([]uint64{1}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	b.AddExtensionBlock(NewBIBBlock(0, bibASB))

	// bcbASB targets the payload (block 1), whose signature lives in bib,
	// but bib itself is not among bcbASB's targets: the BIB travels
	// unencrypted even though its target is encrypted.
	if err := CheckCoEncryption(&b); err == nil {
		t.Fatal("expected co-encryption violation to be reported")
	}
}

func TestASBRoundTrip(t *testing.T) {
	source := bpv7.MustParseEID("dtn://security/")
	asb := NewBIB([]uint64{1, 2}, source, HMACSHA384, ScopePrimaryBlock|ScopeTargetHeader)
	asb.Results[0].Results = append(asb.Results[0].Results, &ByteStringParameter{TupleID: ResultHMAC, Bytes: []byte{1, 2, 3, 4}})
	asb.Results[1].Results = append(asb.Results[1].Results, &ByteStringParameter{TupleID: ResultHMAC, Bytes: []byte{5, 6, 7, 8}})

	data, err := asb.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := decodeASB(data)
	if err != nil {
		t.Fatal(err)
	}
	asb2 := decoded.(*ASB)
	if asb2.ContextID != ContextBIBHMACSHA2 {
		t.Fatalf("context id changed: %d", asb2.ContextID)
	}
	if len(asb2.SecurityTargets) != 2 || asb2.SecurityTargets[1] != 2 {
		t.Fatalf("targets changed: %v", asb2.SecurityTargets)
	}
	if v := shaVariant(asb2); v != HMACSHA384 {
		t.Fatalf("sha variant changed: %d", v)
	}
}

func TestAdjustSecurityTargetsDropsOneOfMany(t *testing.T) {
	source := bpv7.MustParseEID("dtn://security/")
	asb := NewBIB([]uint64{1, 2, 3}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	data, err := asb.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	out, empty, err := adjustSecurityTargets(data, 2)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Fatal("should not report empty when two targets remain")
	}
	decoded, err := decodeASB(out)
	if err != nil {
		t.Fatal(err)
	}
	asb2 := decoded.(*ASB)
	if len(asb2.SecurityTargets) != 2 {
		t.Fatalf("expected 2 remaining targets, got %v", asb2.SecurityTargets)
	}
	for _, target := range asb2.SecurityTargets {
		if target == 2 {
			t.Fatal("dropped target still present")
		}
	}
}

func TestAdjustSecurityTargetsReportsEmptyWhenLastTargetDropped(t *testing.T) {
	source := bpv7.MustParseEID("dtn://security/")
	asb := NewBIB([]uint64{1}, source, HMACSHA256, DefaultIntegrityScopeFlags)
	data, err := asb.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	_, empty, err := adjustSecurityTargets(data, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatal("expected empty=true when the only target is dropped")
	}
}
