package bpv7

import (
	"bytes"
	"testing"
	"time"
)

func testSubjectBundle(t *testing.T) Bundle {
	t.Helper()
	b, err := NewBuilder().
		Source(MustParseEID("dtn://src/")).
		Destination(MustParseEID("dtn://dst/")).
		CreationTimestampNow(0).
		Lifetime(time.Hour).
		ControlFlags(BundleRequestStatusTime | BundleStatusRequestDelivery).
		Payload(0, []byte("payload")).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStatusReportRoundTrip(t *testing.T) {
	subject := testSubjectBundle(t)
	sr := NewStatusReport(subject, DeliveredBundle, NoInformation, DtnTimeNow())

	buf := new(bytes.Buffer)
	if err := sr.MarshalCbor(buf); err != nil {
		t.Fatal(err)
	}

	var sr2 StatusReport
	sr2.RefBundle.IsFragment = false
	if err := sr2.UnmarshalCbor(buf); err != nil {
		t.Fatal(err)
	}

	if sr2.ReportReason != NoInformation {
		t.Fatalf("reason changed: %v", sr2.ReportReason)
	}
	if !sr2.RefBundle.SourceNode.Equal(subject.Primary.SourceNode) {
		t.Fatalf("ref bundle source changed: %v", sr2.RefBundle.SourceNode)
	}

	infos := sr2.StatusInformations()
	if len(infos) != 1 || infos[0] != DeliveredBundle {
		t.Fatalf("expected only DeliveredBundle asserted, got %v", infos)
	}
	if !sr2.StatusInformation[DeliveredBundle].StatusRequested {
		t.Fatal("expected status time to have been requested and recorded")
	}
}

func TestStatusReportFragmentRefBundle(t *testing.T) {
	subject := testSubjectBundle(t)
	subject.Primary.BundleControlFlags |= BundleIsFragment
	subject.Primary.FragmentOffset = 10
	subject.Primary.TotalDataLength = 100

	sr := NewStatusReport(subject, ReceivedBundle, LifetimeExpired, 0)

	buf := new(bytes.Buffer)
	if err := sr.MarshalCbor(buf); err != nil {
		t.Fatal(err)
	}

	var sr2 StatusReport
	sr2.RefBundle.IsFragment = true
	if err := sr2.UnmarshalCbor(buf); err != nil {
		t.Fatal(err)
	}
	if sr2.RefBundle.FragmentOffset != 10 || sr2.RefBundle.TotalDataLength != 100 {
		t.Fatalf("fragment coordinates lost: %+v", sr2.RefBundle)
	}
}

func TestAdministrativeRecordBundleRoundTrip(t *testing.T) {
	subject := testSubjectBundle(t)
	sr := NewStatusReport(subject, DeliveredBundle, NoInformation, DtnTimeNow())

	local := MustParseEID("dtn://relay/")
	bundle, err := NewAdministrativeRecordBundle(local, subject.Primary.SourceNode, local, sr, uint64(time.Hour.Microseconds()), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bundle.Primary.BundleControlFlags.Has(BundleAdministrativeRecord) {
		t.Fatal("expected BundleAdministrativeRecord flag to be set")
	}

	payload, err := bundle.PayloadBlock()
	if err != nil {
		t.Fatal(err)
	}
	ar, err := ParseAdministrativeRecord(payload.Data)
	if err != nil {
		t.Fatal(err)
	}
	decoded, ok := ar.(*StatusReport)
	if !ok {
		t.Fatalf("expected *StatusReport, got %T", ar)
	}
	if decoded.ReportReason != NoInformation {
		t.Fatalf("reason changed across bundle round trip: %v", decoded.ReportReason)
	}
}
