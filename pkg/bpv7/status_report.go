package bpv7

import (
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
)

// BundleStatusItem is one element of a status report's bundle status
// information array: whether a given status was asserted, and optionally
// when, per RFC 9171 §6.1.1.
type BundleStatusItem struct {
	Asserted        bool
	Time            DtnTime
	StatusRequested bool
}

// NewBundleStatusItem builds an item with no time report.
func NewBundleStatusItem(asserted bool) BundleStatusItem {
	return BundleStatusItem{Asserted: asserted}
}

// NewTimeReportingBundleStatusItem builds an asserted item carrying the
// given status time, used when the bundle requested status reporting
// time (BundleRequestStatusTime).
func NewTimeReportingBundleStatusItem(time DtnTime) BundleStatusItem {
	return BundleStatusItem{Asserted: true, Time: time, StatusRequested: true}
}

// MarshalCbor writes this item as a 1-element array (just Asserted) or a
// 2-element array (Asserted plus Time) when a time was requested.
func (si *BundleStatusItem) MarshalCbor(w io.Writer) error {
	n := uint64(1)
	if si.Asserted && si.StatusRequested {
		n = 2
	}
	if err := cboring.WriteArrayLength(n, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(si.Asserted, w); err != nil {
		return err
	}
	if n == 2 {
		return cboring.WriteUInt(uint64(si.Time), w)
	}
	return nil
}

// UnmarshalCbor reads a BundleStatusItem, inferring StatusRequested from
// the array length.
func (si *BundleStatusItem) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 1 && n != 2 {
		return fmt.Errorf("%w: bundle status item expects array of 1 or 2, got %d", ErrBlockUnintelligible, n)
	}
	asserted, err := cboring.ReadBoolean(r)
	if err != nil {
		return err
	}
	si.Asserted = asserted
	if n == 2 {
		t, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		si.Time = DtnTime(t)
		si.StatusRequested = true
	} else {
		si.StatusRequested = false
	}
	return nil
}

func (si BundleStatusItem) String() string {
	if !si.Asserted {
		return fmt.Sprintf("BundleStatusItem(%t)", si.Asserted)
	}
	return fmt.Sprintf("BundleStatusItem(%t, %v)", si.Asserted, si.Time)
}

// StatusReportReason is the status report's reason code, per RFC 9171
// §6.1.2.
type StatusReportReason uint64

const (
	NoInformation              StatusReportReason = 0
	LifetimeExpired            StatusReportReason = 1
	ForwardUnidirectionalLink  StatusReportReason = 2
	TransmissionCanceled       StatusReportReason = 3
	DepletedStorage            StatusReportReason = 4
	DestEndpointUnintelligible StatusReportReason = 5
	NoRouteToDestination       StatusReportReason = 6
	NoNextNodeContact          StatusReportReason = 7
	BlockUnintelligible        StatusReportReason = 8
	HopLimitExceeded           StatusReportReason = 9
	TrafficPared               StatusReportReason = 10
	BlockUnsupported           StatusReportReason = 11
	FailedSecurity             StatusReportReason = 12
)

func (r StatusReportReason) String() string {
	switch r {
	case NoInformation:
		return "No additional information"
	case LifetimeExpired:
		return "Lifetime expired"
	case ForwardUnidirectionalLink:
		return "Forwarded over unidirectional link"
	case TransmissionCanceled:
		return "Transmission canceled"
	case DepletedStorage:
		return "Depleted storage"
	case DestEndpointUnintelligible:
		return "Destination endpoint ID unintelligible"
	case NoRouteToDestination:
		return "No known route to destination from here"
	case NoNextNodeContact:
		return "No timely contact with next node on route"
	case BlockUnintelligible:
		return "Block unintelligible"
	case HopLimitExceeded:
		return "Hop limit exceeded"
	case TrafficPared:
		return "Traffic pared"
	case BlockUnsupported:
		return "Block unsupported"
	case FailedSecurity:
		return "Security failed"
	default:
		return "unknown"
	}
}

// StatusInformationPos indexes a status report's four mandatory bundle
// status items.
type StatusInformationPos int

const (
	maxStatusInformationPos = 4

	ReceivedBundle   StatusInformationPos = 0
	ForwardedBundle  StatusInformationPos = 1
	DeliveredBundle  StatusInformationPos = 2
	DeletedBundle    StatusInformationPos = 3
)

func (p StatusInformationPos) String() string {
	switch p {
	case ReceivedBundle:
		return "received bundle"
	case ForwardedBundle:
		return "forwarded bundle"
	case DeliveredBundle:
		return "delivered bundle"
	case DeletedBundle:
		return "deleted bundle"
	default:
		return "unknown"
	}
}

// StatusReport is the administrative record generated by the dispatcher
// per spec §4.7.5 whenever the originating bundle's status-request flags
// call for it.
type StatusReport struct {
	StatusInformation []BundleStatusItem
	ReportReason      StatusReportReason
	RefBundle         BundleID
}

// NewStatusReport builds a status report for bndl, asserting pos and, if
// bndl requested status time at that position, recording time.
func NewStatusReport(bndl Bundle, pos StatusInformationPos, reason StatusReportReason, time DtnTime) *StatusReport {
	report := &StatusReport{
		StatusInformation: make([]BundleStatusItem, maxStatusInformationPos),
		ReportReason:      reason,
		RefBundle:         bndl.ID(),
	}
	for i := 0; i < maxStatusInformationPos; i++ {
		sip := StatusInformationPos(i)
		switch {
		case sip == pos && bndl.Primary.BundleControlFlags.Has(BundleRequestStatusTime):
			report.StatusInformation[i] = NewTimeReportingBundleStatusItem(time)
		case sip == pos:
			report.StatusInformation[i] = NewBundleStatusItem(true)
		default:
			report.StatusInformation[i] = NewBundleStatusItem(false)
		}
	}
	return report
}

// StatusInformations returns the asserted positions in this report.
func (sr StatusReport) StatusInformations() []StatusInformationPos {
	var out []StatusInformationPos
	for i, si := range sr.StatusInformation {
		if si.Asserted {
			out = append(out, StatusInformationPos(i))
		}
	}
	return out
}

// RecordTypeCode implements AdministrativeRecord.
func (sr *StatusReport) RecordTypeCode() uint64 { return AdminRecordTypeStatusReport }

// MarshalCbor writes the status report as a 4-element array (whole
// bundle) or 6-element array (fragment), per RFC 9171 §6.1.1.
func (sr *StatusReport) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2+sr.RefBundle.Len(), w); err != nil {
		return err
	}
	if err := cboring.WriteArrayLength(uint64(len(sr.StatusInformation)), w); err != nil {
		return err
	}
	for i := range sr.StatusInformation {
		if err := cboring.Marshal(&sr.StatusInformation[i], w); err != nil {
			return fmt.Errorf("bpv7: status information item: %w", err)
		}
	}
	if err := cboring.WriteUInt(uint64(sr.ReportReason), w); err != nil {
		return err
	}
	if err := cboring.Marshal(&sr.RefBundle, w); err != nil {
		return fmt.Errorf("bpv7: status report ref bundle: %w", err)
	}
	return nil
}

// UnmarshalCbor reads a status report, inferring fragmentation of the
// referenced bundle from the outer array's length.
func (sr *StatusReport) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	switch n {
	case 4:
		sr.RefBundle.IsFragment = false
	case 6:
		sr.RefBundle.IsFragment = true
	default:
		return fmt.Errorf("%w: status report expects array of 4 or 6, got %d", ErrBlockUnintelligible, n)
	}

	itemCount, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	sr.StatusInformation = make([]BundleStatusItem, itemCount)
	for i := range sr.StatusInformation {
		if err := cboring.Unmarshal(&sr.StatusInformation[i], r); err != nil {
			return fmt.Errorf("bpv7: status information item: %w", err)
		}
	}

	reason, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	sr.ReportReason = StatusReportReason(reason)

	if err := cboring.Unmarshal(&sr.RefBundle, r); err != nil {
		return fmt.Errorf("bpv7: status report ref bundle: %w", err)
	}
	return nil
}

func (sr StatusReport) String() string {
	var b strings.Builder
	b.WriteString("StatusReport([")
	for i, si := range sr.StatusInformation {
		if !si.Asserted {
			continue
		}
		sip := StatusInformationPos(i)
		if si.Time == 0 {
			fmt.Fprintf(&b, "%v,", sip)
		} else {
			fmt.Fprintf(&b, "%v %v,", sip, si.Time)
		}
	}
	fmt.Fprintf(&b, "], %v, %v", sr.ReportReason, sr.RefBundle)
	return b.String()
}
