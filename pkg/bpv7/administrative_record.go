package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/dtn7/cboring"
)

// Administrative record type codes, per RFC 9171 §6.1.
const (
	AdminRecordTypeStatusReport uint64 = 1
)

// AdministrativeRecord is a bundle payload carried with the
// BundleAdministrativeRecord control flag set: a status report today,
// with room for future record types the dispatcher does not yet know.
type AdministrativeRecord interface {
	cboring.CborMarshaler

	// RecordTypeCode returns this record's administrative record type code.
	RecordTypeCode() uint64
}

// administrativeRecordRegistry maps a record type code to its Go type, so
// an incoming record can be decoded without the caller naming the type up
// front.
type administrativeRecordRegistry struct {
	data sync.Map // map[uint64]reflect.Type
}

func newAdministrativeRecordRegistry() *administrativeRecordRegistry {
	return &administrativeRecordRegistry{}
}

// Register associates a record type code with ar's concrete type.
func (reg *administrativeRecordRegistry) Register(ar AdministrativeRecord) error {
	code := ar.RecordTypeCode()
	t := reflect.TypeOf(ar).Elem()
	if existing, loaded := reg.data.LoadOrStore(code, t); loaded {
		return fmt.Errorf("bpv7: administrative record type %d already registered for %s", code, existing.(reflect.Type).Name())
	}
	return nil
}

// IsKnown reports whether a type is registered for the given code.
func (reg *administrativeRecordRegistry) IsKnown(code uint64) bool {
	_, ok := reg.data.Load(code)
	return ok
}

// Write wraps ar in a 2-element CBOR array of its type code and encoding,
// the payload-block content RFC 9171 §6.1 specifies.
func (reg *administrativeRecordRegistry) Write(ar AdministrativeRecord, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ar.RecordTypeCode(), w); err != nil {
		return err
	}
	if err := cboring.Marshal(ar, w); err != nil {
		return fmt.Errorf("bpv7: marshal administrative record: %w", err)
	}
	return nil
}

// Read decodes an administrative record from its 2-element CBOR array
// wrapper, dispatching on the leading type code.
func (reg *administrativeRecordRegistry) Read(r io.Reader) (AdministrativeRecord, error) {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, fmt.Errorf("%w: administrative record expects array of 2, got %d", ErrBlockUnintelligible, n)
	}

	code, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, err
	}
	t, ok := reg.data.Load(code)
	if !ok {
		return nil, fmt.Errorf("%w: no administrative record registered for type code %d", ErrBlockUnintelligible, code)
	}

	ar := reflect.New(t.(reflect.Type)).Interface().(AdministrativeRecord)
	if err := cboring.Unmarshal(ar, r); err != nil {
		return nil, fmt.Errorf("%w: administrative record type %d: %v", ErrBlockUnintelligible, code, err)
	}
	return ar, nil
}

var (
	defaultAdminRecordRegistry     *administrativeRecordRegistry
	defaultAdminRecordRegistryOnce sync.Once
)

// adminRecordRegistry returns the package-wide registry, seeded with the
// record types this codec ships.
func adminRecordRegistry() *administrativeRecordRegistry {
	defaultAdminRecordRegistryOnce.Do(func() {
		defaultAdminRecordRegistry = newAdministrativeRecordRegistry()
		_ = defaultAdminRecordRegistry.Register(&StatusReport{})
	})
	return defaultAdminRecordRegistry
}

// ParseAdministrativeRecord decodes an administrative record from a
// payload block's raw bytes.
func ParseAdministrativeRecord(data []byte) (AdministrativeRecord, error) {
	return adminRecordRegistry().Read(bytes.NewReader(data))
}

// NewAdministrativeRecordBundle builds a bundle whose sole payload is ar,
// addressed from local to destination with the administrative-record
// control flag set, per RFC 9171 §6.1's requirement that such bundles
// never themselves request status reports.
func NewAdministrativeRecordBundle(local, destination EndpointID, reportTo EndpointID, ar AdministrativeRecord, lifetime uint64, sequence uint64) (Bundle, error) {
	buf := new(bytes.Buffer)
	if err := adminRecordRegistry().Write(ar, buf); err != nil {
		return Bundle{}, err
	}

	primary := NewPrimaryBlock(BundleAdministrativeRecord, destination, local, NewCreationTimestamp(sequence), lifetime)
	primary.ReportTo = reportTo
	payload := NewPayloadBlock(0, buf.Bytes())
	return NewBundle(primary, []CanonicalBlock{payload})
}
