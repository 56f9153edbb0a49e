package bpv7

import "testing"

func TestParseAdministrativeRecordRejectsUnknownType(t *testing.T) {
	data := []byte{0x82, 0x18, 0xfe, 0x00} // array(2): [254, 0]
	if _, err := ParseAdministrativeRecord(data); err == nil {
		t.Fatal("expected an error for an unregistered administrative record type")
	}
}

func TestAdminRecordRegistryRejectsDoubleRegistration(t *testing.T) {
	reg := newAdministrativeRecordRegistry()
	if err := reg.Register(&StatusReport{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&StatusReport{}); err == nil {
		t.Fatal("expected an error registering the same record type twice")
	}
}
