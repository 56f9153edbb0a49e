package bpv7

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// BundleControlFlags are the primary block's processing flags, per
// RFC 9171 §4.2.3.
type BundleControlFlags uint64

const (
	BundleIsFragment               BundleControlFlags = 0x000001
	BundleAdministrativeRecord     BundleControlFlags = 0x000002
	BundleMustNotFragment          BundleControlFlags = 0x000004
	BundleRequestUserAck           BundleControlFlags = 0x000020
	BundleRequestStatusTime        BundleControlFlags = 0x000040
	BundleStatusRequestReception   BundleControlFlags = 0x004000
	BundleStatusRequestForward     BundleControlFlags = 0x010000
	BundleStatusRequestDelivery    BundleControlFlags = 0x020000
	BundleStatusRequestDeletion    BundleControlFlags = 0x040000
	bundleControlFlagsReservedMask BundleControlFlags = ^BundleControlFlags(0x074067)
)

// Has reports whether every bit in flag is set.
func (f BundleControlFlags) Has(flag BundleControlFlags) bool { return f&flag == flag }

// CheckValid aggregates every violated invariant over these flags.
func (f BundleControlFlags) CheckValid() (errs error) {
	if f.Has(BundleIsFragment) && f.Has(BundleMustNotFragment) {
		errs = multierror.Append(errs, fmt.Errorf("bundle control flags: both IsFragment and MustNotFragment are set"))
	}
	if f&bundleControlFlagsReservedMask != 0 {
		errs = multierror.Append(errs, fmt.Errorf("bundle control flags: reserved bits set"))
	}
	return errs
}

// BlockControlFlags are a canonical block's processing-control flags, per
// RFC 9171 §4.2.4.
type BlockControlFlags uint64

const (
	BlockReplicateInEveryFragment BlockControlFlags = 0x01
	BlockDeleteBundleOnFailure    BlockControlFlags = 0x02
	BlockReportOnFailure          BlockControlFlags = 0x04
	BlockDeleteBlockOnFailure     BlockControlFlags = 0x10
	blockControlFlagsReservedMask BlockControlFlags = ^BlockControlFlags(0x17)
)

// Has reports whether every bit in flag is set.
func (f BlockControlFlags) Has(flag BlockControlFlags) bool { return f&flag == flag }

// CheckValid aggregates every violated invariant over these flags.
func (f BlockControlFlags) CheckValid() (errs error) {
	if f&blockControlFlagsReservedMask != 0 {
		errs = multierror.Append(errs, fmt.Errorf("block control flags: reserved bits set"))
	}
	return errs
}
