package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dtn7/cboring"
)

// EID scheme codes, per RFC 9171's IANA URI scheme registry.
const (
	schemeDtn uint64 = 1
	schemeIpn uint64 = 2
)

// localNodeMarker is the reserved ipn node-number value that identifies a
// 2-element ipn EID as LocalNode("this node") rather than a concrete
// remote node, distinguishing it on the wire from ipn:0.0 (node=0, the
// Null endpoint).
const localNodeMarker uint64 = ^uint64(0)

// eidKind discriminates the closed EndpointID union. No EID is ever
// partially decoded: it is either one of the four known kinds or
// eidUnknown, which preserves the wire body verbatim.
type eidKind uint8

const (
	eidNull eidKind = iota
	eidLocalNode
	eidIpn
	eidDtn
	eidUnknown
)

// EndpointID is a tagged union over the five EID variants in spec §3.1.
// Construct instances with the New* constructors rather than struct
// literals, since equality and (un)marshalling depend on the kind tag
// being consistent with the populated fields.
type EndpointID struct {
	kind eidKind

	// Ipn fields (RFC 9758). legacy records whether this value was parsed
	// from the 2-element wire form or built with allocator 0.
	ipnAllocator uint64
	ipnNode      uint64
	ipnService   uint64
	ipnLegacy    bool

	// LocalNode field (ipn:!.<service>).
	localService uint64

	// Dtn fields.
	dtnNodeName   string
	dtnDemuxPath  string
	dtnIsNoneForm bool // true only for the literal "dtn:none"

	// Unknown fields: any scheme this codec does not decode.
	unknownScheme uint64
	unknownBody   []byte
}

// DtnNone returns the null endpoint in its "dtn:none" spelling.
func DtnNone() EndpointID {
	return EndpointID{kind: eidNull}
}

// IpnZero returns the null endpoint in its "ipn:0.0" spelling. Equality
// treats it identically to DtnNone(): both are the Null variant.
func IpnZero() EndpointID { return EndpointID{kind: eidNull} }

// NewLocalNode builds the LocalNode("this node") EID for the given
// service number.
func NewLocalNode(service uint64) EndpointID {
	return EndpointID{kind: eidLocalNode, localService: service}
}

// NewIpn builds an RFC 9758 ipn EID. legacy is reported by IpnComponents
// and selects the 2-component text form in String; it has no effect on
// equality or matching. MarshalCbor does not consult it: it emits the
// 2-element wire form exactly when allocator is 0.
func NewIpn(allocator, node, service uint64, legacy bool) EndpointID {
	if allocator == 0 {
		legacy = true
	}
	return EndpointID{kind: eidIpn, ipnAllocator: allocator, ipnNode: node, ipnService: service, ipnLegacy: legacy}
}

// NewDtn builds a dtn:// EID from its authority and path components.
func NewDtn(nodeName, demuxPath string) EndpointID {
	return EndpointID{kind: eidDtn, dtnNodeName: nodeName, dtnDemuxPath: demuxPath}
}

// NewUnknown preserves an unrecognised scheme's wire body verbatim.
func NewUnknown(schemeCode uint64, body []byte) EndpointID {
	return EndpointID{kind: eidUnknown, unknownScheme: schemeCode, unknownBody: append([]byte(nil), body...)}
}

var ipnRe = regexp.MustCompile(`^ipn:(?:(\d+)\.)?(\d+)\.(\d+)$`)
var ipnLocalRe = regexp.MustCompile(`^ipn:!\.(\d+)$`)
var dtnRe = regexp.MustCompile(`^dtn://([^/]*)(/.*)?$`)

// ParseEID parses an EID's textual form, per spec §6.3: ipn 2/3-component
// and "ipn:!.<s>" LocalNode forms, dtn:// URIs, and the literal "dtn:none".
func ParseEID(uri string) (EndpointID, error) {
	switch {
	case uri == "dtn:none":
		return DtnNone(), nil
	case uri == "ipn:0.0":
		return IpnZero(), nil
	case ipnLocalRe.MatchString(uri):
		m := ipnLocalRe.FindStringSubmatch(uri)
		svc, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return EndpointID{}, fmt.Errorf("bpv7: invalid ipn local-node service: %w", err)
		}
		return NewLocalNode(svc), nil
	case ipnRe.MatchString(uri):
		m := ipnRe.FindStringSubmatch(uri)
		var alloc uint64
		legacy := m[1] == ""
		if !legacy {
			a, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				return EndpointID{}, fmt.Errorf("bpv7: invalid ipn allocator: %w", err)
			}
			alloc = a
		}
		node, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return EndpointID{}, fmt.Errorf("bpv7: invalid ipn node: %w", err)
		}
		service, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return EndpointID{}, fmt.Errorf("bpv7: invalid ipn service: %w", err)
		}
		if node == 0 && service == 0 {
			return IpnZero(), nil
		}
		return NewIpn(alloc, node, service, legacy), nil
	case strings.HasPrefix(uri, "dtn://"):
		m := dtnRe.FindStringSubmatch(uri)
		if m == nil {
			return EndpointID{}, fmt.Errorf("bpv7: malformed dtn URI %q", uri)
		}
		return NewDtn(m[1], m[2]), nil
	default:
		return EndpointID{}, fmt.Errorf("bpv7: unrecognised EID %q", uri)
	}
}

// MustParseEID is ParseEID but panics on error; useful for constants in
// tests and configuration defaults.
func MustParseEID(uri string) EndpointID {
	eid, err := ParseEID(uri)
	if err != nil {
		panic(err)
	}
	return eid
}

// IsNull reports whether this is the absent endpoint.
func (e EndpointID) IsNull() bool { return e.kind == eidNull }

// IsLocalNode reports whether this EID represents "this node".
func (e EndpointID) IsLocalNode() bool { return e.kind == eidLocalNode }

// String renders the EID's textual form.
func (e EndpointID) String() string {
	switch e.kind {
	case eidNull:
		return "dtn:none"
	case eidLocalNode:
		return fmt.Sprintf("ipn:!.%d", e.localService)
	case eidIpn:
		if e.ipnLegacy || e.ipnAllocator == 0 {
			return fmt.Sprintf("ipn:%d.%d", e.ipnNode, e.ipnService)
		}
		return fmt.Sprintf("ipn:%d.%d.%d", e.ipnAllocator, e.ipnNode, e.ipnService)
	case eidDtn:
		return fmt.Sprintf("dtn://%s%s", e.dtnNodeName, e.dtnDemuxPath)
	case eidUnknown:
		return fmt.Sprintf("unknown-scheme-%d:%x", e.unknownScheme, e.unknownBody)
	default:
		return "dtn:none"
	}
}

// Equal reports EID equality for routing purposes: variant and logical
// value, not wire encoding. An Ipn EID with legacy=true equals one with
// legacy=false carrying the same (allocator, node, service) triple.
func (e EndpointID) Equal(o EndpointID) bool {
	if e.kind != o.kind {
		return false
	}
	switch e.kind {
	case eidNull:
		return true
	case eidLocalNode:
		return e.localService == o.localService
	case eidIpn:
		return e.ipnAllocator == o.ipnAllocator && e.ipnNode == o.ipnNode && e.ipnService == o.ipnService
	case eidDtn:
		return e.dtnNodeName == o.dtnNodeName && e.dtnDemuxPath == o.dtnDemuxPath
	case eidUnknown:
		return e.unknownScheme == o.unknownScheme && string(e.unknownBody) == string(o.unknownBody)
	default:
		return false
	}
}

// SameNode reports whether two EIDs address the same node, ignoring
// service/path. Used by the RIB for wildcard peer routes.
func (e EndpointID) SameNode(o EndpointID) bool {
	if e.kind != o.kind {
		return false
	}
	switch e.kind {
	case eidIpn:
		return e.ipnAllocator == o.ipnAllocator && e.ipnNode == o.ipnNode
	case eidDtn:
		return e.dtnNodeName == o.dtnNodeName
	default:
		return e.Equal(o)
	}
}

// IpnComponents returns the ipn triple and legacy flag for an Ipn EID.
// ok is false for any other kind.
func (e EndpointID) IpnComponents() (allocator, node, service uint64, legacy bool, ok bool) {
	if e.kind != eidIpn {
		return 0, 0, 0, false, false
	}
	return e.ipnAllocator, e.ipnNode, e.ipnService, e.ipnLegacy, true
}

// LocalNodeService returns the service number of a LocalNode EID. ok is
// false for any other kind.
func (e EndpointID) LocalNodeService() (service uint64, ok bool) {
	if e.kind != eidLocalNode {
		return 0, false
	}
	return e.localService, true
}

// DtnComponents returns the node name and demux path of a Dtn EID. ok is
// false for any other kind.
func (e EndpointID) DtnComponents() (nodeName, demuxPath string, ok bool) {
	if e.kind != eidDtn {
		return "", "", false
	}
	return e.dtnNodeName, e.dtnDemuxPath, true
}

// CheckValid returns an error describing why this EID is malformed, or nil.
func (e EndpointID) CheckValid() error {
	switch e.kind {
	case eidDtn:
		if e.dtnNodeName == "" {
			return fmt.Errorf("bpv7: dtn EID has empty node name")
		}
	case eidIpn:
		// allocator 0 with node/service 0 is the null EID, constructed via
		// IpnZero; any other triple is valid.
	}
	return nil
}

// MarshalCbor writes this EID's CBOR representation: a 2-element array of
// [scheme-code, scheme-specific-part].
func (e *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	switch e.kind {
	case eidNull:
		if err := cboring.WriteUInt(schemeDtn, w); err != nil {
			return err
		}
		return cboring.WriteUInt(0, w)

	case eidDtn:
		if err := cboring.WriteUInt(schemeDtn, w); err != nil {
			return err
		}
		return cboring.WriteTextString(e.dtnNodeName+e.dtnDemuxPath, w)

	case eidLocalNode:
		if err := cboring.WriteUInt(schemeIpn, w); err != nil {
			return err
		}
		if err := cboring.WriteArrayLength(2, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(localNodeMarker, w); err != nil {
			return err
		}
		return cboring.WriteUInt(e.localService, w)

	case eidIpn:
		if err := cboring.WriteUInt(schemeIpn, w); err != nil {
			return err
		}
		if e.ipnAllocator == 0 {
			if err := cboring.WriteArrayLength(2, w); err != nil {
				return err
			}
			if err := cboring.WriteUInt(e.ipnNode, w); err != nil {
				return err
			}
			return cboring.WriteUInt(e.ipnService, w)
		}
		if err := cboring.WriteArrayLength(3, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(e.ipnAllocator, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(e.ipnNode, w); err != nil {
			return err
		}
		return cboring.WriteUInt(e.ipnService, w)

	case eidUnknown:
		if err := cboring.WriteUInt(e.unknownScheme, w); err != nil {
			return err
		}
		_, err := w.Write(e.unknownBody)
		return err

	default:
		return fmt.Errorf("bpv7: cannot marshal EID of unknown kind")
	}
}

// UnmarshalCbor reads an EID's CBOR representation.
func (e *EndpointID) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("bpv7: EID expects array of 2 elements, got %d", n)
	}

	scheme, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	switch scheme {
	case schemeDtn:
		major, l, err := cboring.ReadMajors(r)
		if err != nil {
			return err
		}
		if major == cboring.UInt && l == 0 {
			*e = EndpointID{kind: eidNull}
			return nil
		}
		if major != cboring.TextString {
			return fmt.Errorf("bpv7: dtn EID expects a text string or 0, got major type %#x", major)
		}
		raw, err := cboring.ReadRawBytes(l, r)
		if err != nil {
			return err
		}
		s := string(raw)
		if s == "" || s == "none" {
			*e = EndpointID{kind: eidNull}
			return nil
		}
		nodeName, path := splitDtnURI(s)
		*e = EndpointID{kind: eidDtn, dtnNodeName: nodeName, dtnDemuxPath: path}
		return nil

	case schemeIpn:
		l, err := cboring.ReadArrayLength(r)
		if err != nil {
			return err
		}
		switch l {
		case 2:
			node, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			service, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			switch {
			case node == localNodeMarker:
				*e = EndpointID{kind: eidLocalNode, localService: service}
			case node == 0 && service == 0:
				*e = EndpointID{kind: eidNull}
			default:
				*e = EndpointID{kind: eidIpn, ipnNode: node, ipnService: service, ipnLegacy: true}
			}
			return nil
		case 3:
			alloc, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			node, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			service, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			*e = EndpointID{kind: eidIpn, ipnAllocator: alloc, ipnNode: node, ipnService: service}
			return nil
		default:
			return fmt.Errorf("bpv7: ipn EID expects array of 2 or 3 elements, got %d", l)
		}

	default:
		body, err := captureRemainingSSP(r)
		if err != nil {
			return err
		}
		*e = EndpointID{kind: eidUnknown, unknownScheme: scheme, unknownBody: body}
		return nil
	}
}

// splitDtnURI splits a dtn URI's scheme-specific part ("//node/path") into
// its authority and path components.
func splitDtnURI(ssp string) (nodeName, path string) {
	ssp = strings.TrimPrefix(ssp, "//")
	if i := strings.IndexByte(ssp, '/'); i >= 0 {
		return ssp[:i], ssp[i:]
	}
	return ssp, ""
}

// captureRemainingSSP captures the scheme-specific part of an unknown EID
// as its complete CBOR encoding, header included, since its shape is
// opaque to this codec; MarshalCbor writes those bytes back unchanged.
// Unknown SSPs may legally be encoded as a byte string or a text string.
func captureRemainingSSP(r io.Reader) ([]byte, error) {
	raw := new(bytes.Buffer)
	tr := io.TeeReader(r, raw)
	major, n, err := cboring.ReadMajors(tr)
	if err != nil {
		return nil, err
	}
	if major != cboring.ByteString && major != cboring.TextString {
		return nil, fmt.Errorf("bpv7: unknown EID scheme-specific part has major type %#x", major)
	}
	if _, err := cboring.ReadRawBytes(n, tr); err != nil {
		return nil, err
	}
	return raw.Bytes(), nil
}
