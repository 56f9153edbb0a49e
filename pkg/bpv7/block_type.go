package bpv7

// Extension block type codes, per RFC 9171 §4.3 and registered extensions.
const (
	ExtBlockTypePayload       uint64 = 1
	ExtBlockTypePreviousNode  uint64 = 6
	ExtBlockTypeBundleAge     uint64 = 7
	ExtBlockTypeHopCount      uint64 = 10
	ExtBlockTypeBlockIntegrity     uint64 = 11
	ExtBlockTypeBlockConfidentiality uint64 = 12
)

// ExtensionBlockData is the decoded payload of a canonical (non-payload)
// block. CanonicalBlock always retains the raw wire bytes too, so a block
// this codec does not recognise round-trips unchanged.
type ExtensionBlockData interface {
	// MarshalBinary returns this block's CBOR-encoded byte-string content.
	MarshalBinary() ([]byte, error)
}

// extensionBlockFactory decodes a block type's raw payload bytes into its
// typed representation. Registered types get a parsed view via
// CanonicalBlock.Typed; unregistered types are only available as raw
// bytes via CanonicalBlock.Data.
type extensionBlockFactory func(data []byte) (ExtensionBlockData, error)

var extensionBlockFactories = map[uint64]extensionBlockFactory{}

func registerExtensionBlock(typeCode uint64, factory extensionBlockFactory) {
	extensionBlockFactories[typeCode] = factory
}

// RegisterExtensionBlockFactory lets other packages (pkg/bpsec, for its
// BIB/BCB security blocks) teach this codec how to decode a block type it
// does not know about natively, without this package importing them.
func RegisterExtensionBlockFactory(typeCode uint64, factory func(data []byte) (ExtensionBlockData, error)) {
	registerExtensionBlock(typeCode, factory)
}
