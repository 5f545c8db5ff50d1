package protocol

// Well-known package types. Plugins define their own; these are the ones the
// link layer itself produces or consumes.
const (
	// TypeIdentity is the first package on every session and the discovery beacon payload.
	TypeIdentity = "devlink.identity"
	// TypeEncrypted wraps a sealed, serialized inner package.
	TypeEncrypted = "devlink.encrypted"
	// TypePing is the minimal liveness package used by self tests and the node binary.
	TypePing = "ping"
)

// ProtocolVersion is advertised in identity packages.
const (
	ProtocolVersion    = 1
	MinProtocolVersion = 1
)

// Body keys used by the link layer.
const (
	KeyEncryptedData = "data"
	KeyTransferPort  = "port"
	KeyTransferAddr  = "addr"
	KeyTransferHint  = "transport"
)
