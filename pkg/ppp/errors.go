package ppp

// errString is a lightweight sentinel error usable in const blocks.
type errString string

func (e errString) Error() string { return string(e) }

// Sentinel error kinds. A transport failure is not a distinct sentinel
// here: it's whatever error the injected Transport returns, passed
// through unwrapped.
const (
	ErrShortPacket         errString = "short packet received"
	ErrOuterHeaderMismatch errString = "outer header mismatch"
	ErrMalformedPPP        errString = "malformed ppp header"
	ErrUnknownOption       errString = "invalid options"
	ErrUnsupportedProtocol errString = "unsupported ppp protocol"
	ErrUnexpectedPhase     errString = "unexpected state"
	ErrPeerDead            errString = "peer dead"
)
