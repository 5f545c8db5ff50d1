//go:build !devlinkdebug

package protocol

// failFast turns accessor type mismatches into panics. Enabled by the
// devlinkdebug build tag.
const failFast = false
