//go:build devlinkdebug

package protocol

const failFast = true
