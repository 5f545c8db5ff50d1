package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

const readChunk = 4096

// Exchange sends the local identity package and reads the remote one. The
// write runs concurrently with the read so that unbuffered sessions (pipes)
// cannot deadlock. Bytes that arrive after the remote identity stay in dec
// for the link that takes over the session. Deadlines are cleared on return.
func Exchange(ctx context.Context, sess transport.Session, local Info, f protocol.Format, dec *protocol.Decoder, timeout time.Duration) (Info, error) {
	data, err := local.Package().Serialize(f)
	if err != nil {
		return Info{}, fmt.Errorf("handshake: encode identity: %w", err)
	}

	deadline, hasDeadline := ctx.Deadline()
	if timeout > 0 {
		if d := time.Now().Add(timeout); !hasDeadline || d.Before(deadline) {
			deadline, hasDeadline = d, true
		}
	}
	if hasDeadline {
		_ = sess.SetReadDeadline(deadline)
		_ = sess.SetWriteDeadline(deadline)
	}
	defer func() {
		_ = sess.SetReadDeadline(time.Time{})
		_ = sess.SetWriteDeadline(time.Time{})
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = sess.SetReadDeadline(time.Now())
		_ = sess.SetWriteDeadline(time.Now())
	})
	defer stop()

	werr := make(chan error, 1)
	go func() {
		_, err := sess.Write(data)
		werr <- err
	}()

	remote, rerr := readIdentity(sess, dec)
	if rerr != nil {
		// unblock a writer the peer is not reading from
		_ = sess.SetWriteDeadline(time.Now())
	}
	err = <-werr
	if rerr == nil && err != nil {
		rerr = fmt.Errorf("handshake: write identity: %w", err)
	}
	if rerr != nil {
		if ctx.Err() != nil {
			return Info{}, fmt.Errorf("handshake: %w", ctx.Err())
		}
		return Info{}, rerr
	}
	return remote, nil
}

func readIdentity(sess transport.Session, dec *protocol.Decoder) (Info, error) {
	buf := make([]byte, readChunk)
	for {
		p, err := dec.Next()
		switch {
		case err == nil:
			return Parse(p)
		case errors.Is(err, protocol.ErrNeedMore):
		default:
			return Info{}, fmt.Errorf("handshake: read identity: %w", err)
		}
		n, err := sess.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			continue
		}
		if err != nil {
			return Info{}, fmt.Errorf("handshake: read identity: %w", err)
		}
	}
}
