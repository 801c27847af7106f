package tcp

import "errors"

// writeRequest is one queued Write. idx and off track how far bufs have
// been flushed.
type writeRequest struct {
	bufs [][]byte
	cb   WriteFunc
	idx  int
	off  int
}

// flush writes as much of the request as the socket accepts. It returns nil
// once every buffer is on the wire and ErrWouldBlock when it must wait.
func (r *writeRequest) flush(sock Socket) error {
	for r.idx < len(r.bufs) {
		b := r.bufs[r.idx][r.off:]
		if len(b) == 0 {
			r.idx++
			r.off = 0
			continue
		}

		n, err := sock.Write(b)
		r.off += n
		if r.off == len(r.bufs[r.idx]) {
			r.idx++
			r.off = 0
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// flushWrites drains the queue head first, completing each request on the
// next iteration. It returns nil when the socket stops accepting bytes and
// the underlying error when the connection failed.
func (h *Handle) flushWrites() error {
	for h.writes.Length() > 0 {
		req := h.writes.Peek().(*writeRequest)
		if err := req.flush(h.sock); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}

		h.writes.Remove()
		if req.cb != nil {
			h.deliver(func() { req.cb(h, nil) })
		}
	}

	return nil
}
