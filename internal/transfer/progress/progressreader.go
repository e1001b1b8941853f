package progress

import "io"

// Reader wraps an io.Reader and reports the running byte count via a callback every
// interval bytes and once more when the total is reached.
type Reader struct {
	Reader     io.Reader
	Total      int64 // -1 when unknown
	OnProgress func(written int64, total int64)

	written        int64 // absolute position, including the starting offset
	sinceReport    int64
	reportInterval int64
}

// NewReader creates a Reader whose count starts at offset, so resumed transfers report
// absolute progress.
func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		written:        offset,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.written += int64(n)
		pr.sinceReport += int64(n)

		done := pr.Total > 0 && pr.written >= pr.Total
		if pr.OnProgress != nil && (pr.sinceReport >= pr.reportInterval || done) {
			pr.OnProgress(pr.written, pr.Total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// Written returns the absolute number of bytes seen so far.
func (pr *Reader) Written() int64 {
	return pr.written
}
