package transfer

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// BodyFromResponse turns a successful or range-related file response into a Body. requested
// is the offset sent in the Range header. The response body is closed on error.
func BodyFromResponse(resp *http.Response, requested int64) (*Body, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		return &Body{ReadCloser: resp.Body, Offset: 0, Total: resp.ContentLength}, nil
	case http.StatusPartialContent:
		start, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()

			return nil, &NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, APIMessage: err.Error(), Err: err}
		}

		return &Body{ReadCloser: resp.Body, Offset: start, Total: total, Partial: true}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()

		_, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || total < 0 {
			return nil, &NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, APIMessage: "range not satisfiable"}
		}

		// Nothing left to send: the caller compares total with what it already has.
		return &Body{ReadCloser: http.NoBody, Offset: requested, Total: total, Partial: true}, nil
	default:
		resp.Body.Close()

		return nil, &NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}
}

// ParseContentRange parses "bytes 400-999/1000" and "bytes */1000". The start is -1 for the
// unsatisfied form and the total is -1 when the server sends "*".
func ParseContentRange(v string) (start, total int64, err error) {
	rangeSpec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	rng, size, ok := strings.Cut(rangeSpec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("invalid content range total %q: %w", v, err)
		}
	}

	if rng == "*" {
		return -1, total, nil
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid content range start %q: %w", v, err)
	}

	return start, total, nil
}
