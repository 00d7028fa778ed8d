package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

// Frame is a tagged, length-prefixed message: 4-byte big-endian length,
// then a 1-byte tag, then the canonical-CBOR body (spec.md §6.3).
type Frame struct {
	Tag  MessageTag
	Body []byte
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, tag MessageTag, payload any) error {
	body, err := linkdata.Encode(payload)
	if err != nil {
		return jaxerr.Wrap(jaxerr.MalformedMessage, "encode frame body", err)
	}
	if len(body) > MaxFrameBody {
		return jaxerr.New(jaxerr.MalformedMessage, "frame body exceeds 1 MiB bound")
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)+1))
	header[4] = byte(tag)

	if _, err := w.Write(header); err != nil {
		return jaxerr.Wrap(jaxerr.Timeout, "write frame header", err)
	}
	if _, err := w.Write(body); err != nil {
		return jaxerr.Wrap(jaxerr.Timeout, "write frame body", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A zero or oversized
// length is MalformedMessage; the caller must close the stream on that
// error per spec.md §4.7. A read that fails or ends early, including a
// truncated frame, is reported as Timeout.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, jaxerr.Wrap(jaxerr.Timeout, "read frame length", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || int(n) > MaxFrameBody+1 {
		return Frame{}, jaxerr.New(jaxerr.MalformedMessage, fmt.Sprintf("frame length %d out of bounds", n))
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, jaxerr.Wrap(jaxerr.Timeout, "read frame body", err)
	}
	return Frame{Tag: MessageTag(buf[0]), Body: buf[1:]}, nil
}

// DecodePingRequest, etc. below unwrap a Frame's body into its typed form
// once ReadFrame has told the caller which tag it carries.

func DecodePingRequest(f Frame) (PingRequest, error) {
	var v PingRequest
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode ping request", err)
	}
	return v, nil
}

func DecodePingResponse(f Frame) (PingResponse, error) {
	var v PingResponse
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode ping response", err)
	}
	return v, nil
}

func DecodeFetchBucketRequest(f Frame) (FetchBucketRequest, error) {
	var v FetchBucketRequest
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode fetch-bucket request", err)
	}
	return v, nil
}

func DecodeFetchBucketResponse(f Frame) (FetchBucketResponse, error) {
	var v FetchBucketResponse
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode fetch-bucket response", err)
	}
	return v, nil
}

func DecodeAnnounce(f Frame) (AnnounceMessage, error) {
	var v AnnounceMessage
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode announce", err)
	}
	return v, nil
}

func DecodeFetchBlockRequest(f Frame) (FetchBlockRequest, error) {
	var v FetchBlockRequest
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode fetch-block request", err)
	}
	return v, nil
}

func DecodeFetchBlockResponse(f Frame) (FetchBlockResponse, error) {
	var v FetchBlockResponse
	if err := linkdata.Decode(f.Body, &v); err != nil {
		return v, jaxerr.Wrap(jaxerr.MalformedMessage, "decode fetch-block response", err)
	}
	return v, nil
}
