// Package firehose ingests events from both protocols' brokers: the atproto
// sync relay's binary commit stream and nostr relays' JSON subscriptions.
package firehose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Frame type tags on the subscribeRepos stream.
const (
	FrameCommit   = "#commit"
	FrameIdentity = "#identity"
	FrameAccount  = "#account"
	FrameHandle   = "#handle"
	FrameInfo     = "#info"
)

// Header is the first block of every framed message.
type Header struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

// ErrorPayload is the payload of an op=-1 frame.
type ErrorPayload struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

// CommitOp is one record operation inside a commit frame.
type CommitOp struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
	CID    any    `cbor:"cid"`
}

// CommitPayload is the payload of a #commit frame.
type CommitPayload struct {
	Seq    int64      `cbor:"seq"`
	Repo   string     `cbor:"repo"`
	Rev    string     `cbor:"rev"`
	Since  string     `cbor:"since"`
	Blocks []byte     `cbor:"blocks"`
	Ops    []CommitOp `cbor:"ops"`
	Time   string     `cbor:"time"`
	TooBig bool       `cbor:"tooBig"`
}

// AccountPayload covers #identity, #account, and #handle frames.
type AccountPayload struct {
	Seq    int64  `cbor:"seq"`
	DID    string `cbor:"did"`
	Time   string `cbor:"time"`
	Handle string `cbor:"handle"`
	Active bool   `cbor:"active"`
}

var decMode cbor.DecMode

func init() {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = mode
}

// DecodeFrame splits a framed message into its header and raw payload
// bytes.
func DecodeFrame(msg []byte) (Header, []byte, error) {
	dec := decMode.NewDecoder(bytes.NewReader(msg))
	var h Header
	if err := dec.Decode(&h); err != nil {
		return Header{}, nil, fmt.Errorf("decode frame header: %w", err)
	}
	return h, msg[dec.NumBytesRead():], nil
}

// DecodePayload decodes a frame payload into out.
func DecodePayload(payload []byte, out any) error {
	return decMode.Unmarshal(payload, out)
}

// ─── CAR decoding ─────────────────────────────────────────────────────────────

// DecodeCAR reads the CAR-encoded blocks attached to a commit and returns
// the decoded records keyed by CID string.
func DecodeCAR(data []byte) (map[string]map[string]any, error) {
	if len(data) == 0 {
		return map[string]map[string]any{}, nil
	}

	// Header block: varint length, then a cbor map we don't need.
	hdrLen, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("car header length: %w", err)
	}
	rest := data[n:]
	if uint64(len(rest)) < hdrLen {
		return nil, fmt.Errorf("car header truncated")
	}
	rest = rest[hdrLen:]

	blocks := map[string]map[string]any{}
	for len(rest) > 0 {
		blockLen, n, err := varint.FromUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("car block length: %w", err)
		}
		rest = rest[n:]
		if uint64(len(rest)) < blockLen {
			return nil, fmt.Errorf("car block truncated")
		}
		block := rest[:blockLen]
		rest = rest[blockLen:]

		consumed, blockCID, err := cid.CidFromBytes(block)
		if err != nil {
			return nil, fmt.Errorf("car block cid: %w", err)
		}

		var record map[string]any
		if err := decMode.Unmarshal(block[consumed:], &record); err != nil {
			// Non-map blocks (MST nodes, commit objects) are skipped; only
			// record blocks matter here, and those always decode as maps.
			continue
		}
		blocks[blockCID.String()] = normalizeRecord(record).(map[string]any)
	}
	return blocks, nil
}

// OpCID extracts the cid.Cid from a CommitOp's raw decoded cid field, which
// arrives as a dag-cbor tag-42 link.
func OpCID(op CommitOp) (cid.Cid, bool) {
	return castCID(op.CID)
}

func castCID(v any) (cid.Cid, bool) {
	tag, ok := v.(cbor.Tag)
	if !ok || tag.Number != 42 {
		return cid.Undef, false
	}
	raw, ok := tag.Content.([]byte)
	if !ok || len(raw) < 2 || raw[0] != 0 {
		return cid.Undef, false
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, false
	}
	return c, true
}

// normalizeRecord rewrites decoded dag-cbor values into JSON-safe form:
// tag-42 links become their string CID encoding, raw bytes become base64.
func normalizeRecord(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeRecord(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalizeRecord(val)
		}
		return x
	case cbor.Tag:
		if c, ok := castCID(x); ok {
			return c.String()
		}
		return normalizeRecord(x.Content)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return v
	}
}
