package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
)

// CancelledID is the account id sent for a cancelled setup.
const CancelledID int64 = -1

var ErrMalformedOutcome = errors.New("malformed outcome")

// ResultKind tells a created account apart from a cancellation and from a
// helper that never reported anything.
type ResultKind uint8

const (
	ResultNone ResultKind = iota
	ResultCreated
	ResultCancelled
)

// Result is the outcome of a setup operation.
type Result struct {
	kind ResultKind
	id   accounts.AccountID
}

// Created reports a created or edited account. id may be zero when the helper
// finished without storing the account.
func Created(id accounts.AccountID) Result {
	return Result{kind: ResultCreated, id: id}
}

// Cancelled reports that no account was produced.
func Cancelled() Result {
	return Result{kind: ResultCancelled}
}

func (r Result) Kind() ResultKind { return r.kind }

func (r Result) IsCancelled() bool { return r.kind == ResultCancelled }

// AccountID returns the reported account and whether one was reported.
func (r Result) AccountID() (accounts.AccountID, bool) {
	return r.id, r.kind == ResultCreated
}

// Text is the decimal form written to stdout when no channel is used.
func (r Result) Text() string {
	if r.kind == ResultCancelled {
		return strconv.FormatInt(CancelledID, 10)
	}
	return r.id.String()
}

func (r Result) String() string {
	switch r.kind {
	case ResultCreated:
		return "created(" + r.id.String() + ")"
	case ResultCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// ParseResultText parses the stdout form written by a helper.
func ParseResultText(s string) (Result, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutcome, err)
	}
	return resultFromWire(v)
}

func resultFromWire(v int64) (Result, error) {
	switch {
	case v == CancelledID:
		return Cancelled(), nil
	case v < 0 || v > math.MaxUint32:
		return Result{}, fmt.Errorf("%w: account id %d out of range", ErrMalformedOutcome, v)
	default:
		return Created(accounts.AccountID(v)), nil
	}
}

// Outcome is the single message a helper sends before it exits.
type Outcome struct {
	Result Result
	// ExitPayload is opaque to the protocol and round-tripped verbatim.
	ExitPayload []byte
}

// MarshalBinary encodes the outcome as a big-endian int64 account id followed
// by the length-prefixed payload.
func (o *Outcome) MarshalBinary() ([]byte, error) {
	var id int64
	switch o.Result.kind {
	case ResultCancelled:
		id = CancelledID
	case ResultCreated:
		id = int64(o.Result.id)
	default:
		return nil, fmt.Errorf("cannot encode an outcome without a result")
	}

	var buffer bytes.Buffer
	buffer.Grow(8 + protowire.SizeBytes(len(o.ExitPayload)))

	if err := binary.Write(&buffer, binary.BigEndian, id); err != nil {
		return nil, fmt.Errorf("failed to write account id: %w", err)
	}

	buffer.Write(protowire.AppendBytes(nil, o.ExitPayload))

	return buffer.Bytes(), nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary. Short input,
// trailing bytes and out of range ids are rejected.
func (o *Outcome) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)

	var id int64
	if err := binary.Read(reader, binary.BigEndian, &id); err != nil {
		return fmt.Errorf("%w: failed to read account id: %v", ErrMalformedOutcome, err)
	}

	result, err := resultFromWire(id)
	if err != nil {
		return err
	}

	rest := data[8:]
	payload, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return fmt.Errorf("%w: failed to read exit payload: %v", ErrMalformedOutcome, protowire.ParseError(n))
	}
	if n != len(rest) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedOutcome, len(rest)-n)
	}

	o.Result = result
	o.ExitPayload = append([]byte(nil), payload...)
	return nil
}
