// Package report recovers an oracle's published answer from the raw bytes
// of its on-chain transmit call. Everything here is pure: malformed input
// yields "no result", never a panic, so callers can probe arbitrary
// calldata (e.g. transactions whose receipts are not indexed yet, or
// contracts whose event ABI drifted from the indexer's).
package report

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Variant identifies which historical shape of the transmit signature a
// call matches.
type Variant int

const (
	// VariantUnknown means no known layout parsed the call.
	VariantUnknown Variant = iota
	// VariantOCR2 is transmit(bytes32[3],bytes,bytes32[],bytes32[],bytes32).
	VariantOCR2
	// VariantOCR is the legacy transmit(bytes,bytes32[],bytes32[],bytes32).
	VariantOCR
)

func (v Variant) String() string {
	switch v {
	case VariantOCR2:
		return "ocr2"
	case VariantOCR:
		return "ocr"
	default:
		return "unknown"
	}
}

const selectorLen = 4

var (
	ocr2TransmitArgs abi.Arguments
	ocrTransmitArgs  abi.Arguments

	wordMod   = new(big.Int).Lsh(big.NewInt(1), 256)
	signBound = new(big.Int).Lsh(big.NewInt(1), 255)
)

func init() {
	mustType := func(s string) abi.Type {
		typ, err := abi.NewType(s, "", nil)
		if err != nil {
			panic("report: bad abi type " + s + ": " + err.Error())
		}
		return typ
	}

	bytes32x3 := mustType("bytes32[3]")
	bytesType := mustType("bytes")
	bytes32Slice := mustType("bytes32[]")
	bytes32Type := mustType("bytes32")

	ocr2TransmitArgs = abi.Arguments{
		{Name: "reportContext", Type: bytes32x3},
		{Name: "report", Type: bytesType},
		{Name: "rs", Type: bytes32Slice},
		{Name: "ss", Type: bytes32Slice},
		{Name: "rawVs", Type: bytes32Type},
	}
	ocrTransmitArgs = abi.Arguments{
		{Name: "report", Type: bytesType},
		{Name: "rs", Type: bytes32Slice},
		{Name: "ss", Type: bytes32Slice},
		{Name: "rawVs", Type: bytes32Type},
	}
}

// DetectVariant matches calldata against each known transmit layout in
// turn and returns the first that unpacks, together with the embedded
// report payload.
func DetectVariant(callData []byte) (Variant, []byte, bool) {
	if len(callData) <= selectorLen {
		return VariantUnknown, nil, false
	}
	packed := callData[selectorLen:]

	if values, err := ocr2TransmitArgs.Unpack(packed); err == nil {
		if payload, ok := values[1].([]byte); ok {
			return VariantOCR2, payload, true
		}
	}
	if values, err := ocrTransmitArgs.Unpack(packed); err == nil {
		if payload, ok := values[0].([]byte); ok {
			return VariantOCR, payload, true
		}
	}
	return VariantUnknown, nil, false
}

// Decode recovers the published answer from raw transmit calldata: the
// median of the signed observations carried by the report. The bool is
// false for any structural violation.
func Decode(callData []byte) (*big.Int, Variant, bool) {
	variant, payload, ok := DetectVariant(callData)
	if !ok {
		return nil, VariantUnknown, false
	}

	answer, ok := DecodeReport(payload)
	if !ok {
		return nil, VariantUnknown, false
	}
	return answer, variant, true
}

// DecodeReport recovers the answer from a bare report payload.
func DecodeReport(payload []byte) (*big.Int, bool) {
	observations, ok := ParseObservations(payload)
	if !ok {
		return nil, false
	}
	return MedianBig(observations)
}

// ParseObservations extracts the signed observation list from a report
// payload. The payload is itself ABI-encoded: its third word is a byte
// offset to a dynamic array of 192-bit signed observations, each stored
// right-aligned and sign-extended in a full 32-byte word.
func ParseObservations(payload []byte) ([]*big.Int, bool) {
	if len(payload) < 96 {
		return nil, false
	}

	offsetWord := new(big.Int).SetBytes(payload[64:96])
	if !offsetWord.IsInt64() {
		return nil, false
	}
	// Subtraction form: offset and count come straight off the wire, so
	// the additive comparisons would overflow int64 and pass.
	offset := offsetWord.Int64()
	if offset < 0 || offset > int64(len(payload))-32 {
		return nil, false
	}

	lengthWord := new(big.Int).SetBytes(payload[offset : offset+32])
	if !lengthWord.IsInt64() {
		return nil, false
	}
	count := lengthWord.Int64()
	if count < 0 || count > (int64(len(payload))-offset-32)/32 {
		return nil, false
	}

	observations := make([]*big.Int, 0, count)
	for i := int64(0); i < count; i++ {
		start := offset + 32 + i*32
		observations = append(observations, signExtend(payload[start:start+32]))
	}
	return observations, true
}

// signExtend interprets a 32-byte big-endian word as two's complement.
func signExtend(word []byte) *big.Int {
	value := new(big.Int).SetBytes(word)
	if value.Cmp(signBound) >= 0 {
		value.Sub(value, wordMod)
	}
	return value
}

// MedianBig returns the middle observation, taking the lower-middle
// element for even counts. False for an empty list.
func MedianBig(values []*big.Int) (*big.Int, bool) {
	n := len(values)
	if n == 0 {
		return nil, false
	}

	sorted := make([]*big.Int, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	if n%2 == 0 {
		return sorted[n/2-1], true
	}
	return sorted[n/2], true
}
