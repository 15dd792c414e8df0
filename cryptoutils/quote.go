package cryptoutils

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var ErrQuoteMismatch = errors.New("attestation service quote does not bind the session key")

// ServiceMeasurements are the TDX measurement registers of the attestation
// service, keyed by register index (0 = MRTD, 1-4 = RTMR0-3).
type ServiceMeasurements map[int]string

// SessionReportData is the report data an attestation service running in a
// TDX guest puts in its quote when handing out a module session key: the
// SHA-512 of the module signature followed by the key.
func SessionReportData(signature, key []byte) [64]byte {
	h := sha512.New()
	h.Write(signature)
	h.Write(key)

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// QuoteVerifier checks a raw quote against the expected report data.
type QuoteVerifier func(reportData [64]byte, quote []byte) (ServiceMeasurements, error)

// VerifyServiceQuote verifies a TDX v4 quote with collateral fetched from
// Intel PCS and checks that it carries reportData.
func VerifyServiceQuote(reportData [64]byte, quote []byte) (ServiceMeasurements, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	body := v4Quote.TdQuoteBody
	if !bytes.Equal(body.ReportData, reportData[:]) {
		return nil, fmt.Errorf("%w: report data %x, expected %x", ErrQuoteMismatch, body.ReportData, reportData[:])
	}

	measurements := ServiceMeasurements{0: hex.EncodeToString(body.MrTd)}
	for i, rtmr := range body.Rtmrs {
		measurements[i+1] = hex.EncodeToString(rtmr)
	}
	return measurements, nil
}
