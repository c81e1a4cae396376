package chain

import (
	"errors"
	"strings"
)

// ErrReceiptUnsupported marks providers that cannot wait for receipts; the
// engine then uses its settle-delay fallback instead of a confirmation wait.
var ErrReceiptUnsupported = errors.New("chain provider cannot wait for receipts")

var rejectionMarkers = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"request rejected",
	"action_rejected",
	"code 4001",
}

var noGasMarkers = []string{
	"insufficient funds for gas",
	"insufficient funds for transfer",
	"insufficient balance for fees",
}

// IsRejected reports whether err is the wallet's signature-rejection signal.
func IsRejected(err error) bool {
	return matchesAny(err, rejectionMarkers)
}

// IsNoGas reports whether err indicates the account cannot pay for gas.
func IsNoGas(err error) bool {
	return matchesAny(err, noGasMarkers)
}

func matchesAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
