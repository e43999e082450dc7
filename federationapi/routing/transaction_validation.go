// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Matrix spec limits on the number of PDUs/EDUs a single /send transaction
// may carry. https://spec.matrix.org/v1.9/server-server-api/#transactions
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// ValidateTransactionLimits rejects a transaction whose PDU or EDU count
// exceeds the federation transaction limits. PDUs are checked first so a
// transaction over both limits reports the PDU violation.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the deduplication key under which a
// transaction's result is cached, keyed by origin server and transaction ID
// with a NUL separator so no pair of distinct (origin, txnID) values can
// collide.
func GenerateTransactionKey(origin spec.ServerName, txnID gomatrixserverlib.TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}
