// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import "time"

// SetClock replaces the issuer's time source.
func (i *TokenIssuer) SetClock(now func() time.Time) {
	i.now = now
}
