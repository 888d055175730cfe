// Package orders turns approved trade intents into venue orders: entry
// first, then the protective set (stop trigger, take-profit ladder,
// trailing trigger), with every placement mirrored into the database.
package orders

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// DeterministicAlertID derives a stable identifier for one signal occurrence
// so retries, reconnects and restarts cannot double-execute it. Two signals
// collide only when the same strategy fires the same direction on the same
// symbol and bar.
func DeterministicAlertID(symbol, source, direction string, barT int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d|%s", symbol, source, barT, direction)))
	return hex.EncodeToString(sum[:])
}
