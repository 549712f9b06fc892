package orders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxClientOrderIDLength is the cap Binance enforces on newClientOrderId.
const MaxClientOrderIDLength = 36

// Order roles stamped into client order ids.
const (
	RoleEntry = "entry"
	RoleExit  = "exit"
)

// ErrInvalidClientOrderID marks ids that were not produced by this engine.
var ErrInvalidClientOrderID = errors.New("invalid client order id")

// ClientOrderID is the structure recovered from an engine-issued id. The
// instance prefix is not the full instance id; it is enough to correlate
// exchange fills with audit lines.
type ClientOrderID struct {
	InstancePrefix string
	Role           string
	IssuedAt       time.Time
}

// NewClientOrderID builds the id stamped on every engine order:
// eng-{instance prefix}-{role}-{unix seconds}. Dashes are stripped from the
// instance id before taking the prefix so the id stays parseable, and the
// longest possible output is 29 characters, inside the exchange cap.
func NewClientOrderID(instanceID, role string, at time.Time) string {
	prefix := strings.ReplaceAll(instanceID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("eng-%s-%s-%d", prefix, role, at.Unix())
}

// ParseClientOrderID recovers the structured fields from an engine id. Ids
// from other sources (manual orders, other tools on the same account) fail
// with ErrInvalidClientOrderID so callers can tell foreign orders apart.
func ParseClientOrderID(id string) (ClientOrderID, error) {
	if id == "" || len(id) > MaxClientOrderIDLength {
		return ClientOrderID{}, ErrInvalidClientOrderID
	}
	parts := strings.Split(id, "-")
	if len(parts) != 4 || parts[0] != "eng" || parts[1] == "" {
		return ClientOrderID{}, ErrInvalidClientOrderID
	}
	if parts[2] != RoleEntry && parts[2] != RoleExit {
		return ClientOrderID{}, ErrInvalidClientOrderID
	}
	unix, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || unix <= 0 {
		return ClientOrderID{}, ErrInvalidClientOrderID
	}
	return ClientOrderID{
		InstancePrefix: parts[1],
		Role:           parts[2],
		IssuedAt:       time.Unix(unix, 0).UTC(),
	}, nil
}
