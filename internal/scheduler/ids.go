package scheduler

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewID returns prefix-<base62 of a random UUID>. The result stays within the
// exchange's 36 character client order id limit even with a short suffix added.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "-" + base62.EncodeToString(u[:])
}

// clientOrderID derives a deterministic client order id for one order of a plan.
func clientOrderID(planID, part string, n int) string {
	if n <= 0 {
		return planID + "-" + part
	}
	return fmt.Sprintf("%s-%s%d", planID, part, n)
}
