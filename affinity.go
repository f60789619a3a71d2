package qcarchive

import (
	"fmt"

	"github.com/timandy/routine"
)

// owner pins an object to the goroutine that created it.
type owner struct {
	goid uint64
}

func newOwner() owner {
	return owner{goid: routine.Goid()}
}

// check fails when called from any goroutine but the owner.
func (o owner) check(op string) error {
	if cur := routine.Goid(); cur != o.goid {
		return fmt.Errorf("%s called from goroutine %d, owned by goroutine %d: %w", op, cur, o.goid, ErrWrongGoroutine)
	}
	return nil
}
