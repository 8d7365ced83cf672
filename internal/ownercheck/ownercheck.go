// Package ownercheck asserts that an object is only used from a single
// goroutine.
package ownercheck

import (
	"fmt"
	"sync/atomic"

	"github.com/phuslu/goid"
)

const noOwner = int64(0)

// Checker remembers the goroutine that called Check first and panics
// if Check is later called from any other goroutine. The zero value is
// ready to use.
type Checker struct {
	owner    atomic.Int64
	disabled atomic.Bool
}

func (c *Checker) Check(methodName string) {
	if c.disabled.Load() {
		return
	}
	cur := goid.Goid()
	if c.owner.CompareAndSwap(noOwner, cur) {
		return
	}
	if owner := c.owner.Load(); owner != cur {
		panic(fmt.Errorf("%s is called from goroutine %d, but the object is owned by goroutine %d", methodName, cur, owner))
	}
}

// Release forgets the current owner; the next Check claims ownership.
func (c *Checker) Release() {
	c.owner.Store(noOwner)
}

func (c *Checker) SetEnabled(enabled bool) {
	c.disabled.Store(!enabled)
}
