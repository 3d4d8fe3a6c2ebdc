// Package control decodes live reconfiguration commands from a side
// channel and hands them over to the main loop once per frame.
package control

import (
	"errors"
	"fmt"

	"github.com/xaionaro-go/avdecorate/compositor"
)

// ErrMalformed is returned for commands that cannot be parsed; such
// commands are skipped without side effects.
var ErrMalformed = errors.New("malformed command")

type Op int

const (
	OpUndefined = Op(iota)
	OpAdd
	OpDel
	OpMod
	OpSubOut
	OpStopSub
	OpSwitchProduct
)

func (op Op) String() string {
	switch op {
	case OpUndefined:
		return "<undefined>"
	case OpAdd:
		return "ADD"
	case OpDel:
		return "DEL"
	case OpMod:
		return "MOD"
	case OpSubOut:
		return "SUBOUT"
	case OpStopSub:
		return "STOPSUB"
	case OpSwitchProduct:
		return "SWPROD"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// TargetsMaterial reports whether the command addresses a single material.
func (op Op) TargetsMaterial() bool {
	return op == OpAdd || op == OpDel || op == OpMod
}

type Command struct {
	Op         Op
	ProductID  int
	MaterialID int

	// Layer and Rect are the new placement of MOD; Rect is in input
	// coordinates.
	Layer int
	Rect  compositor.Rect

	// Payload is the material spec of ADD or the sub-output spec of SUBOUT.
	Payload string
}

func (c Command) String() string {
	switch c.Op {
	case OpAdd:
		return fmt.Sprintf("ADD[%d:%d](%s)", c.ProductID, c.MaterialID, c.Payload)
	case OpDel:
		return fmt.Sprintf("DEL[%d:%d]", c.ProductID, c.MaterialID)
	case OpMod:
		return fmt.Sprintf("MOD[%d:%d](layer:%d %s)", c.ProductID, c.MaterialID, c.Layer, c.Rect)
	case OpSubOut:
		return fmt.Sprintf("SUBOUT(%s)", c.Payload)
	case OpSwitchProduct:
		return fmt.Sprintf("SWPROD(%d)", c.ProductID)
	default:
		return c.Op.String()
	}
}

// Validate checks the fields the command's operation relies on.
func (c Command) Validate() error {
	switch c.Op {
	case OpAdd, OpDel, OpMod:
		if c.MaterialID < 1 {
			return fmt.Errorf("%w: %s: material id must be positive, got %d", ErrMalformed, c.Op, c.MaterialID)
		}
		if c.Op == OpAdd && c.Payload == "" {
			return fmt.Errorf("%w: ADD: empty material spec", ErrMalformed)
		}
	case OpSubOut:
		if c.Payload == "" {
			return fmt.Errorf("%w: SUBOUT: empty output spec", ErrMalformed)
		}
	case OpStopSub:
	case OpSwitchProduct:
		if c.ProductID <= 0 {
			return fmt.Errorf("%w: SWPROD: product id must be positive, got %d", ErrMalformed, c.ProductID)
		}
	default:
		return fmt.Errorf("%w: unknown operation %s", ErrMalformed, c.Op)
	}
	return nil
}
