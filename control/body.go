package control

import (
	"fmt"
	"strconv"
	"strings"
)

func atoi(s, what string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s '%s'", ErrMalformed, what, s)
	}
	return v, nil
}

// ParseBody parses the colon-delimited body of an operation:
//
//	ADD:     productId:materialId:materialSpec
//	DEL:     productId:materialId
//	MOD:     productId:materialId:layer:top:left:width:height
//	SUBOUT:  sub-output spec
//	STOPSUB: empty
//	SWPROD:  productId
func ParseBody(op Op, body string) (Command, error) {
	body = strings.TrimRight(body, "\r\n\x00")
	cmd := Command{Op: op}
	switch op {
	case OpSubOut:
		cmd.Payload = strings.TrimSpace(body)
		return cmd, nil
	case OpStopSub:
		return cmd, nil
	case OpSwitchProduct:
		var err error
		cmd.ProductID, err = atoi(body, "product id")
		return cmd, err
	case OpAdd, OpDel, OpMod:
	default:
		return cmd, fmt.Errorf("%w: unknown operation %s", ErrMalformed, op)
	}

	limit := -1
	if op == OpAdd {
		limit = 3
	}
	fields := strings.SplitN(body, ":", limit)
	need := map[Op]int{OpAdd: 3, OpDel: 2, OpMod: 7}[op]
	if len(fields) < need {
		return cmd, fmt.Errorf("%w: %s needs %d fields, got %d in '%s'", ErrMalformed, op, need, len(fields), body)
	}

	var err error
	if cmd.ProductID, err = atoi(fields[0], "product id"); err != nil {
		return cmd, err
	}
	if cmd.MaterialID, err = atoi(fields[1], "material id"); err != nil {
		return cmd, err
	}
	switch op {
	case OpAdd:
		cmd.Payload = strings.TrimSpace(fields[2])
	case OpMod:
		ints := make([]int, 5)
		for i, name := range []string{"layer", "top", "left", "width", "height"} {
			if ints[i], err = atoi(fields[2+i], name); err != nil {
				return cmd, err
			}
		}
		cmd.Layer = ints[0]
		cmd.Rect.Y = ints[1]
		cmd.Rect.X = ints[2]
		cmd.Rect.Width = ints[3]
		cmd.Rect.Height = ints[4]
	}
	return cmd, nil
}

var lineOps = []struct {
	keyword string
	op      Op
}{
	{"ADD", OpAdd},
	{"DEL", OpDel},
	{"MOD", OpMod},
	{"SUBOUT", OpSubOut},
	{"STOPSUB", OpStopSub},
	{"SWPROD", OpSwitchProduct},
}

// ParseLine parses one line of a text command file, e.g. "DEL 1:5".
// Blank lines and '#' comments return nil.
func ParseLine(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	keyword, rest, _ := strings.Cut(line, " ")
	if k, r, ok := strings.Cut(line, "\t"); ok && len(k) < len(keyword) {
		keyword, rest = k, r
	}
	for _, candidate := range lineOps {
		if !strings.EqualFold(keyword, candidate.keyword) {
			continue
		}
		cmd, err := ParseBody(candidate.op, strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return &cmd, nil
	}
	return nil, fmt.Errorf("%w: unknown command '%s'", ErrMalformed, keyword)
}
