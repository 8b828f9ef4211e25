package tools

import "fmt"

var errEmptySpec = fmt.Errorf("tool spec must declare at least one instruction")

func errUnknownOp(op Op) error {
	return fmt.Errorf("unknown instruction op %q", op)
}
