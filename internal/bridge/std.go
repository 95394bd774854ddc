package bridge

import "io"

// Std is the standard hook environment: print functions writing to w and
// the Request class.
func Std(w io.Writer) Bridge {
	return Group(Print(w), RequestClass)
}
