// Command nthreadctl is the cobra-based front-end over the nthread
// library: attach to a thread and drive it interactively, dump the
// discovered gadget pool, or inspect a live heap's zone occupancy.
// It is ambient surface (spec.md §1's CLI/surface concerns are listed
// as out of scope for the *library*, but a production Go module still
// ships one) exercising the logging/config wiring the rest of the
// module carries.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
