// Command rundir runs the runtime-directory session hooks. It is meant to be
// called by pam_exec or a login manager once per session open and close.
package main

import (
	"fmt"
	"os"

	"github.com/hnrobert/rundir/internal/logger"
	"github.com/hnrobert/rundir/internal/session"
)

func main() {
	err := newRootCmd(true).Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rundir: %v\n", err)
	}
	os.Exit(session.StatusOf(err).PAMCode())
}
