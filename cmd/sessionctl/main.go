// Command sessionctl drives a monitorauth session from the terminal: sign in,
// inspect and refresh the session, edit the profile, and watch the state.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Debug().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
