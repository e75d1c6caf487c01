package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func maybeInjectRootAlias(inject string) {
	nonRootAliases := []string{"help", "version", "run", "completion"}

	if len(os.Args) > 1 {
		for _, v := range nonRootAliases {
			if os.Args[1] == v {
				return
			}
		}
	}
	os.Args = append([]string{os.Args[0], inject}, os.Args[1:]...)
}

func main() {
	maybeInjectRootAlias("run")
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running mgpu agent")
	}
}
