package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

const Version = "0.1.0"

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := newRootCommand().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
