package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		log.Fatal(err)
	}
}
