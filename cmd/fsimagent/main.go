// fsimagent is the per-host command endpoint the fleet dispatcher talks to.
// It accepts multiplexed command streams and runs each through the shell.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cmx-Y/firesim/remote"
)

func main() {
	port := flag.Int("port", remote.DefaultAgentPort, "TCP port to listen on")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	agent, err := remote.NewAgent(fmt.Sprintf(":%d", *port), nil)
	if err != nil {
		log.Fatalf("starting agent: %v", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
	log.Info("received signal, shutting down")
	agent.Close()
}
