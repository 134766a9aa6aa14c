package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Talkashi1111/Webserver/pkg/config"
	"github.com/Talkashi1111/Webserver/pkg/logging"
	"github.com/Talkashi1111/Webserver/pkg/reactor"
)

// defaultConfig is used when no configuration file is given.
const defaultConfig = "conf/default.conf"

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debug bool
	cmd := &cobra.Command{
		Use:   "webserver [config]",
		Short: "Event-driven HTTP/1.1 server with a CGI/1.1 gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				configPath = args[0]
			}
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}
			return run(configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, logging.Component(log, "config"))
	if err != nil {
		return err
	}

	r := reactor.New(cfg, logging.Component(log, "reactor"))
	if err := r.Setup(); err != nil {
		return err
	}
	defer r.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return r.Run()
	})
	g.Go(func() error {
		select {
		case sig := <-signals:
			log.Infof("received %s, shutting down", sig)
			r.Stop()
		case <-done:
		}
		return nil
	})
	return g.Wait()
}
