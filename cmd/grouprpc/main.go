package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	a := cli.NewApp()
	a.Name = "grouprpc"
	a.Usage = "RPC among the members of a process group"
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name: "debug",
		},
		cli.StringFlag{
			Name:  "codec",
			Value: "binary",
			Usage: "Envelope codec, json or binary",
		},
		cli.IntFlag{
			Name:  "max-frame-size",
			Value: 1 << 20,
		},
	}
	a.Commands = []cli.Command{
		ServeCmd(),
		DemoCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
