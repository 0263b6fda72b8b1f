package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  "./config.json",
	Usage:  "path to the JSON or YAML config file",
	EnvVar: "LATERBOT_CONFIG",
}

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "laterbot"
	app.HelpName = "laterbot"
	app.Usage = "owner-only Telegram bot that delivers messages and files at a scheduled time"
	app.UsageText = "laterbot [--config path] <command>"
	app.Version = version
	app.Flags = []cli.Flag{configFlag}
	app.Action = runAction
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the bot and the delivery scheduler (default)",
			Flags:  []cli.Flag{configFlag},
			Action: runAction,
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "print pending deliveries without starting the bot",
			Flags:   []cli.Flag{configFlag},
			Action:  listAction,
		},
		{
			Name:   "check",
			Usage:  "validate the config and the persisted schedule",
			Flags:  []cli.Flag{configFlag},
			Action: checkAction,
		},
	}
	return app
}

// configPath prefers the command flag, then the global one.
func configPath(c *cli.Context) string {
	if c.IsSet("config") {
		return c.String("config")
	}
	if c.GlobalIsSet("config") {
		return c.GlobalString("config")
	}
	if p := c.String("config"); p != "" {
		return p
	}
	return c.GlobalString("config")
}
