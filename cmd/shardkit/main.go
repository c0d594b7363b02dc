package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"
)

const version = "0.3.0"

func main() {
	app := cli.NewCLI("shardkit", version)
	app.Args = os.Args[1:]

	app.Commands = map[string]cli.CommandFactory{
		"standalone":   StaticFactory(&StandaloneCmd{}),
		"coordinator":  StaticFactory(&CoordinatorCmd{}),
		"worker":       StaticFactory(&WorkerCmd{}),
		"status":       StaticFactory(&StatusCmd{}),
		"migrateshard": StaticFactory(&MigrateShardCmd{}),
		"resize":       StaticFactory(&ResizeCmd{}),
		"deregister":   StaticFactory(&DeregisterCmd{}),
	}

	exitStatus, err := app.Run()
	if err != nil {
		fmt.Println("Error: ", err)
	}

	os.Exit(exitStatus)
}

func StaticFactory(c cli.Command) cli.CommandFactory {
	return func() (cli.Command, error) {
		return c, nil
	}
}
