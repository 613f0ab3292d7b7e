package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ekisa-team/lotabots/cmd/lotabots/commands"
)

func main() {
	if err := commands.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
