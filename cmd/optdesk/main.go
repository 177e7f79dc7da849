// Command optdesk is the options pricing, hedging and P&L desk.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"options-desk/internal/cli"
)

func main() {
	// .env is optional; OPTDESK_* variables may also come from the shell.
	_ = godotenv.Load()

	root := cli.NewRootCmd()
	if cmd, err := root.ExecuteContextC(context.Background()); err != nil {
		cli.PrintError(cmd, err)
		os.Exit(1)
	}
}
