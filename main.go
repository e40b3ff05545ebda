package main

import (
	"context"
	"fmt"
	"os"

	"github.com/life2you_mini/rwaoracle/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
