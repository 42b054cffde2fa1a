package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ionforge/orchestrator/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()
	if len(os.Args) > 1 {
		err = a.RunRequestFile(ctx, os.Args[1])
	} else {
		err = a.RunDemo(ctx)
	}
	if err != nil {
		a.Log.Error("run failed", "error", err.Error())
		os.Exit(1)
	}
}
