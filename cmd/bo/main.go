package main

import (
	"fmt"
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/hermesbo/bufferorganizer/internal/boservice"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Distributed buffer organizer node",
		Version: dynversion.Version,
	}

	rootCmd.AddCommand(boservice.Entrypoint())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
