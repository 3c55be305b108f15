package boservice

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/hermesbo/bufferorganizer/internal/clusterconfig"
	"github.com/spf13/cobra"
)

// Verb names this service's cobra subcommand, the way stomediascanner
// names its own.
const Verb = "bo"

// Entrypoint returns the cobra command that boots one BO node.
func Entrypoint() *cobra.Command {
	configPath := "bo-config.json"

	cmd := &cobra.Command{
		Use:   Verb,
		Short: "Starts a buffer organizer node",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			ctx, cancel := context.WithCancel(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger))

			go func() {
				_, _ = io.Copy(ioutil.Discard, os.Stdin)

				logex.Levels(rootLogger).Error.Println("parent process died (detected by closed stdin) - stopping")

				cancel()
			}()

			f, err := clusterconfig.Read(configPath, false)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			if err := logic(ctx, f, rootLogger); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", configPath, "Path to the node's cluster config file")

	return cmd
}
