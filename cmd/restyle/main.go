package main

import (
	"os"

	"github.com/spf13/cobra"

	chatcmder "github.com/quietloudlab/designmewithme/cmd/restyle/chat"
	checkcmder "github.com/quietloudlab/designmewithme/cmd/restyle/check"
	mergecmder "github.com/quietloudlab/designmewithme/cmd/restyle/merge"
	pushcmder "github.com/quietloudlab/designmewithme/cmd/restyle/push"
	servecmder "github.com/quietloudlab/designmewithme/cmd/restyle/serve"
)

const rootLongDesc string = `restyle runs a chat assistant that can restyle its own chat widget.

The assistant describes visual changes with a UI_CHANGE: directive in
its replies. Directives are checked against an allowlist before they
touch the session's style.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "restyle",
		Short:        "Self-restyling chat assistant",
		Long:         rootLongDesc,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		servecmder.NewServeCmd(),
		checkcmder.NewCheckCmd(),
		chatcmder.NewChatCmd(),
		mergecmder.NewMergeCmd(),
		pushcmder.NewPushCmd(),
	)

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
