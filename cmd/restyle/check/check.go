package checkcmder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quietloudlab/designmewithme/cmd/restyle/termstyle"
	"github.com/quietloudlab/designmewithme/pkg/directive"
	"github.com/quietloudlab/designmewithme/pkg/policy"
)

const checkLongDesc string = `Check a saved assistant reply against the allowlist.

Runs the reply through directive extraction, parsing and policy
validation, and prints what would be applied and what would be
refused. Nothing is restyled. Reads stdin when the file is "-".

Examples:
  restyle check reply.txt
  restyle check --policy widget.toml reply.txt
  pbpaste | restyle check --strict -`

const checkShortDesc string = "Check an assistant reply's directive"

// maxValueWidth caps how much of a declaration value is printed.
const maxValueWidth = 60

// errRejected is returned under --strict when anything was refused.
var errRejected = errors.New("directive not fully permitted")

type checkCommander struct {
	policyPath string
	strict     bool
	showPolicy bool
}

func NewCheckCmd() *cobra.Command {
	cmder := &checkCommander{}

	cmd := &cobra.Command{
		Use:   "check <reply-file>",
		Short: checkShortDesc,
		Long:  checkLongDesc,
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.policyPath, "policy", "", "Path to an allowlist policy TOML file (default: built-in)")
	cmd.Flags().BoolVar(&cmder.strict, "strict", false, "Fail when the directive is malformed or anything is refused")
	cmd.Flags().BoolVar(&cmder.showPolicy, "show-policy", false, "Print the allowlist and exit")

	return cmd
}

func (c *checkCommander) run(cmd *cobra.Command, args []string) error {
	pol := policy.Default()
	if c.policyPath != "" {
		var err error
		pol, err = policy.Load(c.policyPath)
		if err != nil {
			return fmt.Errorf("could not load policy: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	st := termstyle.New(out)
	if c.showPolicy {
		fmt.Fprintln(out, st.Header.Render("Allowlist"))
		fmt.Fprint(out, pol.Describe())
		return nil
	}

	if len(args) == 0 {
		return errors.New("a reply file (or - for stdin) is required")
	}
	raw, err := readReply(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	ext := directive.Extract(raw)

	fmt.Fprintln(out, st.Header.Render("Prose"))
	if ext.Prose == "" {
		fmt.Fprintln(out, st.Dim.Render("  (none)"))
	} else {
		fmt.Fprintln(out, indent(ext.Prose))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, st.Header.Render("Directive"))
	if !ext.Found {
		fmt.Fprintln(out, st.Dim.Render("  no "+directive.Marker+" marker"))
		return nil
	}

	requests, err := directive.Parse(ext.Payload)
	if err != nil {
		fmt.Fprintln(out, st.Bad.Render("  ✗ "+err.Error()))
		if c.strict {
			return err
		}
		return nil
	}

	res := pol.Validate(requests)
	for _, req := range res.Accepted {
		for _, p := range req.Properties {
			fmt.Fprintf(out, "  %s %s { %s: %s }\n", st.OK.Render("✓"), req.Selector, p.Name, termstyle.Truncate(p.Value, maxValueWidth))
		}
	}
	for _, v := range res.Rejected {
		target := v.Request.Selector
		if v.Property != "" {
			target += " { " + v.Property + " }"
		}
		fmt.Fprintf(out, "  %s %s %s\n", st.Bad.Render("✗"), target, st.Dim.Render("("+v.Reason+")"))
	}

	accepted := 0
	for _, req := range res.Accepted {
		accepted += len(req.Properties)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%d requests, %d declarations permitted, %d refused\n", len(requests), accepted, len(res.Rejected))

	if c.strict && len(res.Rejected) > 0 {
		return errRejected
	}
	return nil
}

func readReply(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("could not read reply: %w", err)
	}
	return string(data), nil
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
