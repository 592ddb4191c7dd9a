package chatcmder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/quietloudlab/designmewithme/cmd/restyle/termstyle"
	"github.com/quietloudlab/designmewithme/pkg/style"
	"github.com/quietloudlab/designmewithme/server"
)

const chatLongDesc string = `Chat with a running restyle server from the terminal.

Each line you type is sent as a message. The assistant's prose is
printed, followed by the style changes it applied to your session.

Commands:
  /style   print the session's current stylesheet
  /reset   restore the baseline style
  /fresh   restore the baseline and start a new conversation
  /quit    exit

Examples:
  restyle chat
  restyle chat --server http://192.168.1.42:8080`

const chatShortDesc string = "Chat with a running server"

type chatCommander struct {
	serverURL string
	sessionID string
	timeout   time.Duration

	client   *http.Client
	styles   termstyle.Styles
	renderer *glamour.TermRenderer
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.serverURL, "server", "http://localhost:8080", "Server URL")
	cmd.Flags().StringVar(&cmder.sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().DurationVar(&cmder.timeout, "timeout", 3*time.Minute, "Per-request timeout")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command) error {
	c.serverURL = strings.TrimRight(c.serverURL, "/")
	c.client = &http.Client{Timeout: c.timeout}

	out := cmd.OutOrStdout()
	c.styles = termstyle.New(out)
	if termstyle.IsTerminal(out) {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(termstyle.Width(out, 80)-4),
		)
		if err == nil {
			c.renderer = r
		}
	}

	var intro map[string]string
	if err := c.call(ctx, http.MethodGet, "/get_introduction", nil, &intro); err != nil {
		return fmt.Errorf("could not reach %s: %w", c.serverURL, err)
	}
	c.printProse(out, intro["introduction"])

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, c.styles.Prompt.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch line {
		case "/quit", "/exit":
			return nil
		case "/reset":
			err = c.reset(ctx, out, false)
		case "/fresh":
			err = c.reset(ctx, out, true)
		case "/style":
			err = c.printStyle(ctx, out)
		default:
			err = c.send(ctx, out, line)
		}
		if err != nil {
			fmt.Fprintln(out, c.styles.Bad.Render(err.Error()))
		}
	}
}

func (c *chatCommander) send(ctx context.Context, out io.Writer, message string) error {
	var resp server.SendMessageResponse
	if err := c.call(ctx, http.MethodPost, "/send_message", server.SendMessageRequest{Message: message}, &resp); err != nil {
		return err
	}

	for _, prose := range resp.Responses {
		c.printProse(out, prose)
	}
	c.printOps(out, resp.Ops)
	for _, fb := range resp.Feedback {
		fmt.Fprintln(out, c.styles.Bad.Render(fb))
	}
	return nil
}

func (c *chatCommander) reset(ctx context.Context, out io.Writer, fresh bool) error {
	var resp struct {
		Ops []style.Op `json:"ops"`
	}
	if err := c.call(ctx, http.MethodPost, "/reset", server.ResetRequest{FreshConversation: fresh}, &resp); err != nil {
		return err
	}
	if fresh {
		fmt.Fprintln(out, c.styles.Dim.Render("Style reset; new conversation started."))
	} else {
		fmt.Fprintln(out, c.styles.Dim.Render("Style reset."))
	}
	return nil
}

func (c *chatCommander) printStyle(ctx context.Context, out io.Writer) error {
	req, err := c.request(ctx, http.MethodGet, "/style.css", nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		fmt.Fprintln(out, c.styles.Dim.Render("(no styles)"))
		return nil
	}
	fmt.Fprint(out, string(body))
	return nil
}

func (c *chatCommander) printProse(out io.Writer, prose string) {
	if c.renderer != nil {
		if rendered, err := c.renderer.Render(prose); err == nil {
			fmt.Fprint(out, rendered)
			return
		}
	}
	fmt.Fprintln(out, prose)
}

func (c *chatCommander) printOps(out io.Writer, ops []style.Op) {
	for _, op := range ops {
		if op.Kind != style.OpSet {
			continue
		}
		fmt.Fprintln(out, c.styles.OK.Render(fmt.Sprintf("  ✓ %s { %s: %s }", op.Selector, op.Property, op.Value)))
	}
}

// call sends body as JSON and decodes the JSON response into v.
func (c *chatCommander) call(ctx context.Context, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.request(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	data, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

func (c *chatCommander) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	if c.sessionID != "" {
		req.Header.Set(server.SessionHeader, c.sessionID)
	}
	return req, nil
}

// do performs req, remembers the session the server assigned, and returns
// the body. Error responses are turned into their user-facing feedback.
func (c *chatCommander) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(server.SessionHeader); id != "" {
		c.sessionID = id
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp server.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Feedback != "" {
			return nil, errors.New(errResp.Feedback)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
