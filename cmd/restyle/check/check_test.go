package checkcmder

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/quietloudlab/designmewithme/pkg/directive"
)

var _ = Describe("Check Command", func() {
	var tmpDir string

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
	})

	run := func(stdin string, args ...string) (string, error) {
		var out bytes.Buffer
		cmd := NewCheckCmd()
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		cmd.SetOut(&out)
		cmd.SetIn(strings.NewReader(stdin))
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	It("reports permitted and refused changes", func() {
		path := filepath.Join(tmpDir, "reply.txt")
		Expect(os.WriteFile(path, []byte(`Done!
UI_CHANGE: [
  {"action":"changeCSS","selector":"#chat-container","properties":{"background-color":"blue","position":"fixed"}},
  {"action":"changeCSS","selector":"body > script","properties":{"color":"red"}}
]`), 0o600)).To(Succeed())

		out, err := run("", path)
		Expect(err).NotTo(HaveOccurred())

		Expect(out).To(ContainSubstring("Done!"))
		Expect(out).To(ContainSubstring("#chat-container { background-color: blue }"))
		Expect(out).To(ContainSubstring("#chat-container { position }"))
		Expect(out).To(ContainSubstring("property not permitted"))
		Expect(out).To(ContainSubstring("body > script"))
		Expect(out).To(ContainSubstring("selector not permitted"))
		Expect(out).To(ContainSubstring("2 requests, 1 declarations permitted, 2 refused"))
	})

	It("reads stdin and fails under --strict when something is refused", func() {
		out, err := run(`UI_CHANGE: [{"action":"changeCSS","selector":"body > script","properties":{"color":"red"}}]`, "--strict", "-")
		Expect(err).To(MatchError(errRejected))
		Expect(out).To(ContainSubstring("(none)"))
	})

	It("reports an unparseable payload", func() {
		out, err := run("Here you go! UI_CHANGE: not valid json at all", "-")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("invalid directive payload"))

		_, err = run("Here you go! UI_CHANGE: not valid json at all", "--strict", "-")
		var perr *directive.ParseError
		Expect(err).To(BeAssignableToTypeOf(perr))
	})

	It("notes a reply without a directive", func() {
		out, err := run("Just chatting.", "-")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("Just chatting."))
		Expect(out).To(ContainSubstring("no UI_CHANGE: marker"))
	})

	It("prints the allowlist", func() {
		out, err := run("", "--show-policy")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("#chat-container"))
		Expect(out).To(ContainSubstring("Properties allowed on every selector"))
	})

	It("requires a reply", func() {
		_, err := run("")
		Expect(err).To(MatchError(ContainSubstring("reply file")))
	})
})
