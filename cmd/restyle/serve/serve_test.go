package servecmder

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/quietloudlab/designmewithme/pkg/logger"
	"github.com/quietloudlab/designmewithme/server"
)

var _ = Describe("Serve Command", func() {
	var (
		cmd    *cobra.Command
		cmder  *serveCommander
		tmpDir string
	)

	// parse builds a fresh command and parses args without running it.
	parse := func(args ...string) {
		cmd, cmder = newServeCmd()
		Expect(cmd.ParseFlags(args)).To(Succeed())
	}

	resolve := func() (server.Config, error) {
		return cmder.resolveConfig(cmd)
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		GinkgoT().Setenv("GEMINI_API_KEY", "")
	})

	It("uses the defaults with no flags", func() {
		parse()
		config, err := resolve()
		Expect(err).NotTo(HaveOccurred())
		Expect(config).To(Equal(server.DefaultConfig()))
	})

	It("lets flags override the config file", func() {
		path := filepath.Join(tmpDir, "restyle.toml")
		Expect(os.WriteFile(path, []byte(`
listen = ":9000"
model = "from-file"
run_timeout = "30s"
`), 0o600)).To(Succeed())

		parse("--config", path, "--model", "from-flag", "--debug", "--log-format", "json")
		config, err := resolve()
		Expect(err).NotTo(HaveOccurred())

		Expect(config.ListenAddr).To(Equal(":9000"))
		Expect(config.Model).To(Equal("from-flag"))
		Expect(config.RunTimeout.Duration).To(Equal(30 * time.Second))
		Expect(config.Debug).To(BeTrue())
		Expect(config.LogFormat).To(Equal(logger.FormatJSON))
	})

	It("reads the gemini key from the environment", func() {
		GinkgoT().Setenv("GEMINI_API_KEY", "from-env")

		parse("--provider", "gemini")
		config, err := resolve()
		Expect(err).NotTo(HaveOccurred())
		Expect(config.APIKey).To(Equal("from-env"))
	})

	It("rejects an invalid combination", func() {
		parse("--provider", "gemini")
		_, err := resolve()
		Expect(err).To(MatchError(ContainSubstring("api key is required for gemini")))
	})

	It("reports a broken config file", func() {
		parse("--config", filepath.Join(tmpDir, "missing.toml"))
		_, err := resolve()
		Expect(err).To(MatchError(ContainSubstring("could not load config")))
	})
})
