package sqlitepath_test

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/quietloudlab/designmewithme/cmd/restyle/sqlitepath"
)

var _ = Describe("ResolveSQLitePath", func() {
	It("prefers the flag", func() {
		GinkgoT().Setenv(sqlitepath.EnvVar, "/tmp/env.db")

		path, err := sqlitepath.ResolveSQLitePath("/tmp/flag.db")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/tmp/flag.db"))
	})

	It("falls back to the environment", func() {
		GinkgoT().Setenv(sqlitepath.EnvVar, "/tmp/env.db")

		path, err := sqlitepath.ResolveSQLitePath("")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/tmp/env.db"))
	})

	It("defaults to the home directory", func() {
		home := GinkgoT().TempDir()
		GinkgoT().Setenv("HOME", home)
		GinkgoT().Setenv(sqlitepath.EnvVar, "")

		path, err := sqlitepath.ResolveSQLitePath("")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(home, ".restyle", "restyle.db")))
		Expect(filepath.Join(home, ".restyle")).To(BeADirectory())
	})
})
