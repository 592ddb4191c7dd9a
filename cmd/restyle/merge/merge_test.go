package mergecmder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/quietloudlab/designmewithme/pkg/llm"
	"github.com/quietloudlab/designmewithme/pkg/merkle"
)

var _ = Describe("Merge Command", func() {
	var (
		ctx     context.Context
		tmpDir  string
		srcPath string
		dstPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = os.MkdirTemp("", "restyle-merge-test-*")
		Expect(err).NotTo(HaveOccurred())
		srcPath = filepath.Join(tmpDir, "source.db")
		dstPath = filepath.Join(tmpDir, "target.db")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	makeNode := func(role llm.Role, text string, parent *merkle.Node) *merkle.Node {
		var seq int64
		if parent != nil {
			seq = parent.Bucket.Seq + 1
		}
		return merkle.NewNode(merkle.Bucket{
			TurnID:    text,
			Role:      role,
			Text:      text,
			CreatedAt: time.Date(2024, 5, 1, 12, 0, int(seq), 0, time.UTC),
			Seq:       seq,
		}, parent)
	}

	seed := func(path string, nodes ...*merkle.Node) {
		store, err := merkle.NewSQLiteStorer(path)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		for _, n := range nodes {
			Expect(store.Put(ctx, n)).To(Succeed())
		}
	}

	count := func(path string) int {
		store, err := merkle.NewSQLiteStorer(path)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		nodes, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		return len(nodes)
	}

	It("merges nodes from source into target", func() {
		nodeA := makeNode(llm.RoleUser, "make it blue", nil)
		nodeB := makeNode(llm.RoleAssistant, "done", nodeA)
		seed(srcPath, nodeA, nodeB)
		seed(dstPath, makeNode(llm.RoleUser, "hello from target", nil))

		var out bytes.Buffer
		cmd := NewMergeCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--sqlite", dstPath, srcPath})
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())

		Expect(count(dstPath)).To(Equal(3))
		Expect(out.String()).To(ContainSubstring("2 new, 0 already existed"))
	})

	It("deduplicates when merging the same source twice", func() {
		seed(srcPath, makeNode(llm.RoleUser, "dedup test", nil))
		seed(dstPath)

		cmd := NewMergeCmd()
		cmd.SetArgs([]string{"--sqlite", dstPath, srcPath})
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())

		var out bytes.Buffer
		cmd2 := NewMergeCmd()
		cmd2.SetOut(&out)
		cmd2.SetArgs([]string{"--sqlite", dstPath, srcPath})
		Expect(cmd2.ExecuteContext(ctx)).To(Succeed())

		Expect(count(dstPath)).To(Equal(1))
		Expect(out.String()).To(ContainSubstring("0 new, 1 already existed"))
	})

	It("merges multiple sources", func() {
		src2Path := filepath.Join(tmpDir, "source2.db")
		seed(srcPath, makeNode(llm.RoleUser, "from source 1", nil))
		seed(src2Path, makeNode(llm.RoleUser, "from source 2", nil))
		seed(dstPath)

		cmd := NewMergeCmd()
		cmd.SetArgs([]string{"--sqlite", dstPath, srcPath, src2Path})
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())

		Expect(count(dstPath)).To(Equal(2))
	})

	It("keeps merged threads walkable", func() {
		nodeA := makeNode(llm.RoleUser, "make it blue", nil)
		nodeB := makeNode(llm.RoleAssistant, "done", nodeA)
		seed(srcPath, nodeA, nodeB)

		cmd := NewMergeCmd()
		cmd.SetArgs([]string{"--sqlite", dstPath, srcPath})
		Expect(cmd.ExecuteContext(ctx)).To(Succeed())

		store, err := merkle.NewSQLiteStorer(dstPath)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		ancestry, err := store.Ancestry(ctx, nodeB.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(ancestry).To(HaveLen(2))
		Expect(ancestry[1].Hash).To(Equal(nodeA.Hash))
	})

	It("fails for an unreadable source", func() {
		cmd := NewMergeCmd()
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		cmd.SetArgs([]string{"--sqlite", dstPath, filepath.Join(tmpDir, "missing", "nope.db")})
		Expect(cmd.ExecuteContext(ctx)).To(MatchError(ContainSubstring("could not open source database")))
	})
})
