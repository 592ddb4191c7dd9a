package turn_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/assistant"
	"github.com/quietloudlab/designmewithme/pkg/directive"
	"github.com/quietloudlab/designmewithme/pkg/policy"
	"github.com/quietloudlab/designmewithme/pkg/style"
	"github.com/quietloudlab/designmewithme/pkg/turn"
)

const (
	blueReply = `Sure, making the chat area blue.
UI_CHANGE: [{"action":"changeCSS","selector":"#chat-container","properties":{"background-color":"blue"}}]`

	scriptReply = `I'll try that.
UI_CHANGE: [{"action":"changeCSS","selector":"body > script","properties":{"color":"red"}}]`

	garbageReply = "Here you go! UI_CHANGE: not valid json at all"
)

var baseline = style.Snapshot{
	"#chat-container": {"background-color": "white"},
}

var _ = Describe("Controller", func() {
	var (
		ctx      context.Context
		collab   *fakeCollaborator
		ctrl     *turn.Controller
		config   turn.Config
		sessions *turn.Registry
	)

	newController := func() {
		sessions = turn.NewRegistry(baseline)
		ctrl = turn.New(collab, policy.Default(), sessions, config, zap.NewNop())
	}

	BeforeEach(func() {
		ctx = context.Background()
		collab = newFakeCollaborator()
		config = turn.Config{
			RunTimeout:      time.Second,
			PollInterval:    time.Millisecond,
			MaxPollInterval: 5 * time.Millisecond,
		}
		newController()
	})

	styleOf := func(sessionID, selector, property string) string {
		sess, ok := ctrl.Session(sessionID)
		Expect(ok).To(BeTrue())
		v, _ := sess.Style().Get(selector, property)
		return v
	}

	It("returns the fixed introduction", func() {
		Expect(ctrl.Introduction()).To(Equal(turn.Greeting))
	})

	It("rejects blank messages", func() {
		_, err := ctrl.Submit(ctx, "s1", "   ")
		Expect(err).To(MatchError(turn.ErrEmptyMessage))
		Expect(collab.threadCount()).To(BeZero())
	})

	It("applies a permitted change and keeps the prose", func() {
		collab.replies = []string{blueReply}

		result, err := ctrl.Submit(ctx, "s1", "make the chat area blue")
		Expect(err).NotTo(HaveOccurred())

		Expect(result.SessionID).To(Equal("s1"))
		Expect(result.Prose).To(Equal([]string{"Sure, making the chat area blue."}))
		Expect(result.Errors).To(BeEmpty())
		Expect(result.Reports).To(HaveLen(1))
		Expect(result.Reports[0].AppliedCount()).To(Equal(1))
		Expect(result.Reports[0].RejectedCount()).To(Equal(0))
		Expect(result.Ops).To(Equal([]style.Op{
			{Kind: style.OpSet, Selector: "#chat-container", Property: "background-color", Value: "blue"},
		}))
		Expect(styleOf("s1", "#chat-container", "background-color")).To(Equal("blue"))

		sess, _ := ctrl.Session("s1")
		Expect(sess.Phase()).To(Equal(turn.PhaseIdle))
		Expect(sess.ThreadID()).NotTo(BeEmpty())
	})

	It("refuses selectors outside the allowlist without touching the style", func() {
		collab.replies = []string{scriptReply}

		result, err := ctrl.Submit(ctx, "s1", "hide the scripts")
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Prose).To(Equal([]string{"I'll try that."}))
		Expect(result.Ops).To(BeEmpty())
		Expect(result.Reports).To(HaveLen(1))
		Expect(result.Reports[0].AppliedCount()).To(BeZero())
		Expect(result.Reports[0].RejectedCount()).To(Equal(1))

		Expect(result.Errors).To(HaveLen(1))
		var derr *turn.DirectiveError
		Expect(errors.As(result.Errors[0], &derr)).To(BeTrue())
		Expect(turn.Feedback(result.Errors[0])).To(Equal(turn.FeedbackNotApplied))

		sess, _ := ctrl.Session("s1")
		Expect(sess.Style().Snapshot()).To(Equal(baseline))
	})

	It("drops an unparseable directive but keeps the prose", func() {
		collab.replies = []string{garbageReply}

		result, err := ctrl.Submit(ctx, "s1", "surprise me")
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Prose).To(Equal([]string{"Here you go!"}))
		Expect(result.Reports).To(BeEmpty())
		Expect(result.Ops).To(BeEmpty())
		Expect(result.Errors).To(HaveLen(1))

		var perr *directive.ParseError
		Expect(errors.As(result.Errors[0], &perr)).To(BeTrue())
		Expect(turn.Feedback(result.Errors[0])).To(Equal(turn.FeedbackNotApplied))

		sess, _ := ctrl.Session("s1")
		Expect(sess.Style().Snapshot()).To(Equal(baseline))
	})

	It("passes plain replies through untouched", func() {
		collab.replies = []string{"Hi there, what would you like to change?"}

		result, err := ctrl.Submit(ctx, "s1", "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Prose).To(Equal([]string{"Hi there, what would you like to change?"}))
		Expect(result.Reports).To(BeEmpty())
		Expect(result.Errors).To(BeEmpty())
	})

	It("skips empty prose when the reply is only a directive", func() {
		collab.replies = []string{`UI_CHANGE: [{"action":"changeCSS","selector":"#send-button","properties":{"color":"green"}}]`}

		result, err := ctrl.Submit(ctx, "s1", "green button")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Prose).To(BeEmpty())
		Expect(result.Reports).To(HaveLen(1))
		Expect(styleOf("s1", "#send-button", "color")).To(Equal("green"))
	})

	It("reuses the session's thread across turns", func() {
		collab.replies = []string{blueReply, "Anything else?"}

		_, err := ctrl.Submit(ctx, "s1", "blue please")
		Expect(err).NotTo(HaveOccurred())
		sess, _ := ctrl.Session("s1")
		first := sess.ThreadID()

		result, err := ctrl.Submit(ctx, "s1", "thanks")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Prose).To(Equal([]string{"Anything else?"}))
		Expect(sess.ThreadID()).To(Equal(first))
		Expect(collab.threadCount()).To(Equal(1))
	})

	It("keeps sessions apart", func() {
		collab.replies = []string{blueReply, "Nothing to change."}

		_, err := ctrl.Submit(ctx, "s1", "blue please")
		Expect(err).NotTo(HaveOccurred())
		_, err = ctrl.Submit(ctx, "s2", "hello")
		Expect(err).NotTo(HaveOccurred())

		Expect(styleOf("s1", "#chat-container", "background-color")).To(Equal("blue"))
		Expect(styleOf("s2", "#chat-container", "background-color")).To(Equal("white"))
		Expect(collab.threadCount()).To(Equal(2))
	})

	Context("resetting", func() {
		BeforeEach(func() {
			collab.replies = []string{blueReply}
			_, err := ctrl.Submit(ctx, "s1", "blue please")
			Expect(err).NotTo(HaveOccurred())
		})

		It("restores the baseline and keeps the conversation", func() {
			sess, _ := ctrl.Session("s1")
			threadID := sess.ThreadID()

			ops, err := ctrl.Reset(ctx, "s1", false)
			Expect(err).NotTo(HaveOccurred())

			Expect(ops).To(Equal([]style.Op{
				{Kind: style.OpReset},
				{Kind: style.OpSet, Selector: "#chat-container", Property: "background-color", Value: "white"},
			}))
			Expect(sess.Style().Snapshot()).To(Equal(baseline))
			Expect(sess.ThreadID()).To(Equal(threadID))
			Expect(collab.deletedThreads()).To(BeEmpty())
		})

		It("starts a new conversation when asked for a fresh one", func() {
			sess, _ := ctrl.Session("s1")
			threadID := sess.ThreadID()

			_, err := ctrl.Reset(ctx, "s1", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ThreadID()).To(BeEmpty())
			Expect(collab.deletedThreads()).To(Equal([]string{threadID}))

			_, err = ctrl.Submit(ctx, "s1", "hello again")
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ThreadID()).NotTo(Equal(threadID))
		})
	})

	Context("when the assistant misbehaves", func() {
		It("reports a failed run", func() {
			collab.failRun = "model exploded"

			_, err := ctrl.Submit(ctx, "s1", "blue please")

			var cerr *turn.CollaboratorError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Op).To(Equal("run"))
			Expect(err).To(MatchError(ContainSubstring("model exploded")))
			Expect(turn.Feedback(err)).To(Equal(turn.FeedbackSomethingWrong))

			sess, _ := ctrl.Session("s1")
			Expect(sess.Phase()).To(Equal(turn.PhaseIdle))
		})

		It("reports a thread that cannot be created", func() {
			collab.err["createThread"] = errors.New("connection refused")

			_, err := ctrl.Submit(ctx, "s1", "hi")

			var cerr *turn.CollaboratorError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Op).To(Equal("createThread"))
		})

		It("reports poll failures", func() {
			collab.err["pollRun"] = errors.New("503")

			_, err := ctrl.Submit(ctx, "s1", "hi")

			var cerr *turn.CollaboratorError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Op).To(Equal("pollRun"))
		})

		It("times out and delivers the late reply with the next turn", func() {
			config.RunTimeout = 30 * time.Millisecond
			newController()
			collab.hold = true
			collab.replies = []string{blueReply, "And here is the answer to your second message."}

			_, err := ctrl.Submit(ctx, "s1", "blue please")
			Expect(err).To(MatchError(turn.ErrRunTimeout))
			Expect(turn.Feedback(err)).To(Equal(turn.FeedbackTimeout))

			sess, _ := ctrl.Session("s1")
			_, err = ctrl.Submit(ctx, "s1", "are you there?")
			Expect(err).To(MatchError(assistant.ErrRunActive))
			Expect(turn.Feedback(err)).To(Equal(turn.FeedbackBusy))

			collab.finish(sess.ThreadID())

			result, err := ctrl.Submit(ctx, "s1", "are you there?")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Prose).To(Equal([]string{
				"Sure, making the chat area blue.",
				"And here is the answer to your second message.",
			}))
			Expect(styleOf("s1", "#chat-container", "background-color")).To(Equal("blue"))
		})

		It("stops waiting when the caller gives up", func() {
			collab.hold = true
			cctx, cancel := context.WithCancel(ctx)
			time.AfterFunc(10*time.Millisecond, cancel)

			_, err := ctrl.Submit(cctx, "s1", "blue please")
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	It("rejects a second turn while one is in progress", func() {
		config.RunTimeout = 200 * time.Millisecond
		newController()
		collab.hold = true

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			_, _ = ctrl.Submit(ctx, "s1", "blue please")
		}()

		Eventually(func() turn.Phase {
			sess, ok := ctrl.Session("s1")
			if !ok {
				return turn.PhaseIdle
			}
			return sess.Phase()
		}).Should(Equal(turn.PhaseAwaitingCompletion))

		_, err := ctrl.Submit(ctx, "s1", "hello?")
		Expect(err).To(MatchError(turn.ErrSessionBusy))
		_, err = ctrl.Reset(ctx, "s1", false)
		Expect(err).To(MatchError(turn.ErrSessionBusy))

		wg.Wait()
	})

	Context("sweeping", func() {
		BeforeEach(func() {
			_, err := ctrl.Submit(ctx, "s1", "hello")
			Expect(err).NotTo(HaveOccurred())
			_, err = ctrl.Reset(ctx, "s2", false)
			Expect(err).NotTo(HaveOccurred())
		})

		It("counts a looked-up session as active", func() {
			sess, _ := ctrl.Session("s1")
			threadID := sess.ThreadID()

			time.Sleep(100 * time.Millisecond)
			Expect(sessions.GetOrCreate("s1")).To(BeIdenticalTo(sess))
			Expect(ctrl.Sweep(ctx, 50*time.Millisecond)).To(Equal(1))

			_, ok := ctrl.Session("s1")
			Expect(ok).To(BeTrue())
			_, ok = ctrl.Session("s2")
			Expect(ok).To(BeFalse())
			Expect(collab.deletedThreads()).NotTo(ContainElement(threadID))

			_, err := ctrl.Submit(ctx, "s1", "blue please")
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps recently active sessions", func() {
			Expect(ctrl.Sweep(ctx, time.Hour)).To(BeZero())
			_, ok := ctrl.Session("s1")
			Expect(ok).To(BeTrue())
		})

		It("drops idle sessions and deletes their threads", func() {
			sess, _ := ctrl.Session("s1")
			threadID := sess.ThreadID()

			time.Sleep(5 * time.Millisecond)
			Expect(ctrl.Sweep(ctx, time.Millisecond)).To(Equal(2))

			_, ok := ctrl.Session("s1")
			Expect(ok).To(BeFalse())
			_, ok = ctrl.Session("s2")
			Expect(ok).To(BeFalse())
			Expect(collab.deletedThreads()).To(Equal([]string{threadID}))
		})
	})
})
