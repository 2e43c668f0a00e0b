package orderq

import (
	"context"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Group ordering engine", func() {
	const t0 int64 = 1_000_000

	var (
		mr  *miniredis.Miniredis
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		env, err = openTestEnv(mr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = env.c.Close()
		mr.Close()
	})

	publish := func(job, group string, at int64) {
		_, err := env.c.Publish(ctx, PublishOpts{Queue: testQueue, Job: job, Group: group, NowMsOverride: at})
		Expect(err).NotTo(HaveOccurred())
	}

	claim := func(consumer string, at int64) Claim {
		res, err := env.c.Dequeue(ctx, testQueue, consumer, DequeueOpts{InvisibilityTimeoutMs: 60_000, NowMsOverride: at})
		Expect(err).NotTo(HaveOccurred())
		cl, ok := res.(Claim)
		Expect(ok).To(BeTrue(), "expected a claim, got %#v", res)
		return cl
	}

	complete := func(cl Claim, group, payload string, doneAt int64) {
		_, err := env.c.RecordComplete(ctx, CompleteOpts{
			Queue:         testQueue,
			Group:         group,
			Job:           cl.Job,
			Payload:       payload,
			CompletedAtMs: doneAt,
			ClaimedAtMs:   cl.ClaimedAtMs,
		})
		Expect(err).NotTo(HaveOccurred())
	}

	promote := func(group string) int {
		n, err := env.c.Promote(ctx, testQueue, group)
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	output := func() []ScoredJob {
		out, err := env.c.Output(ctx, testQueue, 0, -1)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	groupJobs := func(group string) []ScoredJob {
		jobs, err := env.c.Ops().GroupJobs(ctx, testQueue, group)
		Expect(err).NotTo(HaveOccurred())
		return jobs
	}

	Describe("RecordComplete", func() {
		It("swaps the payload in the group, marks it terminated and clears the claim", func() {
			publish("A", "XYZ", t0)
			a := claim("w1", t0+10)

			complete(a, "XYZ", "A:done", t0+5)

			Expect(groupJobs("XYZ")).To(Equal([]ScoredJob{{Job: "A:done", Score: t0 + 10}}))
			score, err := env.rdb.ZScore(ctx, env.k.Terminated, "A:done").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(int64(score)).To(Equal(t0 + 5))
			_, invisible := env.invisibleScore(GinkgoT(), "A")
			Expect(invisible).To(BeFalse())
		})
	})

	Describe("Promote", func() {
		It("holds terminated jobs behind an unresolved head and releases them together", func() {
			publish("A", "XYZ", t0)
			publish("B", "XYZ", t0+1)
			publish("C", "XYZ", t0+2)
			a := claim("w1", t0+10)
			b := claim("w2", t0+11)
			c := claim("w3", t0+12)

			complete(b, "XYZ", "B:done", t0+20)
			Expect(promote("XYZ")).To(Equal(0))
			complete(c, "XYZ", "C:done", t0+30)
			Expect(promote("XYZ")).To(Equal(0))
			Expect(output()).To(BeEmpty())

			complete(a, "XYZ", "A:done", t0+100)
			Expect(promote("XYZ")).To(Equal(3))

			Expect(output()).To(Equal([]ScoredJob{
				{Job: "B:done", Score: t0 + 20},
				{Job: "C:done", Score: t0 + 30},
				{Job: "A:done", Score: t0 + 100},
			}))
			Expect(groupJobs("XYZ")).To(BeEmpty())
			Expect(env.rdb.ZCard(ctx, env.k.Terminated).Val()).To(BeZero())
		})

		It("leaves everything untouched when the head is still pending", func() {
			publish("A", "XYZ", t0)
			publish("B", "XYZ", t0+1)
			claim("w1", t0+10)
			b := claim("w2", t0+11)
			complete(b, "XYZ", "B:done", t0+20)
			before := groupJobs("XYZ")

			Expect(promote("XYZ")).To(Equal(0))

			Expect(groupJobs("XYZ")).To(Equal(before))
			Expect(env.rdb.ZScore(ctx, env.k.Terminated, "B:done").Val()).To(BeNumerically("==", t0+20))
			Expect(output()).To(BeEmpty())
		})

		It("promotes a terminated job exactly once", func() {
			publish("A", "XYZ", t0)
			complete(claim("w1", t0+10), "XYZ", "A:done", t0+20)

			Expect(promote("XYZ")).To(Equal(1))
			Expect(promote("XYZ")).To(Equal(0))
			Expect(output()).To(HaveLen(1))
			Expect(env.rdb.ZCard(ctx, env.k.Terminated).Val()).To(BeZero())
		})

		It("blocks only the group whose head is unresolved", func() {
			publish("X1", "X", t0)
			publish("Y1", "Y", t0+1)
			claim("w1", t0+10)
			y := claim("w2", t0+11)
			complete(y, "Y", "Y1:done", t0+12)

			Expect(promote("X")).To(Equal(0))
			Expect(promote("Y")).To(Equal(1))
			Expect(output()).To(Equal([]ScoredJob{{Job: "Y1:done", Score: t0 + 12}}))
		})

		It("keeps a job claimed at epoch 0 at the head of its group", func() {
			at := func(ms int64) func() int64 { return func() int64 { return ms } }
			for _, job := range []string{"A", "B", "C"} {
				_, err := env.c.Publish(ctx, PublishOpts{Queue: testQueue, Job: job, Group: "XYZ", Clock: at(0)})
				Expect(err).NotTo(HaveOccurred())
			}
			claimAt := func(consumer string, ms int64) Claim {
				res, err := env.c.Dequeue(ctx, testQueue, consumer, DequeueOpts{InvisibilityTimeoutMs: 60_000, Clock: at(ms)})
				Expect(err).NotTo(HaveOccurred())
				cl, ok := res.(Claim)
				Expect(ok).To(BeTrue(), "expected a claim, got %#v", res)
				return cl
			}
			a := claimAt("w1", 0)
			b := claimAt("w2", 10)
			c := claimAt("w3", 15)
			Expect(a.ClaimedAtMs).To(BeZero())

			complete(b, "XYZ", "B:done", 20)
			complete(c, "XYZ", "C:done", 30)
			Expect(promote("XYZ")).To(Equal(0))

			complete(a, "XYZ", "A:done", 100)
			Expect(groupJobs("XYZ")).To(Equal([]ScoredJob{
				{Job: "A:done", Score: 0},
				{Job: "B:done", Score: 10},
				{Job: "C:done", Score: 15},
			}))
			Expect(promote("XYZ")).To(Equal(3))
			Expect(output()).To(Equal([]ScoredJob{
				{Job: "B:done", Score: 20},
				{Job: "C:done", Score: 30},
				{Job: "A:done", Score: 100},
			}))
		})

		It("returns zero for an empty group", func() {
			Expect(promote("nobody")).To(Equal(0))
		})
	})

	Describe("RecordIncomplete", func() {
		It("cycles the job behind a completed sibling so the sibling is released", func() {
			publish("A", "XYZ", t0)
			publish("B", "XYZ", t0+1)
			a := claim("w1", t0+10)
			b := claim("w2", t0+11)
			complete(b, "XYZ", "B:done", t0+15)
			Expect(promote("XYZ")).To(Equal(0))

			_, err := env.c.RecordIncomplete(ctx, IncompleteOpts{
				Queue:         testQueue,
				Group:         "XYZ",
				Job:           a.Job,
				ClaimedAtMs:   t0 + 40,
				RetryEvictMs:  500,
				NowMsOverride: t0 + 40,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(promote("XYZ")).To(Equal(1))
			Expect(output()).To(Equal([]ScoredJob{{Job: "B:done", Score: t0 + 15}}))
			Expect(groupJobs("XYZ")).To(Equal([]ScoredJob{{Job: "A", Score: t0 + 40}}))
		})

		It("keeps the job out of the work list for the eviction window without making it invisible", func() {
			publish("X", "G", t0)
			x := claim("w1", t0)

			held, err := env.c.RecordIncomplete(ctx, IncompleteOpts{
				Queue:         testQueue,
				Group:         "G",
				Job:           x.Job,
				ClaimedAtMs:   x.ClaimedAtMs,
				RetryEvictMs:  500,
				NowMsOverride: t0 + 100,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(held).To(BeTrue())

			for _, at := range []int64{t0 + 200, t0 + 599} {
				res, err := env.c.Dequeue(ctx, testQueue, "w2", DequeueOpts{NowMsOverride: at})
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(BeNil())
				_, invisible := env.invisibleScore(GinkgoT(), "X")
				Expect(invisible).To(BeFalse())
			}

			Expect(claim("w2", t0+600).Job).To(Equal("X"))
		})

		It("puts retried jobs ahead of the fresh backlog", func() {
			publish("X", "G", t0)
			x := claim("w1", t0)
			publish("fresh", "", t0+1)

			_, err := env.c.RecordIncomplete(ctx, IncompleteOpts{
				Queue: testQueue, Group: "G", Job: x.Job, ClaimedAtMs: x.ClaimedAtMs,
				RetryEvictMs: 100, NowMsOverride: t0,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(claim("w1", t0+100).Job).To(Equal("X"))
			Expect(claim("w1", t0+101).Job).To(Equal("fresh"))
		})
	})

	Describe("Depths", func() {
		It("counts lists, sets and sorted sets and reports 0 otherwise", func() {
			_, err := mr.Lpush("l", "1")
			Expect(err).NotTo(HaveOccurred())
			_, err = mr.SetAdd("s", "1", "2")
			Expect(err).NotTo(HaveOccurred())
			_, err = mr.ZAdd("z", 1, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(mr.Set("str", "v")).To(Succeed())

			n, err := env.c.Depths(ctx, "l", "s", "z", "str", "missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal([]int64{1, 2, 1, 0, 0}))
		})

		It("samples every collection of a queue", func() {
			publish("A", "G", t0)
			publish("B", "", t0+1)
			publish("C", "", t0+2)
			a := claim("w1", t0+10)
			complete(a, "G", "A:done", t0+11)
			Expect(promote("G")).To(Equal(1))
			claim("w1", t0+12)

			d, err := env.c.SampleDepths(ctx, testQueue, "w1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(Equal(QueueDepths{Work: 1, Invisible: 1, Output: 1}))
			Expect(d.Pending()).To(Equal(int64(2)))
			Expect(d.Total()).To(Equal(int64(3)))
		})
	})
})
