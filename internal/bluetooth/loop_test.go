package bluetooth

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type LoopTestSuite struct {
	suite.Suite

	loop *Loop
}

func TestLoopTestSuite(t *testing.T) {
	suite.Run(t, new(LoopTestSuite))
}

func (suite *LoopTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.loop = NewLoop(logger)
}

func (suite *LoopTestSuite) TestTasksRunInPostOrder() {
	// GOAL: Verify posted tasks execute first-in first-out
	//
	// TEST SCENARIO: Post three tasks → pump → observed order matches post
	// order

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		suite.loop.Post(func() { order = append(order, i) })
	}
	suite.Assert().Equal(3, suite.loop.Len(), "queue MUST hold all posted tasks")

	ran := suite.loop.RunPending()

	suite.Assert().Equal(3, ran, "RunPending MUST report executed task count")
	suite.Assert().Equal([]int{1, 2, 3}, order, "tasks MUST run in post order")
}

func (suite *LoopTestSuite) TestNestedPostsRunOnLaterTurns() {
	// GOAL: Verify a task posting another task yields to already-queued work
	// first, and one pump drains the chain
	//
	// TEST SCENARIO: Task A posts C, task B already queued → order A, B, C

	var order []string
	suite.loop.Post(func() {
		order = append(order, "a")
		suite.loop.Post(func() { order = append(order, "c") })
	})
	suite.loop.Post(func() { order = append(order, "b") })

	suite.loop.RunPending()

	suite.Assert().Equal([]string{"a", "b", "c"}, order,
		"a task posted mid-turn MUST run after everything already queued")
}

func (suite *LoopTestSuite) TestRunDrainsUntilCancelled() {
	// GOAL: Verify Run executes tasks posted from other goroutines and exits
	// on context cancellation
	//
	// TEST SCENARIO: Start Run → post from the test goroutine → task runs →
	// cancel → Run returns

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ran := make(chan struct{})

	go func() {
		suite.loop.Run(ctx)
		close(done)
	}()

	suite.loop.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		suite.FailNow("posted task MUST run while Run is active")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.FailNow("Run MUST return after cancellation")
	}
}

func (suite *LoopTestSuite) TestTimerFiresOnLoop() {
	// GOAL: Verify a delayed post is delivered through the queue after the
	// delay
	//
	// TEST SCENARIO: PostDelayed with short delay → wait → pump → fired

	fired := false
	suite.loop.PostDelayed(10*time.Millisecond, func() { fired = true })

	time.Sleep(50 * time.Millisecond)
	suite.loop.RunPending()

	suite.Assert().True(fired, "timer MUST fire after its delay")
}

func (suite *LoopTestSuite) TestTimerResetInvalidatesStaleFire() {
	// GOAL: Verify Reset discards a fire already in flight so the callback
	// only runs for the latest countdown
	//
	// TEST SCENARIO: Let the fire get posted → Reset → pump → stale fire
	// skipped → later fire delivered once

	count := 0
	t := suite.loop.PostDelayed(5*time.Millisecond, func() { count++ })

	time.Sleep(30 * time.Millisecond) // fire is queued but not yet executed
	t.Reset()
	suite.loop.RunPending()
	suite.Assert().Equal(0, count, "stale fire MUST NOT run after Reset")

	time.Sleep(30 * time.Millisecond)
	suite.loop.RunPending()
	suite.Assert().Equal(1, count, "reset countdown MUST deliver exactly once")
}

func (suite *LoopTestSuite) TestTimerStop() {
	// GOAL: Verify Stop cancels delivery entirely
	//
	// TEST SCENARIO: PostDelayed → Stop before expiry → wait past delay →
	// nothing runs

	count := 0
	t := suite.loop.PostDelayed(10*time.Millisecond, func() { count++ })
	t.Stop()

	time.Sleep(40 * time.Millisecond)
	suite.loop.RunPending()

	suite.Assert().Equal(0, count, "stopped timer MUST NOT fire")
}

func (suite *LoopTestSuite) TestRingChannelDropsOldest() {
	// GOAL: Verify the ring keeps the newest values and counts drops
	//
	// TEST SCENARIO: Overfill capacity 2 with three values → oldest gone →
	// counters reflect one drop

	rc := NewRingChannel[int](2)
	suite.Assert().False(rc.Send(1), "send into free space MUST NOT drop")
	suite.Assert().False(rc.Send(2))
	suite.Assert().True(rc.Send(3), "send into a full ring MUST drop the oldest")

	v, ok := rc.Receive()
	suite.Require().True(ok)
	suite.Assert().Equal(2, v, "oldest surviving value MUST be first out")
	v, _ = rc.Receive()
	suite.Assert().Equal(3, v)

	suite.Assert().EqualValues(3, rc.Written())
	suite.Assert().EqualValues(1, rc.Dropped())

	rc.Close()
	_, ok = rc.Receive()
	suite.Assert().False(ok, "receive on a closed ring MUST report closed")
}
