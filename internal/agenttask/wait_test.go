package agenttask

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agenttask/internal/artifacts"
	"github.com/kandev/agenttask/internal/workspace"
)

func TestWaitReturnsFinalizedReport(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	res := h.create(t, "root", "exec", "Do it")

	require.NoError(t, h.svc.finalizeReport(context.Background(), res.TaskID, Report{
		ReportMarkdown: "done",
		Title:          "T",
	}))

	rep, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{TaskID: res.TaskID})
	require.NoError(t, err)
	assert.Equal(t, "done", rep.ReportMarkdown)
	assert.Equal(t, "T", rep.Title)
}

func TestWaitBlocksUntilFinalize(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	res := h.create(t, "root", "exec", "Do it")

	type outcome struct {
		rep *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
			TaskID:  res.TaskID,
			Timeout: 5 * time.Second,
		})
		done <- outcome{rep, err}
	}()
	require.Eventually(t, func() bool {
		return h.svc.waiters.HasWaiters(res.TaskID)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.finalizeReport(context.Background(), res.TaskID, Report{ReportMarkdown: "late"}))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, "late", o.rep.ReportMarkdown)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWaitTimesOut(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	res := h.create(t, "root", "exec", "Do it")

	_, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
		TaskID:  res.TaskID,
		Timeout: 50 * time.Millisecond,
	})
	assert.True(t, errors.Is(err, ErrWaitTimeout))
	assert.False(t, h.svc.waiters.HasWaiters(res.TaskID), "timed-out waiter unregisters")
}

func TestWaitTimerRestartsWhenQueuedTaskStarts(t *testing.T) {
	h := newHarness(t, Config{MaxParallelAgentTasks: 1})
	h.putRoot(t, "root")
	t1 := h.create(t, "root", "exec", "First")
	t2 := h.create(t, "root", "exec", "Second")
	require.Equal(t, workspace.StatusQueued, t2.Status)

	type outcome struct {
		rep *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
			TaskID:  t2.TaskID,
			Timeout: 500 * time.Millisecond,
		})
		done <- outcome{rep, err}
	}()
	require.Eventually(t, func() bool {
		return h.svc.waiters.HasWaiters(t2.TaskID)
	}, 2*time.Second, 10*time.Millisecond)

	// Past half the budget the slot frees and the queued task starts,
	// which restarts the report timer in full.
	time.Sleep(250 * time.Millisecond)
	_, err := h.svc.TerminateDescendantAgentTask(context.Background(), "", t1.TaskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		spec := h.spec(t, t2.TaskID)
		return spec != nil && spec.Status == workspace.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Finalize after the original deadline would have fired.
	time.Sleep(350 * time.Millisecond)
	require.NoError(t, h.svc.finalizeReport(context.Background(), t2.TaskID, Report{ReportMarkdown: "made it"}))

	select {
	case o := <-done:
		require.NoError(t, o.err, "queued time must not count against the report budget")
		assert.Equal(t, "made it", o.rep.ReportMarkdown)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWaitRequiresDescendant(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")
	h.putRoot(t, "other")
	res := h.create(t, "root", "exec", "Do it")

	_, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
		TaskID:                res.TaskID,
		RequestingWorkspaceID: "other",
	})
	assert.True(t, errors.Is(err, ErrNotDescendant))
}

func TestWaitServesArchivedReportAfterCleanup(t *testing.T) {
	h := newHarness(t, Config{})
	h.putRoot(t, "root")

	// The task itself is long gone; only the rolled-up artifact remains.
	require.NoError(t, h.artifacts.UpsertReport("root", artifacts.Report{
		ChildTaskID:    "ghost",
		ReportMarkdown: "archived result",
		Title:          "Ghost",
	}))

	rep, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
		TaskID:                "ghost",
		RequestingWorkspaceID: "root",
	})
	require.NoError(t, err)
	assert.Equal(t, "archived result", rep.ReportMarkdown)

	// Without a requesting workspace there is no artifact index to search.
	_, err = h.svc.WaitForAgentReport(context.Background(), WaitRequest{TaskID: "ghost"})
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestForegroundAwaitFreesParallelismSlot(t *testing.T) {
	h := newHarness(t, Config{MaxParallelAgentTasks: 1})
	h.putRoot(t, "root")
	t1 := h.create(t, "root", "exec", "Orchestrate")
	t2 := h.create(t, t1.TaskID, "exec", "Child work")
	require.Equal(t, workspace.StatusQueued, t2.Status, "parent holds the only slot")

	type outcome struct {
		rep *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := h.svc.WaitForAgentReport(context.Background(), WaitRequest{
			TaskID:                t2.TaskID,
			RequestingWorkspaceID: t1.TaskID,
			Timeout:               5 * time.Second,
		})
		done <- outcome{rep, err}
	}()

	// The foreground await excludes the parent from the cap, so its child
	// gets the slot.
	require.Eventually(t, func() bool {
		spec := h.spec(t, t2.TaskID)
		return spec != nil && spec.Status == workspace.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.finalizeReport(context.Background(), t2.TaskID, Report{ReportMarkdown: "child done"}))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, "child done", o.rep.ReportMarkdown)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}

	// The exclusion ends with the wait.
	assert.Eventually(t, func() bool {
		return !h.svc.inForegroundAwait(t1.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
}
