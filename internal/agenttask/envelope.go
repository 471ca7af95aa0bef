package agenttask

import (
	"fmt"
	"strings"
)

// Synthetic prompts the engine injects into streams. They read as user
// messages to the model but carry synthetic metadata so they never clear
// interrupt flags or auto-resume counters.
const (
	// awaitChildrenPrompt resumes a workspace that went idle while its
	// sub-agent tasks are still running.
	awaitChildrenPrompt = "Your sub-agent tasks are still running. Call task_await to wait " +
		"for their completion reports before continuing."

	// integrateResultsPrompt resumes a root workspace whose sub-agents
	// finished while it was idle.
	integrateResultsPrompt = "One or more sub-agent tasks you started have completed and their " +
		"reports are included above. Integrate the results and continue. " +
		"If you are still waiting on other sub-agents, call task_await."

	// completionReminderPrompt is sent once to a task that went idle
	// without calling its completion tool.
	completionReminderPrompt = "You stopped without submitting your completion report. " +
		"Call the %s tool now with a summary of what you did, what worked, " +
		"and anything left unfinished."

	// restartNudgePrompt resumes a running task found idle after an engine
	// restart.
	restartNudgePrompt = "The service restarted while you were working. Review your progress " +
		"above and continue the task. When you are done, submit your completion report."

	// planKickoffPrompt starts the implementation stream after a plan
	// handoff.
	planKickoffPrompt = "Implement the plan."
)

// defaultResumeAgent is the agent used for synthetic resumes when no
// other signal names one.
const defaultResumeAgent = "exec"

// completionReminder renders the forced completion-tool reminder.
func completionReminder(tool string) string {
	return fmt.Sprintf(completionReminderPrompt, tool)
}

// fallbackReportTitle names the synthesized report of a task that never
// called its completion tool.
func fallbackReportTitle(agentID string) string {
	return fmt.Sprintf("Subagent (%s) report (fallback)", agentID)
}

// fallbackReportNote prefixes a synthesized fallback report so the parent
// can tell it apart from a real one.
func fallbackReportNote(tool string) string {
	return fmt.Sprintf("*(Note: the agent ended its turn without calling %s; "+
		"this report was generated automatically as a fallback.)*", tool)
}

// reportEnvelope wraps a child's completion report for injection into the
// parent's history as a synthetic user message. The tag keeps the report
// distinguishable from real user text in later turns.
func reportEnvelope(taskID, agentType, title, reportMarkdown string) string {
	var b strings.Builder
	b.WriteString("<mux_subagent_report>\n")
	b.WriteString("<task_id>")
	b.WriteString(taskID)
	b.WriteString("</task_id>\n")
	b.WriteString("<agent_type>")
	b.WriteString(agentType)
	b.WriteString("</agent_type>\n")
	if title != "" {
		b.WriteString("<title>")
		b.WriteString(escapeText(title))
		b.WriteString("</title>\n")
	}
	b.WriteString("<report_markdown>\n")
	b.WriteString(reportMarkdown)
	if !strings.HasSuffix(reportMarkdown, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("</report_markdown>\n")
	b.WriteString("</mux_subagent_report>")
	return b.String()
}

// escapeText escapes the characters that would break the envelope markup.
func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
