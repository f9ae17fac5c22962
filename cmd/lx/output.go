package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"lexline/internal/domain"
	"lexline/internal/orchestrator"
)

var (
	severityCritical = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160")).Bold(true).Padding(0, 1)
	severityHigh     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow      = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusError  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func severityBadge(s string) string {
	switch domain.Severity(strings.ToLower(s)) {
	case domain.SeverityCritical:
		return severityCritical.Render(strings.ToUpper(s))
	case domain.SeverityHigh:
		return severityHigh.Render(s)
	case domain.SeverityMedium:
		return severityMedium.Render(s)
	case domain.SeverityLow:
		return severityLow.Render(s)
	default:
		return s
	}
}

func statusBadge(s string) string {
	switch s {
	case domain.TaskCompleted, domain.RuleCompliant:
		return statusOK.Render(s)
	case domain.TaskFailed, domain.RuleViolation:
		return statusFailed.Render(s)
	case domain.RuleError:
		return statusError.Render(s)
	default:
		return statusMuted.Render(s)
	}
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printTaskResult(res orchestrator.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Task %s (%s): %s\n", res.TaskID, res.Type, statusBadge(res.Status))
	tw := newTable(table.Row{"Capability", "Status", "Detail"})
	for _, c := range res.Succeeded {
		tw.AppendRow(table.Row{c, statusBadge(domain.TaskCompleted), fmt.Sprintf("%d keys", len(res.ByCapability[c]))})
	}
	for _, f := range res.Failures {
		tw.AppendRow(table.Row{f.Capability, statusBadge(domain.TaskFailed), f.Kind + ": " + f.Message})
	}
	tw.Render()
	return nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable(table.Row{"ID", "Type", "Status", "Actor", "Created"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Type, statusBadge(t.Status), t.ActorID, t.CreatedAt})
	}
	tw.Render()
	return nil
}

func printSubtasks(task domain.Task, subtasks []domain.Subtask) {
	fmt.Printf("Task %s (%s): %s\n", task.ID, task.Type, statusBadge(task.Status))
	if task.Error != "" {
		fmt.Println(statusMuted.Render(task.Error))
	}
	tw := newTable(table.Row{"Subtask", "Capability", "Status", "Error", "Finished"})
	for _, st := range subtasks {
		tw.AppendRow(table.Row{st.ID, st.Capability, statusBadge(st.Status), st.Error, st.FinishedAt})
	}
	tw.Render()
}

func printResults(results []domain.RuleEvaluationResult) {
	tw := newTable(table.Row{"Rule", "Version", "Severity", "Status", "Details"})
	for _, r := range results {
		detail := strings.Join(r.Details, "; ")
		if r.Error != "" {
			detail = r.Error
		}
		tw.AppendRow(table.Row{r.RuleID, r.RuleVersion, severityBadge(r.Severity), statusBadge(r.Status), detail})
	}
	tw.Render()
}

func printCheck(check domain.ComplianceCheck) error {
	if viper.GetBool("json") {
		return printJSON(check)
	}
	verdict := statusOK.Render("compliant")
	if !check.Compliant {
		verdict = statusFailed.Render("not compliant")
	}
	fmt.Printf("Check %s for %s under %s: %s (audit position %d)\n", check.ID, check.DocumentID, check.Jurisdiction, verdict, check.AuditPosition)
	printResults(check.Results)
	return nil
}

func printRules(items []domain.ComplianceRule) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Version", "Active", "Jurisdiction", "Type", "Severity", "Mode"})
	for _, r := range items {
		docType := r.DocumentType
		if docType == "" {
			docType = "*"
		}
		tw.AppendRow(table.Row{r.ID, r.Version, r.Active, r.Jurisdiction, docType, severityBadge(r.Severity), r.Mode})
	}
	tw.Render()
	return nil
}

func printNotifications(items []domain.Notification) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Severity", "Type", "Target", "Message", "Created"})
	for _, n := range items {
		target := n.TargetID
		if target == "" {
			target = statusMuted.Render("broadcast")
		}
		tw.AppendRow(table.Row{n.ID, severityBadge(n.Severity), n.Type, target, n.Message, n.CreatedAt})
	}
	tw.Render()
	return nil
}
