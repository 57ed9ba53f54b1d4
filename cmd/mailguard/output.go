package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/colorstring"

	"github.com/synqronlabs/mailguard"
	"github.com/synqronlabs/mailguard/dnsbl"
	"github.com/synqronlabs/mailguard/report"
)

func statusColor(status string) string {
	switch strings.ToLower(status) {
	case "pass", "clean", "sent", "ok":
		return "[green]"
	case "fail", "high", "abandoned", "error", "permerror", "invalid":
		return "[red]"
	case "temperror", "softfail", "medium", "low", "send_failed":
		return "[yellow]"
	default:
		return "[dark_gray]"
	}
}

func printStatus(name, status, desc string) {
	color := statusColor(status)
	colorstring.Println(fmt.Sprintf("%s[bold]%-6s[reset] %s%s[reset] \t %s", color, name, color, status, desc))
}

func printVerdict(v mailguard.Verdict) {
	colorstring.Println(fmt.Sprintf("[bold]-- %s from %s (%s)[reset]", v.MessageID, v.From, v.SenderIP))
	printStatus("SPF", string(v.SPF.Status), v.SPF.Details)
	printStatus("DKIM", string(v.DKIM.Status), v.DKIM.Details)
	printStatus("DMARC", string(v.DMARC.Status), v.DMARC.Details)
	desc := v.Duration().Round(time.Millisecond).String()
	if v.Error != "" {
		desc = v.Error
	}
	printStatus("RESULT", string(v.Overall), desc)
}

func printCheck(res dnsbl.CheckResult) {
	if res.Status != dnsbl.StatusOK {
		printStatus(res.IP, string(res.Status), res.Error)
		return
	}
	printStatus(res.IP, string(res.RiskLevel), fmt.Sprintf("weight %d: %s", res.TotalWeight, checkSummary(res)))
	for _, q := range res.Queries {
		if q.Error != "" {
			colorstring.Println(fmt.Sprintf("    [yellow]%s[reset] %s", q.Hostname, q.Error))
		}
	}
}

func printList(l dnsbl.List, checked bool, healthErr error) {
	state := "active"
	if !l.Active {
		state = "inactive"
	}
	line := fmt.Sprintf("%-26s %-20s weight %d  %-8s queries %d  hits %d",
		l.Hostname, l.Name(), l.Weight, state, l.QueryCount, l.HitCount)
	switch {
	case !checked:
		fmt.Println(line)
	case healthErr != nil:
		colorstring.Println(fmt.Sprintf("%s  [red]unhealthy[reset] %s", line, healthErr))
	default:
		colorstring.Println(fmt.Sprintf("%s  [green]healthy[reset]", line))
	}
}

func printReport(r *report.Report) {
	colorstring.Println(fmt.Sprintf("[bold]-- DMARC report %s[reset]", r.ID))
	fmt.Printf("domain:     %s\n", r.Domain)
	fmt.Printf("window:     %s - %s\n", r.BeginTime.UTC().Format(time.RFC3339), r.EndTime.UTC().Format(time.RFC3339))
	fmt.Printf("messages:   %d total, %d compliant, %d failed\n", r.TotalMessages, r.CompliantMessages, r.FailedMessages)
	fmt.Printf("records:    %d\n", len(r.Records))
	fmt.Printf("recipients: %s\n", strings.Join(r.Recipients, ", "))
	fmt.Printf("file:       %s\n", r.ReportPath)
	printStatus("STATE", string(r.State), r.LastError)
}

// checkSummary renders the hits of a check for the terminal.
func checkSummary(res dnsbl.CheckResult) string {
	if !res.Listed() {
		return "not listed"
	}
	names := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		names[i] = fmt.Sprintf("%s (%s)", h.ListName, h.Description)
	}
	return strings.Join(names, ", ")
}
