package forensics

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// PrintReport writes a formatted forensic report to w.
func PrintReport(w io.Writer, r *Report) {
	if r == nil {
		fmt.Fprintln(w, "No report data available")
		return
	}

	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w, "                 CROSS-SESSION ENTANGLEMENT REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Report ID:      %s\n", r.ReportID)
	fmt.Fprintf(w, "Generated:      %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Sessions:       %d\n", r.SessionCount)
	if len(r.SkippedSessions) > 0 {
		fmt.Fprintf(w, "Skipped:        %s\n", strings.Join(r.SkippedSessions, ", "))
	}
	fmt.Fprintln(w)

	p := r.AggregateRiskProfile
	fmt.Fprintln(w, strings.Repeat("-", 72))
	fmt.Fprintln(w, "RISK PROFILE")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Average Risk Score:       %6.2f  %s\n", p.AverageRiskScore, riskBar(p.AverageRiskScore, 20))
	if p.HighestRiskSession != "" {
		fmt.Fprintf(w, "Highest Risk Session:     %s (%.2f)\n", p.HighestRiskSession, p.HighestRiskScore)
	}
	fmt.Fprintf(w, "Unique Entanglement IDs:  %d\n", p.TotalUniqueEntanglements)
	if len(p.MostCommonPIITypes) > 0 {
		fmt.Fprintln(w, "PII Types:")
		for _, tc := range p.MostCommonPIITypes {
			fmt.Fprintf(w, "  %-16s %d\n", tc.Type, tc.Count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Repeat("-", 72))
	fmt.Fprintln(w, "CROSS-SESSION ENTANGLEMENTS")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	fmt.Fprintln(w)
	if len(r.CrossSessionEntanglements) == 0 {
		fmt.Fprintln(w, "None detected.")
	}
	for i, pair := range r.CrossSessionEntanglements {
		fmt.Fprintf(w, "%d. %s <-> %s\n", i+1, pair.SessionPair[0], pair.SessionPair[1])
		fmt.Fprintf(w, "   Shared IDs: %d  Strength: %.2f\n", pair.SharedIDs.Len(), pair.Strength)
		if len(pair.SharedTypes) > 0 {
			types := make([]string, len(pair.SharedTypes))
			for k, t := range pair.SharedTypes {
				types[k] = string(t)
			}
			fmt.Fprintf(w, "   Types: %s\n", strings.Join(types, ", "))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintf(w, "ASSESSMENT: %s\n", assess(r))
	fmt.Fprintln(w, strings.Repeat("=", 72))
}

// riskBar renders score on a 0-100 scale as an ASCII bar.
func riskBar(score float64, width int) string {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	filled := int(score / 100 * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func assess(r *Report) string {
	switch {
	case r.SessionCount == 0:
		return "NO DATA - none of the requested sessions have a record"
	case len(r.CrossSessionEntanglements) == 0:
		return "ISOLATED - no PII shared between sessions"
	case strongest(r.CrossSessionEntanglements) >= 0.5:
		return "ENTANGLED - sessions share a substantial part of their PII"
	default:
		return "WEAKLY ENTANGLED - sessions share isolated PII values"
	}
}

func strongest(pairs []Pair) float64 {
	var m float64
	for _, p := range pairs {
		if p.Strength > m {
			m = p.Strength
		}
	}
	return m
}
