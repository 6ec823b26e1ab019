// Package report renders the final document of an invocation and exports
// backtest results to a workbook.
package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// Kind selects the report layout.
type Kind string

const (
	KindMarket   Kind = "market"
	KindAdvocacy Kind = "advocacy"
)

// Disclaimer closes every market report.
const Disclaimer = "Backtest results are historical estimates and do not guarantee future returns."

// Section is a titled block of report lines.
type Section struct {
	Title string
	Lines []string
}

// Report is the renderable final document.
type Report struct {
	Kind        Kind
	Subject     string
	Headline    string
	Sections    []Section
	Narrative   string
	Disclosures []string
	Warnings    []string
}

// Render produces the plain-text document.
func (r Report) Render() string {
	var b strings.Builder
	title := "Market report"
	if r.Kind == KindAdvocacy {
		title = "Policy brief"
	}
	fmt.Fprintf(&b, "# %s: %s\n", title, r.Subject)
	if r.Headline != "" {
		fmt.Fprintf(&b, "%s\n", r.Headline)
	}
	for _, s := range r.Sections {
		writeSection(&b, s.Title, s.Lines)
	}
	if r.Narrative != "" {
		fmt.Fprintf(&b, "\n## Narrative\n%s\n", strings.TrimSpace(r.Narrative))
	}
	writeSection(&b, "Warnings", r.Warnings)
	writeSection(&b, "Data disclosures", r.Disclosures)
	if r.Kind == KindMarket {
		fmt.Fprintf(&b, "\n%s\n", Disclaimer)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, l := range lines {
		fmt.Fprintf(b, "- %s\n", l)
	}
}

// MarketInput gathers what the market report draws on. Nil fields are
// reported as unavailable.
type MarketInput struct {
	Subject     string
	Hypothesis  *domain.SignalHypothesis
	Factors     domain.Factors
	Backtest    *domain.ScalarSummary
	Narrative   string
	Disclosures []string
	Warnings    []string
}

// NewMarketReport assembles the market layout.
func NewMarketReport(in MarketInput) Report {
	r := Report{
		Kind:        KindMarket,
		Subject:     in.Subject,
		Narrative:   in.Narrative,
		Disclosures: in.Disclosures,
		Warnings:    in.Warnings,
	}

	hyp := Section{Title: "Hypothesis"}
	if h := in.Hypothesis; h != nil {
		r.Headline = fmt.Sprintf("Stance: %s (confidence %s)", h.Direction, pct(h.Confidence))
		hyp.Lines = append(hyp.Lines, fmt.Sprintf("direction: %s", h.Direction))
		if len(h.Rationale) > 0 {
			hyp.Lines = append(hyp.Lines, "rationale: "+strings.Join(h.Rationale, ", "))
		}
	} else {
		r.Headline = "Stance: unavailable"
		hyp.Lines = append(hyp.Lines, "no hypothesis was produced")
	}
	r.Sections = append(r.Sections, hyp)

	if len(in.Factors) > 0 {
		fs := Section{Title: "Factors"}
		for _, name := range in.Factors.Names() {
			fs.Lines = append(fs.Lines, fmt.Sprintf("%s: %s", name, num(in.Factors[name])))
		}
		r.Sections = append(r.Sections, fs)
	}

	bt := Section{Title: "Backtest"}
	if s := in.Backtest; s != nil {
		bt.Lines = append(bt.Lines,
			fmt.Sprintf("period: %s to %s (%s periods)", day(s.Labels["start"]), day(s.Labels["end"]), count(s.Scalars["periods"])),
			"total return: "+pct(s.Scalars["total_return"]),
			"CAGR: "+pct(s.Scalars["cagr"]),
			"Sharpe ratio: "+num(s.Scalars["sharpe"]),
			"max drawdown: "+pct(s.Scalars["max_drawdown"]),
			fmt.Sprintf("exposure: %s over %s trades", pct(s.Scalars["exposure"]), count(s.Scalars["trades"])),
		)
	} else {
		bt.Lines = append(bt.Lines, "validation unavailable")
	}
	r.Sections = append(r.Sections, bt)
	return r
}

// AdvocacyInput gathers what the policy brief draws on.
type AdvocacyInput struct {
	Subject string
	// Bills are bill:<id> record lists; the first record is the header.
	Bills []*domain.RecordList
	// Policies maps topics to policy:<topic> record lists.
	Policies    map[string]*domain.RecordList
	Narrative   string
	Disclosures []string
	Warnings    []string
}

// NewAdvocacyReport assembles the policy brief layout.
func NewAdvocacyReport(in AdvocacyInput) Report {
	r := Report{
		Kind:        KindAdvocacy,
		Subject:     in.Subject,
		Narrative:   in.Narrative,
		Disclosures: in.Disclosures,
		Warnings:    in.Warnings,
		Headline:    fmt.Sprintf("%d document(s) reviewed against %d policy topic(s)", len(in.Bills), len(in.Policies)),
	}

	for _, bill := range in.Bills {
		if bill == nil || len(bill.Records) == 0 {
			continue
		}
		head := bill.Records[0]
		s := Section{Title: "Document " + head.ID}
		if v := head.Attributes["title"]; v != "" {
			s.Lines = append(s.Lines, "title: "+v)
		}
		if v := head.Attributes["sponsor"]; v != "" {
			s.Lines = append(s.Lines, "sponsor: "+v)
		}
		if v := head.Attributes["summary"]; v != "" {
			s.Lines = append(s.Lines, "summary: "+v)
		}
		for _, p := range bill.Records[1:] {
			s.Lines = append(s.Lines, "provision: "+p.Attributes["text"])
		}
		r.Sections = append(r.Sections, s)
	}

	topics := make([]string, 0, len(in.Policies))
	for t := range in.Policies {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	if len(topics) > 0 {
		s := Section{Title: "Policy alignment"}
		for _, t := range topics {
			records := in.Policies[t]
			if records == nil || len(records.Records) == 0 {
				s.Lines = append(s.Lines, t+": no recorded position")
				continue
			}
			for _, rec := range records.Records {
				line := fmt.Sprintf("%s: %s", t, rec.Attributes["position"])
				if src := rec.Attributes["source"]; src != "" {
					line += " (" + src + ")"
				}
				s.Lines = append(s.Lines, line)
			}
		}
		r.Sections = append(r.Sections, s)
	}
	return r
}

func pct(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64) + "%"
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func count(v float64) string {
	return strconv.Itoa(int(v))
}

// day trims an RFC 3339 timestamp to its date.
func day(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i > 0 {
		return ts[:i]
	}
	return ts
}
