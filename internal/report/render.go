package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Format 输出格式
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat 解析 --format 参数
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("不支持的输出格式: %q (可选 table, json)", value)
	}
}

type jsonFunnel struct {
	FunnelConversion
	ConversionRate float64 `json:"conversion_rate"`
}

type jsonReport struct {
	PeriodStart *time.Time   `json:"period_start"`
	PeriodEnd   *time.Time   `json:"period_end"`
	Funnels     []jsonFunnel `json:"funnels"`
}

// Render 输出报表
func Render(w io.Writer, rows []FunnelConversion, period Period, format Format) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, rows, period)
	case FormatTable, "":
		return renderTable(w, rows, period)
	default:
		return fmt.Errorf("不支持的输出格式: %q", format)
	}
}

func renderJSON(w io.Writer, rows []FunnelConversion, period Period) error {
	out := jsonReport{
		PeriodStart: period.From,
		PeriodEnd:   period.To,
		Funnels:     make([]jsonFunnel, 0, len(rows)),
	}
	for _, row := range rows {
		out.Funnels = append(out.Funnels, jsonFunnel{FunnelConversion: row, ConversionRate: round2(row.ConversionRate())})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderTable(w io.Writer, rows []FunnelConversion, period Period) error {
	fmt.Fprintln(w, "Funnel conversion report")
	fmt.Fprintf(w, "Period: %s\n\n", describePeriod(period))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNNEL\tENTRIES\tPURCHASED\tCONVERSION")

	var total FunnelConversion
	total.FunnelType = "total"
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f%%\n", row.FunnelType, row.TotalEntries, row.TotalPurchased, row.ConversionRate())
		total.TotalEntries += row.TotalEntries
		total.TotalPurchased += row.TotalPurchased
	}
	if len(rows) > 1 {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f%%\n", total.FunnelType, total.TotalEntries, total.TotalPurchased, total.ConversionRate())
	}
	if len(rows) == 0 {
		fmt.Fprintln(tw, "(no entries)\t\t\t")
	}
	return tw.Flush()
}

func describePeriod(p Period) string {
	switch {
	case p.From == nil && p.To == nil:
		return "all time"
	case p.From == nil:
		return "until " + p.To.Format(time.RFC3339)
	case p.To == nil:
		return "since " + p.From.Format(time.RFC3339)
	default:
		return p.From.Format(time.RFC3339) + " - " + p.To.Format(time.RFC3339)
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
