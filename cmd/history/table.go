package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/iconidentify/moegrabba/internal/domain"
)

var historyHeaders = []string{"Site", "Item", "Tier", "Title", "Size", "Downloaded", "Path"}

// sizeColumn is the zero-based index of the right-aligned size column.
const sizeColumn = 4

func renderHistory(records []*domain.DownloadRecord, total int, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(historyHeaders))
	for i, h := range historyHeaders {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, rec := range records {
		tw.AppendRow(table.Row{
			rec.Site,
			rec.ItemID.String(),
			rec.Tier.String(),
			truncate(rec.Title, 32),
			humanize.Bytes(uint64(max(rec.Size, 0))),
			humanize.RelTime(rec.DownloadedAt, now, "ago", "from now"),
			rec.Path,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d of %d", len(records), total)})

	configs := make([]table.ColumnConfig, 0, len(historyHeaders))
	for i := range historyHeaders {
		align := text.AlignLeft
		if i == sizeColumn {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
