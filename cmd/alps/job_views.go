package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"alps/internal/queue"
)

func renderJobDetail(w io.Writer, job *queue.Job, now time.Time) {
	fmt.Fprintf(w, "Job:       %s\n", job.ID)
	fmt.Fprintf(w, "Status:    %s\n", job.Status)
	if job.ArchivePath != "" {
		archive := job.ArchivePath
		if info, err := os.Stat(job.ArchivePath); err == nil {
			archive = fmt.Sprintf("%s (%s)", archive, humanize.Bytes(uint64(info.Size())))
		}
		fmt.Fprintf(w, "Archive:   %s\n", archive)
	}
	fmt.Fprintf(w, "Submitted: %s\n", humanize.RelTime(job.CreatedAt, now, "ago", "from now"))
	if d := job.Duration(now); d > 0 {
		fmt.Fprintf(w, "Duration:  %s\n", d.Round(time.Second))
	}
	if job.Result != nil {
		fmt.Fprintf(w, "ALPS:      %.4f (left %.4f, right %.4f)\n", job.Result.Mean, job.Result.Left, job.Result.Right)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "Error:     [%s] %s\n", job.ErrorKind, firstLine(job.Error))
	}
	if len(job.Log) > 0 {
		fmt.Fprintln(w, "Log:")
		for _, line := range job.Log {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func renderJobsTable(jobs []*queue.Job, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		alps := "-"
		if job.Result != nil {
			alps = fmt.Sprintf("%.4f", job.Result.Mean)
		}
		errKind := job.ErrorKind
		if errKind == "" {
			errKind = "-"
		}
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			alps,
			humanize.RelTime(job.CreatedAt, now, "ago", "from now"),
			filepath.Base(job.ArchivePath),
			errKind,
		})
	}
	return renderTable(
		[]string{"ID", "Status", "ALPS", "Submitted", "Archive", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
