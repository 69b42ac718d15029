package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"docproc/internal/guard"
	"docproc/internal/jobs"
)

type formatter struct {
	format string
	w      io.Writer
}

func (f *formatter) json(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *formatter) job(j *jobs.Job) error {
	if f.format == "json" {
		return f.json(j)
	}
	tw := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "job\t%s\n", j.ID)
	fmt.Fprintf(tw, "document\t%s\n", j.DocumentID)
	fmt.Fprintf(tw, "status\t%s\n", j.Status)
	fmt.Fprintf(tw, "attempt\t%d/%d\n", j.Attempt, j.MaxAttempts)
	fmt.Fprintf(tw, "progress\t%d%%\n", j.Progress)
	if j.Step != "" {
		fmt.Fprintf(tw, "step\t%s\n", j.Step)
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", j.Error)
	}
	fmt.Fprintf(tw, "created\t%s\n", j.CreatedAt.Format(time.RFC3339))
	if j.RetryAt != nil {
		fmt.Fprintf(tw, "retry at\t%s\n", j.RetryAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(tw, "completed\t%s\n", j.CompletedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type blockView struct {
	Identity  string `json:"identity"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason,omitempty"`
	BlockedAt int64  `json:"blocked_at,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

func (f *formatter) block(identity string, info *guard.BlockInfo) error {
	view := blockView{Identity: identity}
	if info != nil {
		view.Blocked = true
		view.Reason = info.Reason
		view.BlockedAt = info.BlockedAt.Unix()
		view.ExpiresIn = int64(info.ExpiresIn.Seconds())
	}
	if f.format == "json" {
		return f.json(view)
	}
	if !view.Blocked {
		_, err := fmt.Fprintf(f.w, "%s is not blocked\n", identity)
		return err
	}
	_, err := fmt.Fprintf(f.w, "%s blocked: %s (expires in %s)\n", identity, info.Reason, info.ExpiresIn.Round(time.Second))
	return err
}

func (f *formatter) message(key string, v any, text string) error {
	if f.format == "json" {
		return f.json(map[string]any{key: v})
	}
	_, err := fmt.Fprintln(f.w, text)
	return err
}
