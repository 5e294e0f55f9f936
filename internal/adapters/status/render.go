package status

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type RenderOptions struct {
	Format Format
	Stages bool
}

func Render(w io.Writer, snap domain.RunSnapshot, opts RenderOptions) error {
	if opts.Format == FormatJSON {
		if !opts.Stages {
			snap.Stages = nil
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	return renderText(w, snap, opts.Stages)
}

func renderText(w io.Writer, snap domain.RunSnapshot, stages bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if snap.RunID != "" {
		fmt.Fprintf(tw, "run:\t%s\n", snap.RunID)
	}
	fmt.Fprintf(tw, "status:\t%s\n", colorStatus(snap.Status))
	fmt.Fprintf(tw, "stages:\t%d\n", snap.Total)
	fmt.Fprintf(tw, "executors:\t%d\n", snap.Executors)
	if !snap.StartedAt.IsZero() && !snap.TakenAt.IsZero() {
		fmt.Fprintf(tw, "elapsed:\t%s\n", snap.TakenAt.Sub(snap.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintln(tw)

	for _, state := range domain.AllStageStates() {
		if n := snap.Count(state); n > 0 {
			fmt.Fprintf(tw, "  %s\t%d\n", state, n)
		}
	}

	if stages && len(snap.Stages) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ID\tNAME\tSTATE\tRETRIES\tEXECUTOR\tERROR")
		for _, st := range snap.Stages {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				st.ID, st.Name, st.State, st.Retries, dash(st.Executor), dash(firstLine(st.Error)))
		}
	}
	return tw.Flush()
}

func colorStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunCompleted:
		return color.New(color.FgGreen, color.Bold).Sprint(s)
	case domain.RunFailed, domain.RunAborted:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	case domain.RunAborting:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// RenderUnreachable prints the message shown when no server answered.
func RenderUnreachable(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %v\n", color.New(color.FgYellow, color.Bold).Sprint("UNREACHABLE"), err)
}
