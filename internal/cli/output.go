package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgeflux/fedbridge/internal/config"
	"github.com/forgeflux/fedbridge/internal/daemon"
	"github.com/forgeflux/fedbridge/internal/model"
	"github.com/forgeflux/fedbridge/internal/store"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func checkOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// printIssue prints iss with its actor URL and activity log.
func (a *app) printIssue(cmd *cobra.Command, cfg *config.Config, s store.Store, iss *model.Issue) error {
	activities, err := s.ListActivities(cmd.Context(), iss.ID)
	if err != nil {
		return fmt.Errorf("list activities: %w", err)
	}
	sum := iss.Summary()
	sum.ActorURL = daemon.InstanceFromConfig(cfg).ActorURL(iss)
	sum.Activities = activities
	return printValue(cmd.OutOrStdout(), a.output, sum, printSummary)
}

// printValue writes v as JSON or YAML, or through text in text mode.
func printValue[T any](w io.Writer, format string, v T, text func(io.Writer, T)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w, v)
		return nil
	}
}

// printSummary outputs a single issue in a readable multi-line format.
func printSummary(w io.Writer, s model.Summary) {
	kind := "Issue"
	if s.PullRequest {
		kind = "Pull request"
	}
	fmt.Fprintf(w, "%s #%d\n", kind, s.ID)
	fmt.Fprintf(w, "  Actor:       %s\n", s.ActorName)
	fmt.Fprintf(w, "  Actor URL:   %s\n", s.ActorURL)
	fmt.Fprintf(w, "  State:       %s\n", s.State)
	if s.Title != "" {
		fmt.Fprintf(w, "  Title:       %s\n", s.Title)
	}
	fmt.Fprintf(w, "  Repository:  %s\n", s.Repository)
	fmt.Fprintf(w, "  User:        %s\n", s.User)
	fmt.Fprintf(w, "  URL:         %s\n", s.HTMLURL)
	fmt.Fprintf(w, "  Created:     %s\n", s.Created.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Updated:     %s\n", s.Updated.Format("2006-01-02 15:04:05"))

	if len(s.Activities) == 0 {
		return
	}
	fmt.Fprintln(w, "  Activity:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, act := range s.Activities {
		fmt.Fprintf(tw, "    #%d\t%s\t%s\n", act.ID, act.Type, act.Created.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

// printLines writes key/value pairs for db commands in every format.
func printLines(w io.Writer, format string, fields []field) error {
	if format == outputText {
		for _, f := range fields {
			fmt.Fprintf(w, "%s: %v\n", f.key, f.value)
		}
		return nil
	}
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.key] = f.value
	}
	return printValue(w, format, m, nil)
}

type field struct {
	key   string
	value interface{}
}
