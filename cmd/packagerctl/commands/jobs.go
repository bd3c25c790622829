package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"zipball-packager/internal/jobs"
	"zipball-packager/internal/models"
)

// jobOutput is the summary printed for a job.
type jobOutput struct {
	ID     string       `json:"job_id"`
	Type   string       `json:"job_type"`
	Status string       `json:"status"`
	Tasks  []taskOutput `json:"tasks,omitempty"`
}

type taskOutput struct {
	Target string `json:"target"`
	Status string `json:"status"`
	MD5    string `json:"md5,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func summarize(job models.Job, withTasks bool) jobOutput {
	out := jobOutput{ID: job.ID, Type: string(job.Type), Status: string(job.Status)}
	if !withTasks {
		return out
	}
	for _, t := range job.Tasks {
		out.Tasks = append(out.Tasks, taskOutput{Target: t.Target, Status: string(t.Status), MD5: t.MD5, Notes: t.Notes})
	}
	return out
}

func init() {
	createCmd.AddCommand(createFetchableCmd)
	createCmd.AddCommand(createStandaloneCmd)

	for _, c := range []*cobra.Command{createFetchableCmd, createStandaloneCmd} {
		c.Flags().String("license", "", "License code for the packaged content")
		c.Flags().String("title", "", "Title overriding the one found in the content")
		c.Flags().String("language", "", "Two letter language code")
	}
	createFetchableCmd.Flags().Bool("no-extract", false, "Keep the whole page instead of its main content")
	createFetchableCmd.Flags().Bool("no-javascript", false, "Strip scripts and inline handlers")
	createStandaloneCmd.Flags().StringP("origin", "o", "", "URL the uploaded content came from")
	_ = createStandaloneCmd.MarkFlagRequired("origin")

	listCmd.Flags().StringP("status", "s", "", "Filter jobs by status")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a packaging job",
}

var createFetchableCmd = &cobra.Command{
	Use:   "fetchable <url>...",
	Short: "Package remote pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noExtract, _ := cmd.Flags().GetBool("no-extract")
		noJS, _ := cmd.Flags().GetBool("no-javascript")
		extract, js := !noExtract, !noJS
		return create(cmd, jobs.CreateRequest{
			Type:    string(models.JobTypeFetchable),
			Targets: args,
			Options: jobs.CreateOptions{Extract: &extract, JavaScript: &js, Meta: metaFlags(cmd)},
		})
	},
}

var createStandaloneCmd = &cobra.Command{
	Use:   "standalone --origin <url> <path>...",
	Short: "Repackage uploaded zip archives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		origin, _ := cmd.Flags().GetString("origin")
		return create(cmd, jobs.CreateRequest{
			Type:    string(models.JobTypeStandalone),
			Targets: args,
			Options: jobs.CreateOptions{Origin: origin, Meta: metaFlags(cmd)},
		})
	},
}

func metaFlags(cmd *cobra.Command) *models.Meta {
	license, _ := cmd.Flags().GetString("license")
	title, _ := cmd.Flags().GetString("title")
	language, _ := cmd.Flags().GetString("language")
	if license == "" && title == "" && language == "" {
		return nil
	}
	return &models.Meta{License: license, Title: title, Language: language}
}

func create(cmd *cobra.Command, req jobs.CreateRequest) error {
	return withService(cmd.Context(), func(svc *jobs.Service) error {
		job, err := svc.Create(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("error creating job: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), summarize(job, true))
	})
}

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *jobs.Service) error {
			job, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error fetching job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summarize(job, true))
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, _ := cmd.Flags().GetString("status")
		var status models.JobStatus
		if raw != "" {
			if status = models.ToJobStatus(raw); status == "" {
				return fmt.Errorf("unknown status %q", raw)
			}
		}
		return withService(cmd.Context(), func(svc *jobs.Service) error {
			list, err := svc.List(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("error fetching jobs: %w", err)
			}
			out := make([]jobOutput, len(list))
			for i, job := range list {
				out[i] = summarize(job, false)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"jobs": out})
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a job that did not finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *jobs.Service) error {
			job, err := svc.Retry(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error retrying job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summarize(job, false))
		})
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta <job-id> <hash>",
	Short: "Print the manifest of a finished task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *jobs.Service) error {
			doc, err := svc.TaskMeta(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("error reading manifest: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), doc)
		})
	},
}

// GetCreateCmd returns the create command
func GetCreateCmd() *cobra.Command { return createCmd }

// GetShowCmd returns the show command
func GetShowCmd() *cobra.Command { return showCmd }

// GetListCmd returns the list command
func GetListCmd() *cobra.Command { return listCmd }

// GetRetryCmd returns the retry command
func GetRetryCmd() *cobra.Command { return retryCmd }

// GetMetaCmd returns the meta command
func GetMetaCmd() *cobra.Command { return metaCmd }
