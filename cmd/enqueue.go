package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/queue"
	"github.com/spigell/resume-worker/internal/utils"
	"github.com/spigell/resume-worker/internal/worker"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"

	jobName        = "analyze"
	previewLength  = 80
	enqueueTimeout = 30 * time.Second
)

const sampleResume = `
John Doe
Software Engineer
Skills: TypeScript, Node.js, React, AWS.
Experience: 5 years at Tech Corp building scalable web applications.
`

const sampleJobDescription = `
We are looking for a Senior Software Engineer with strong experience in Node.js and TypeScript.
Knowledge of cloud services like AWS is a plus.
`

var errAborted = errors.New("enqueue aborted")

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Push one analysis job to the queue (defaults to a synthetic sample)",
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd, map[string]string{
			"queue.name":    "queue",
			"queue.backend": "backend",
		})
	},
	Run: func(cmd *cobra.Command, _ []string) {
		runEnqueue(cmd)
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	registerEnqueueFlags(enqueueCmd)
}

func registerEnqueueFlags(cmd *cobra.Command) {
	cmd.Flags().String("resume-file", "", "file with the resume text (default is the built-in sample)")
	cmd.Flags().String("job-description-file", "", "file with the job description (default is the built-in sample)")
	cmd.Flags().Bool("no-job-description", false, "enqueue the resume without a job description")
	cmd.Flags().String("job-id", "", "backend job id (default is test-job-<unix ms>)")
	cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	cmd.Flags().StringP("queue", "q", "resume-analysis", "queue name to push to")
	cmd.Flags().String("backend", queue.BackendRedis, "queue backend: redis or rabbitmq")
}

func runEnqueue(cmd *cobra.Command) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync() //nolint:errcheck

	config, err := loadConfig(viper.GetViper())
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	data, err := buildJobData(cmd, time.Now())
	if err != nil {
		logger.Fatal("preparing the job", zap.Error(err))
	}

	logger.Info("job prepared",
		zap.String("job_id", data.JobID),
		zap.String("queue", config.Queue.Name),
		zap.String("resume", utils.TruncateForLog(data.ResumeText, previewLength)),
		zap.String("job_description", utils.TruncateForLog(data.JobDescription, previewLength)),
	)

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		if err := confirm(); err != nil {
			if errors.Is(err, errAborted) {
				logger.Info("exiting", zap.String("reason", "got no from prompt"))
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	runtime, err := queue.Open(ctx, config.queueConfig(), config.queueOptions(logger))
	if err != nil {
		logger.Fatal("connecting to the queue backend", zap.String("backend", config.Queue.Backend), zap.Error(err))
	}
	defer runtime.Close()

	id, err := runtime.Enqueue(ctx, config.Queue.Name, jobName, data)
	if err != nil {
		logger.Fatal("enqueueing the job", zap.Error(err))
	}

	logger.Info("job added successfully", zap.String("job_id", data.JobID), zap.String("queue_job_id", id))
}

// buildJobData assembles the payload from flags, falling back to the built-in sample.
func buildJobData(cmd *cobra.Command, now time.Time) (worker.JobData, error) {
	flags := cmd.Flags()

	jobID, _ := flags.GetString("job-id")
	if strings.TrimSpace(jobID) == "" {
		jobID = fmt.Sprintf("test-job-%d", now.UnixMilli())
	}

	resume := sampleResume
	if path, _ := flags.GetString("resume-file"); path != "" {
		text, err := readText(path)
		if err != nil {
			return worker.JobData{}, err
		}
		resume = text
	}

	description := sampleJobDescription
	if path, _ := flags.GetString("job-description-file"); path != "" {
		text, err := readText(path)
		if err != nil {
			return worker.JobData{}, err
		}
		description = text
	}
	if skip, _ := flags.GetBool("no-job-description"); skip {
		description = ""
	}

	return worker.JobData{
		JobID:          jobID,
		ResumeText:     resume,
		JobDescription: description,
	}, nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("file %q is empty", path)
	}
	return string(data), nil
}

func confirm() error {
	prompt := promptui.Select{
		Label: "Enqueue the job?",
		Items: []string{PromptYes, PromptNo},
	}

	_, answer, err := prompt.Run()
	if err != nil {
		return err
	}
	if answer != PromptYes {
		return errAborted
	}
	return nil
}
