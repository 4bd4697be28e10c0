package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/pipeline"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start <request.json>",
	Short: "Validate a start request and queue its task",
	Long: `Queue a task in the local database. A running serve process picks it up on
its next poll. Fails when an execution of the same task type is already running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		req, err := task.DecodeRequest(f)
		f.Close()
		if err != nil {
			return err
		}

		t, exec, err := task.NewService(st.repo, logger).Start(cmd.Context(), req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"task_id":      t.ID,
			"execution_id": exec.ID,
			"status":       t.Status,
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and everything it produced",
	Long: `Remove the task's frames, shots, transcripts, vectors, blobs and any
outstanding transcription job. Individual failures are logged and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		clients := cloud.New(cfg, logger)
		defer clients.Close()

		// Local jobs live in the serve process, so only remote jobs can be
		// cancelled from here.
		transcriber, closeTranscriber := newTranscriber(cfg, clients, nil, nil, logger)
		defer closeTranscriber()

		deleter := pipeline.NewDeleter(st.repo, st.blobs, st.vectors, transcriber, cfg.WorkDir(), cfg.Transcription.JobPrefix, logger)
		if err := deleter.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}
