// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/reconcile"
	"github.com/pdiddy/citecheck/internal/render"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/tracker"
	"github.com/pdiddy/citecheck/internal/upload"
	"github.com/pdiddy/citecheck/pkg/types"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <paper.pdf>",
	Short: "Submit a paper for quote analysis",
	Long: `Submit uploads a PDF to the analysis service and prints the new analysis
id. With --manual the service skips automatic reference fetching and asks
for every cited paper. With --watch the analysis is followed to completion
as the watch command does.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	manual, _ := cmd.Flags().GetBool("manual")
	watch, _ := cmd.Flags().GetBool("watch")
	cfg := clientConfig()
	path := args[0]

	maxMB := cfg.Upload.MaxSizeMB
	if maxMB <= 0 {
		maxMB = upload.DefaultMaxSizeMB
	}
	if err := upload.CheckFile(path, int64(maxMB)<<20); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := cmd.Context()
	client := newClient(cfg)
	a, err := client.CreateAnalysis(ctx, filepath.Base(path), f, manual)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created analysis #%d (%s)\n", a.ID, a.Title())

	if h := openHistory(cfg); h != nil {
		if err := h.Record(ctx, status.Snapshot{Analysis: a}); err != nil {
			logger.Warn("recording analysis", zap.Error(err))
		}
		h.Close()
	}

	if !watch {
		return nil
	}
	return watchAnalysis(cmd, a.ID)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <analysis-id>",
	Short: "Show the current state of an analysis",
	Long: `Status fetches an analysis once and prints its stage, the reference papers
it is waiting for, or its results.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	detail, _ := cmd.Flags().GetBool("detail")
	cfg := clientConfig()
	ctx := cmd.Context()

	store := status.New(id, newClient(cfg), status.WithLogger(logger))
	if h := openHistory(cfg); h != nil {
		defer h.Close()
		store.OnUpdate(recorder(ctx, h))
	}
	if err := store.Refresh(ctx); err != nil && store.Snapshot().Analysis == nil {
		return userError(err)
	}

	snap := store.Snapshot()
	rec := reconcile.New(cfg.Resume)
	if snap.Status() == types.StatusAwaitingUploads {
		rec.Begin(snap.MissingPapers)
	}
	render.Snapshot(cmd.OutOrStdout(), snap, rec, cfg.Upload.DropDir, detail)
	if snap.Err != nil {
		return userError(snap.Err)
	}
	return nil
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <analysis-id> <reference-key> <paper.pdf>",
	Short: "Upload a reference paper the service could not fetch",
	Long: `Upload sends a PDF for one of the missing references of an analysis that is
awaiting uploads. Use --resume to continue the analysis afterwards when the
resume policy allows it.`,
	Args: cobra.ExactArgs(3),
	RunE: runUpload,
}

func runUpload(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	key, path := args[1], args[2]
	resume, _ := cmd.Flags().GetBool("resume")
	cfg := clientConfig()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	h := openHistory(cfg)
	if h != nil {
		defer h.Close()
	}
	tr := newTracker(ctx, id, cfg, h)
	defer tr.Close()

	if err := loadOnce(ctx, tr); err != nil {
		return err
	}
	restoreUploads(ctx, tr, h)
	res, err := tr.Upload(ctx, key, path)
	if err != nil {
		return userError(err)
	}
	recordUpload(ctx, h, id, key, path)
	fmt.Fprintf(out, "Uploaded %s (%d still missing)\n", key, res.MissingPapersCount)

	if !resume {
		render.MissingPapers(out, tr.Reconciler(), "")
		return nil
	}
	if err := tr.Resume(ctx); err != nil {
		return userError(err)
	}
	fmt.Fprintf(out, "Analysis #%d resumed\n", id)
	return nil
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume <analysis-id>",
	Short: "Continue an analysis that is awaiting uploads",
	Long: `Resume asks the service to continue an analysis that stopped for missing
reference papers. Quotes citing papers that were not uploaded are graded as
unable to validate. With --force the local resume policy is bypassed and the
service decides.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	cfg := clientConfig()
	ctx := cmd.Context()

	if force {
		cfg.Resume = types.ResumePolicy{MinUploads: 0, ResumeWhenNothingMissing: true}
	}

	h := openHistory(cfg)
	if h != nil {
		defer h.Close()
	}
	tr := newTracker(ctx, id, cfg, h)
	defer tr.Close()
	if err := loadOnce(ctx, tr); err != nil {
		return err
	}
	restoreUploads(ctx, tr, h)
	if err := tr.Resume(ctx); err != nil {
		if errors.Is(err, tracker.ErrResumeNotAllowed) {
			return fmt.Errorf("%w (use --force to resume anyway)", err)
		}
		return userError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Analysis #%d resumed: %s\n", id, tr.Snapshot().Status().Label())
	return nil
}

// --- shared helpers ---

// newTracker builds a tracker for id that records every snapshot in h.
func newTracker(ctx context.Context, id int64, cfg types.ClientConfig, h *history.Store, opts ...tracker.Option) *tracker.Tracker {
	opts = append([]tracker.Option{tracker.WithLogger(logger)}, opts...)
	if h != nil {
		opts = append(opts, tracker.OnSnapshot(recorder(ctx, h)))
	}
	return tracker.New(ctx, id, newClient(cfg), trackerConfig(cfg), opts...)
}

// loadOnce fetches the analysis. Callers Close the tracker, which stops any
// polling the fetch started.
func loadOnce(ctx context.Context, tr *tracker.Tracker) error {
	if err := tr.Refresh(ctx); err != nil {
		return userError(err)
	}
	return nil
}

// restoreUploads marks the references uploaded by earlier runs during the
// current awaiting_uploads episode, as recorded in h, so the resume policy
// counts them. Uploads from earlier episodes are not restored.
func restoreUploads(ctx context.Context, tr *tracker.Tracker, h *history.Store) {
	if h == nil || !tr.Reconciler().Active() {
		return
	}
	ups, err := h.EpisodeUploads(ctx, tr.ID())
	if err != nil {
		logger.Warn("reading recorded uploads", zap.Error(err))
		return
	}
	keys := make([]string, len(ups))
	for i, u := range ups {
		keys[i] = u.ReferenceKey
	}
	if n := tr.Reconciler().Restore(keys...); n > 0 {
		logger.Debug("restored earlier uploads", zap.Int("count", n))
	}
}

func recorder(ctx context.Context, h *history.Store) func(status.Snapshot) {
	return func(snap status.Snapshot) {
		if err := h.Record(ctx, snap); err != nil {
			logger.Warn("recording snapshot", zap.Error(err))
		}
	}
}

func recordUpload(ctx context.Context, h *history.Store, id int64, key, path string) {
	if h == nil {
		return
	}
	if err := h.RecordUpload(ctx, id, key, filepath.Base(path)); err != nil {
		logger.Warn("recording upload", zap.Error(err))
	}
}

func init() {
	submitCmd.Flags().Bool("manual", false, "skip automatic reference fetching and upload every cited paper")
	submitCmd.Flags().Bool("watch", false, "follow the analysis after submitting")
	addWatchFlags(submitCmd)

	statusCmd.Flags().Bool("detail", false, "show context, source passage and explanation of each quote")

	uploadCmd.Flags().Bool("resume", false, "continue the analysis after the upload if allowed")

	resumeCmd.Flags().Bool("force", false, "resume regardless of how many papers were uploaded")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(resumeCmd)
}
