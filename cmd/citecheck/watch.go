// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/citecheck/internal/apiclient"
	"github.com/pdiddy/citecheck/internal/history"
	"github.com/pdiddy/citecheck/internal/metrics"
	"github.com/pdiddy/citecheck/internal/render"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/internal/tracker"
	"github.com/pdiddy/citecheck/internal/upload"
	"github.com/pdiddy/citecheck/pkg/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch <analysis-id>",
	Short: "Follow an analysis until it completes",
	Long: `Watch polls an analysis and prints each stage as the service reaches it.

When the service cannot fetch some reference papers the analysis waits for
uploads. Type "upload <key> <file.pdf>" to send one, "continue" to resume
once enough papers are uploaded, or "quit" to stop watching. With --drop-dir
PDFs named after a reference key (3.pdf for [3]) are uploaded as soon as they
appear in the directory. With --auto-resume the analysis continues by itself
once every missing paper is uploaded.

Results are printed when the analysis completes.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "analysis id")
	if err != nil {
		return err
	}
	return watchAnalysis(cmd, id)
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().String("drop-dir", "", "directory watched for reference PDFs named after their key")
	cmd.Flags().Bool("auto-resume", false, "continue automatically once every missing paper is uploaded")
	cmd.Flags().Bool("detail", false, "show context, source passage and explanation of each quote")
	cmd.Flags().Bool("no-input", false, "do not read upload commands from stdin")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

// watchSession holds what one watch run needs while it waits for uploads.
type watchSession struct {
	out     io.Writer
	tr      *tracker.Tracker
	hist    *history.Store
	dropDir string
	auto    bool
	lines   <-chan string
	drops   <-chan upload.Drop
	watcher *upload.DirWatcher

	mu sync.Mutex
}

func (s *watchSession) printf(format string, a ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, a...)
}

func watchAnalysis(cmd *cobra.Command, id int64) error {
	dropDir, _ := cmd.Flags().GetString("drop-dir")
	auto, _ := cmd.Flags().GetBool("auto-resume")
	detail, _ := cmd.Flags().GetBool("detail")
	noInput, _ := cmd.Flags().GetBool("no-input")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := clientConfig()
	if dropDir == "" {
		dropDir = cfg.Upload.DropDir
	}
	ctx := cmd.Context()

	s := &watchSession{out: cmd.OutOrStdout(), dropDir: dropDir, auto: auto}

	var opts []tracker.Option
	if metricsAddr != "" {
		m := metrics.New(nil)
		opts = append(opts, m.Options()...)
		stop := serveMetrics(metricsAddr, m)
		defer stop()
	}
	opts = append(opts, tracker.OnSnapshot(progressPrinter(s)))

	s.hist = openHistory(cfg)
	if s.hist != nil {
		defer s.hist.Close()
	}
	s.tr = newTracker(ctx, id, cfg, s.hist, opts...)
	defer s.tr.Close()

	if !noInput {
		s.lines = readLines(ctx, cmd.InOrStdin())
	}
	if dropDir != "" {
		w, err := upload.Watch(dropDir, upload.MatchKeys(func() []string {
			return remainingKeys(s.tr)
		}), upload.WithWatchLogger(logger))
		if err != nil {
			return err
		}
		defer w.Close()
		s.watcher = w
		s.drops = w.Drops()
	}

	if err := s.tr.Start(ctx); err != nil {
		return userError(err)
	}

	for {
		snap, err := s.tr.Wait(ctx)
		if err != nil {
			return userError(err)
		}
		if snap.Err != nil {
			return userError(snap.Err)
		}
		switch snap.Status() {
		case types.StatusCompleted:
			s.printf("\n")
			render.Quotes(s.out, snap.Quotes.Quotes, detail)
			return nil
		case types.StatusFailed:
			msg := snap.Analysis.Message()
			if msg == "" {
				msg = "the service could not finish the analysis"
			}
			return fmt.Errorf("analysis #%d failed: %s", id, msg)
		case types.StatusAwaitingUploads:
			if err := s.awaitUploads(ctx); err != nil {
				return err
			}
		}
	}
}

// progressPrinter prints a line whenever the status changes, followed by the
// processing steps.
func progressPrinter(s *watchSession) func(status.Snapshot) {
	var last types.Status
	return func(snap status.Snapshot) {
		s.mu.Lock()
		defer s.mu.Unlock()
		st := snap.Status()
		if st == "" || st == last {
			return
		}
		last = st
		fmt.Fprintf(s.out, "[%s] %s\n", time.Now().Format("15:04:05"), st.Label())
		if msg := snap.Analysis.Message(); msg != "" {
			fmt.Fprintf(s.out, "  %s\n", msg)
		}
		render.Progress(s.out, st)
	}
}

// awaitUploads handles one awaiting_uploads episode. It returns nil once the
// analysis was resumed and an error when the user quits or no input source
// is left.
func (s *watchSession) awaitUploads(ctx context.Context) error {
	rec := s.tr.Reconciler()
	if !rec.HasUploadAffordance() && !rec.CanResume() {
		return errors.New("the analysis is waiting for uploads but lists no missing papers; resume it with 'citecheck resume --force'")
	}

	s.mu.Lock()
	fmt.Fprintln(s.out)
	render.MissingPapers(s.out, rec, s.dropDir)
	if s.lines != nil {
		fmt.Fprintln(s.out, `Commands: upload <key> <file.pdf> | continue | quit`)
	}
	s.mu.Unlock()

	// PDFs dropped before these keys were known never matched.
	if s.watcher != nil && s.drops != nil {
		s.watcher.Rescan()
	}

	for {
		if s.auto && rec.CanResume() && len(rec.Remaining()) == 0 {
			return s.resume(ctx)
		}
		if s.lines == nil && s.drops == nil {
			return errors.New("no upload source: pass --drop-dir or drop --no-input")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-s.drops:
			if !ok {
				s.drops = nil
				continue
			}
			s.upload(ctx, d.Key, d.Path)

		case line, ok := <-s.lines:
			if !ok {
				s.lines = nil
				continue
			}
			done, err := s.command(ctx, line)
			if done || err != nil {
				return err
			}
		}
	}
}

// command runs one line typed by the user. done is set once the episode is
// over.
func (s *watchSession) command(ctx context.Context, line string) (done bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "upload", "u":
		if len(fields) != 3 {
			s.printf("usage: upload <key> <file.pdf>\n")
			return false, nil
		}
		s.upload(ctx, fields[1], fields[2])
		return false, nil
	case "continue", "c":
		if err := s.resume(ctx); err != nil {
			if errors.Is(err, tracker.ErrResumeNotAllowed) {
				s.printf("%v\n", err)
				return false, nil
			}
			return true, err
		}
		return true, nil
	case "status", "s":
		s.mu.Lock()
		render.MissingPapers(s.out, s.tr.Reconciler(), s.dropDir)
		s.mu.Unlock()
		return false, nil
	case "quit", "q":
		return true, errors.New("stopped watching; the analysis is still awaiting uploads")
	}
	s.printf("unknown command %q\n", fields[0])
	return false, nil
}

func (s *watchSession) upload(ctx context.Context, key, path string) {
	s.printf("Uploading %s...\n", key)
	res, err := s.tr.Upload(ctx, key, path)
	if err != nil {
		logger.Debug("upload failed", zap.String("key", key), zap.Error(err))
		s.printf("  %s: %s\n", key, apiclient.UserMessage(err))
		return
	}
	recordUpload(ctx, s.hist, s.tr.ID(), key, path)
	prog := s.tr.Reconciler().Progress()
	s.printf("  %s uploaded (%d of %d, %d still missing on the server)\n",
		key, prog.Uploaded, prog.Total, res.MissingPapersCount)
}

func (s *watchSession) resume(ctx context.Context) error {
	if err := s.tr.Resume(ctx); err != nil {
		if errors.Is(err, tracker.ErrResumeNotAllowed) {
			return err
		}
		return userError(err)
	}
	s.printf("Analysis resumed\n")
	return nil
}

func remainingKeys(tr *tracker.Tracker) []string {
	rem := tr.Reconciler().Remaining()
	keys := make([]string, len(rem))
	for i, p := range rem {
		keys[i] = p.ReferenceKey
	}
	return keys
}

// readLines delivers stdin line by line until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// serveMetrics exposes m on addr until the returned stop function runs.
func serveMetrics(addr string, m *metrics.Metrics) (stop func()) {
	if viper.GetString("log_level") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func init() {
	addWatchFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}
